package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2idのパラメータ既定値
const (
	defaultArgonTime    = 3
	defaultArgonMemory  = 64 * 1024
	defaultArgonThreads = 2
	defaultArgonSaltLen = 16
	defaultArgonKeyLen  = 32
)

// Argon2Hasher はArgon2idによるHasher実装。ハッシュはPHC形式で保存する。
type Argon2Hasher struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// NewArgon2Hasher は既定パラメータのArgon2Hasherを生成する。
func NewArgon2Hasher() *Argon2Hasher {
	return &Argon2Hasher{
		Time:    defaultArgonTime,
		Memory:  defaultArgonMemory,
		Threads: defaultArgonThreads,
	}
}

// Hash はパスワードをPHC形式でハッシュ化する。
func (h *Argon2Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, defaultArgonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.Time, h.Memory, h.Threads, defaultArgonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify はPHC形式のハッシュと照合する。形式不正や空ハッシュの場合もダミー計算を行いfalseを返す。
func (h *Argon2Hasher) Verify(plaintext, hash string) bool {
	memory, time, threads, salt, expected, ok := parseArgon2PHC(hash)
	if !ok {
		argon2.IDKey([]byte(plaintext), make([]byte, defaultArgonSaltLen), h.Time, h.Memory, h.Threads, defaultArgonKeyLen)
		return false
	}
	computed := argon2.IDKey([]byte(plaintext), salt, time, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

func parseArgon2PHC(hash string) (memory, time uint32, threads uint8, salt, key []byte, ok bool) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, false
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return 0, 0, 0, nil, nil, false
	}
	var err error
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return 0, 0, 0, nil, nil, false
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(key) == 0 {
		return 0, 0, 0, nil, nil, false
	}
	return memory, time, threads, salt, key, true
}

var _ Hasher = (*Argon2Hasher)(nil)

// NewHasher は名前からHasherを生成する。"bcrypt"（既定）または"argon2id"。
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", "bcrypt":
		return NewBcryptHasher(0), nil
	case "argon2id":
		return NewArgon2Hasher(), nil
	default:
		return nil, fmt.Errorf("unknown password hasher: %q", name)
	}
}
