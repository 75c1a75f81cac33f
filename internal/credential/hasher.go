package credential

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authbackend/internal/model"
)

// Hasher はパスワードハッシュ関数の抽象。
type Hasher interface {
	Hash(plaintext string) (string, error)
	// Verify はplaintextがhashに一致するかを定数時間で比較する。
	Verify(plaintext, hash string) bool
}

// BcryptHasher はbcryptによるHasher実装。
type BcryptHasher struct {
	Cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewBcryptHasher はBcryptHasherを生成する。costが0の場合はbcrypt.DefaultCostを使用する。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

// Hash はパスワードをハッシュ化する。
func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.Cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", model.NewValidationError("password", "パスワードが長すぎます（72バイトまで）")
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Verify はパスワードを検証する。hashが空の場合はダミーハッシュと比較してfalseを返す。
func (h *BcryptHasher) Verify(plaintext, hash string) bool {
	if hash == "" {
		h.compareDummy(plaintext)
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	return err == nil
}

// compareDummy は存在しないユーザーに対してもハッシュ比較と同等の時間を消費する。
func (h *BcryptHasher) compareDummy(plaintext string) {
	h.dummyOnce.Do(func() {
		h.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), h.Cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(plaintext))
}

var _ Hasher = (*BcryptHasher)(nil)
