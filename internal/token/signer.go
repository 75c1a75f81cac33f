package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/authbackend/internal/model"
)

// 用途ごとのaudience。異なる用途のトークンを流用できないようにする。
const (
	AudienceSession    = "authbackend:auth"
	AudienceReset      = "authbackend:reset"
	AudienceVerify     = "authbackend:verify"
	AudienceOAuthState = "authbackend:oauth-state"
)

// Claims は自己検証型トークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims

	// Fingerprint はリセット発行時点のパスワードハッシュの指紋。
	Fingerprint string `json:"pfp,omitempty"`
	// Email は検証トークン発行時点のメールアドレス。
	Email string `json:"email,omitempty"`
	// Nonce はOAuth stateとCSRF Cookieを結び付ける値。
	Nonce string `json:"nonce,omitempty"`
}

// Signer はHS256で署名された用途限定トークンを発行・検証する。
// サーバー側には保存しない。
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner はSignerを生成する。
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Sign はaudienceとsubjectを持つトークンを発行する。
// extraのRegisteredClaimsは上書きされる。
func (s *Signer) Sign(audience, subject string, lifetime time.Duration, extra Claims) (string, error) {
	now := s.now()
	extra.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, extra).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証してクレームを返す。
// 署名不正・期限切れ・audience不一致はすべてmodel.ErrInvalidTokenになる。
func (s *Signer) Parse(tokenString, audience string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithAudience(audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	tok, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidToken, describeJWTError(err))
	}
	if !tok.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", model.ErrInvalidToken)
	}
	return claims, nil
}

func describeJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "wrong audience"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "invalid"
	}
}
