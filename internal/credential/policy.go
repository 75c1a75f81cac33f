package credential

import (
	"net/mail"
	"strings"

	"github.com/hitoshi/authbackend/internal/model"
)

// PasswordPolicy はパスワードの妥当性を判定する。差し替え可能。
type PasswordPolicy interface {
	Validate(password string, user *model.User) error
}

// DefaultPasswordPolicy は最小長とメールアドレスの包含を検査する。
type DefaultPasswordPolicy struct {
	MinLength int
}

// Validate はポリシー違反時にmodel.ValidationErrorを返す。
func (p DefaultPasswordPolicy) Validate(password string, user *model.User) error {
	if len(password) < p.MinLength {
		return model.NewValidationError("password", "パスワードが短すぎます")
	}
	if user != nil && user.Email != "" {
		local, _, _ := strings.Cut(strings.ToLower(user.Email), "@")
		if local != "" && strings.Contains(strings.ToLower(password), local) {
			return model.NewValidationError("password", "パスワードにメールアドレスを含めることはできません")
		}
	}
	return nil
}

// NormalizeEmail は前後の空白を除去し小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail はメールアドレスの書式を検査する。表示名付きの形式は受け付けない。
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email, "@") {
		return model.NewValidationError("email", "メールアドレスの形式が不正です")
	}
	return nil
}
