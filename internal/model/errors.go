// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認証・認可の判断はすべて以下の種別に集約される。
// どの内部ステップで失敗したかはレスポンスに含めない。
var (
	// ErrUnauthenticated はトークンが無い・不正・期限切れのいずれかを表す。
	// どれに該当するかは区別しない。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInactive は有効なトークンだが無効化されたアカウントを表す。
	// ErrUnauthenticated としても扱われる。
	ErrInactive = fmt.Errorf("%w: inactive user", ErrUnauthenticated)

	// ErrInvalidCredentials はログイン失敗を表す。
	// 「メールアドレスが存在しない」と「パスワード誤り」を区別しない。
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)

	// ErrNotVerified はメール未確認ユーザーのログイン拒否を表す。
	ErrNotVerified = fmt.Errorf("%w: user not verified", ErrUnauthenticated)

	// ErrConflict はメールアドレスの重複を表す。
	// 登録エンドポイントでは成功と区別できないレスポンスに変換される。
	ErrConflict = errors.New("user already exists")

	// ErrValidation は不正な入力を表す。
	ErrValidation = errors.New("validation error")

	// ErrInvalidToken はパスワードリセット・メール確認トークンが不正、期限切れ、使用済みであることを表す。
	ErrInvalidToken = errors.New("invalid token")

	// ErrAlreadyVerified は確認済みユーザーへのメール確認を表す。
	ErrAlreadyVerified = errors.New("user already verified")

	// ErrTransientStore はストレージが利用できないことを表す。
	// ErrUnauthenticated とは決して混同しない。呼び出し側はリトライしてよい。
	ErrTransientStore = errors.New("transient store failure")

	// ErrForbidden は認証済みだが権限が不足していることを表す。
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound は管理者向け操作で対象ユーザーが存在しないことを表す。
	ErrNotFound = errors.New("not found")
)

// ValidationError は入力検証エラーの詳細を保持する。
type ValidationError struct {
	Field  string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Is は errors.Is(err, ErrValidation) を成立させる。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError はValidationErrorを生成する。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// StoreError はストレージ層のエラーを ErrTransientStore として包む。
// errがnilの場合はnilを返す。
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientStore, op, err)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeLoginBadCredentials   = "LOGIN_BAD_CREDENTIALS"
	ErrCodeLoginUserNotVerified  = "LOGIN_USER_NOT_VERIFIED"
	ErrCodeInvalidPassword       = "INVALID_PASSWORD"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeResetPasswordBadToken = "RESET_PASSWORD_BAD_TOKEN"
	ErrCodeVerifyUserBadToken    = "VERIFY_USER_BAD_TOKEN"
	ErrCodeVerifyAlreadyVerified = "VERIFY_USER_ALREADY_VERIFIED"
	ErrCodeUpdateEmailExists     = "UPDATE_USER_EMAIL_ALREADY_EXISTS"
	ErrCodeOAuthInvalidState     = "OAUTH_INVALID_STATE"
	ErrCodeOAuthFailed           = "OAUTH_FAILED"
	ErrCodeOAuthUserExists       = "OAUTH_USER_ALREADY_EXISTS"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeServiceUnavailable    = "SERVICE_UNAVAILABLE"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewLoginBadCredentialsError はログイン失敗エラーを生成する。
// メールアドレスの存在有無は示さない。
func NewLoginBadCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginBadCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewLoginUserNotVerifiedError はメール未確認ユーザーのログイン拒否エラーを生成する。
func NewLoginUserNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginUserNotVerified,
		Message:  "メールアドレスの確認が完了していません。",
		Category: "auth",
		Action:   "確認メールのリンクを開いてから再度ログインしてください。",
	}
}

// NewValidationAPIError は入力検証エラーを生成する。
func NewValidationAPIError(ve *ValidationError) *APIError {
	code := ErrCodeInvalidRequest
	if ve.Field == "password" {
		code = ErrCodeInvalidPassword
	}
	return &APIError{
		Code:     code,
		Message:  fmt.Sprintf("入力内容が不正です: %s: %s", ve.Field, ve.Reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewBadTokenError はリセット・確認トークンが不正な場合のエラーを生成する。
func NewBadTokenError(code string) *APIError {
	return &APIError{
		Code:     code,
		Message:  "トークンが無効または期限切れです。",
		Category: "auth",
		Action:   "もう一度リクエストして新しいトークンを取得してください。",
	}
}

// NewAlreadyVerifiedError は確認済みユーザーへの再確認エラーを生成する。
func NewAlreadyVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeVerifyAlreadyVerified,
		Message:  "このメールアドレスは既に確認済みです。",
		Category: "auth",
		Action:   "そのままログインしてください。",
	}
}

// NewEmailExistsError はメールアドレス変更時の重複エラーを生成する。
// 認証済みユーザーのみが到達する経路で使用する。
func NewEmailExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeUpdateEmailExists,
		Message:  "このメールアドレスは使用できません。",
		Category: "validation",
		Action:   "別のメールアドレスを指定してください。",
	}
}

// NewOAuthInvalidStateError はOAuth stateの検証失敗エラーを生成する。
func NewOAuthInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthInvalidState,
		Message:  "OAuthの状態パラメータが無効です。",
		Category: "auth",
		Action:   "最初からログインをやり直してください。",
	}
}

// NewOAuthFailedError は外部IdPとのやり取りに失敗した場合のエラーを生成する。
func NewOAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthFailed,
		Message:  "外部サービスでの認証に失敗しました。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewOAuthUserExistsError はIdPが確認していないメールアドレスが既存ユーザーと衝突した場合のエラーを生成する。
func NewOAuthUserExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthUserExists,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "パスワードでログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewServiceUnavailableError はストレージ障害時のエラーを生成する。
// 認証失敗とは区別し、クライアントにリトライを促す。
func NewServiceUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  "一時的にサービスを利用できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
