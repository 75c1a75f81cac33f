// Package model はドメインモデルを定義する。
package model

import "time"

// User はIdPに依存しないアカウントを表す。
// HashedPasswordはOAuthのみで作成されたアカウントでは空文字になる。
type User struct {
	ID             string
	Email          string
	HashedPassword string
	IsActive       bool
	IsVerified     bool
	IsSuperuser    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasPassword はパスワードログインが可能なアカウントかどうかを返す。
func (u *User) HasPassword() bool {
	return u.HashedPassword != ""
}

// UserFlags はユーザー作成・更新時に指定するフラグ。
type UserFlags struct {
	IsActive    bool
	IsVerified  bool
	IsSuperuser bool
}

// UserUpdate はユーザーの部分更新を表す。nilのフィールドは変更しない。
type UserUpdate struct {
	Email          *string
	HashedPassword *string
	IsActive       *bool
	IsVerified     *bool
	IsSuperuser    *bool
}

// OAuthAccount はUserと外部IdPアカウントの紐付けを表す。
// (Provider, AccountID) の組はシステム全体で一意。
type OAuthAccount struct {
	ID           string
	UserID       string
	Provider     string
	AccountID    string
	AccountEmail string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AccessToken はトークンストラテジーが発行する不透明なセッショントークンを表す。
// now < ExpiresAt の間のみ有効。
type AccessToken struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired は指定時刻においてトークンが期限切れかどうかを返す。
func (t *AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
