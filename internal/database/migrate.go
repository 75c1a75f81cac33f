// Package database はPostgreSQL接続と埋め込みマイグレーションの適用を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Action はmigrateサブコマンドの操作。
type Action string

const (
	// ActionUp は未適用のマイグレーションをすべて適用する。
	ActionUp Action = "up"
	// ActionDown は1ステップだけ戻す。
	ActionDown Action = "down"
	// ActionVersion は現在のバージョンを確認するだけで何も変更しない。
	ActionVersion Action = "version"
)

// ParseAction は引数からActionを得る。空の場合はActionUp。
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case "":
		return ActionUp, nil
	case ActionUp, ActionDown, ActionVersion:
		return a, nil
	default:
		return "", fmt.Errorf("unknown migrate action: %q", s)
	}
}

// NewMigrator は埋め込みSQLを読み込むmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// Apply はactionを実行し、実行後のスキーマバージョンを返す。
// 未適用の状態ではバージョン0を返す。変更がない場合もエラーにしない。
func Apply(databaseURL string, action Action) (version uint, dirty bool, err error) {
	if _, err := ParseAction(string(action)); err != nil {
		return 0, false, err
	}

	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	switch action {
	case ActionUp:
		err = m.Up()
	case ActionDown:
		err = m.Steps(-1)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, false, fmt.Errorf("failed to run migrations (%s): %w", action, err)
	}

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
func RunMigrations(databaseURL string) error {
	_, _, err := Apply(databaseURL, ActionUp)
	return err
}
