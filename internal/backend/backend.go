// Package backend はトランスポートとトークンストラテジーの組（認証バックエンド）と、
// 複数バックエンドを順に試すリクエスト認証を提供する。
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/token"
	"github.com/hitoshi/authbackend/internal/transport"
)

// Backend は名前付きの{Transport, Strategy}の組。生成後は変更しない。
type Backend struct {
	name      string
	transport *transport.Transport
	strategy  token.Strategy
}

// New はBackendを生成する。
func New(name string, tr *transport.Transport, st token.Strategy) *Backend {
	return &Backend{name: name, transport: tr, strategy: st}
}

// Name はバックエンド名を返す。ルートのプレフィックスにも使う。
func (b *Backend) Name() string { return b.name }

// Transport はトランスポートを返す。
func (b *Backend) Transport() *transport.Transport { return b.transport }

// Strategy はトークンストラテジーを返す。
func (b *Backend) Strategy() token.Strategy { return b.strategy }

// Result は認証に成功したリクエストの情報。
type Result struct {
	User    *model.User
	Backend *Backend
	Token   string
}

// Authenticator は登録順にバックエンドを試してリクエストを認証する。
type Authenticator struct {
	backends []*Backend
}

// NewAuthenticator はAuthenticatorを生成する。backendsの順序が試行順になる。
func NewAuthenticator(backends ...*Backend) *Authenticator {
	return &Authenticator{backends: backends}
}

// Backends は登録済みのバックエンドを登録順で返す。
func (a *Authenticator) Backends() []*Backend {
	return append([]*Backend(nil), a.backends...)
}

// Lookup は名前でバックエンドを探す。
func (a *Authenticator) Lookup(name string) (*Backend, error) {
	for _, b := range a.backends {
		if b.name == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("backend %q is not registered", name)
}

// Authenticate はトークンを取り出して解決できた最初のバックエンドの結果を返す。
// トークンが無い、または解決できないバックエンドは読み飛ばす。
// ストア障害は他のバックエンドを試さずにそのまま返す。
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	var identityErr error
	for _, b := range a.backends {
		tok, ok := b.transport.Extract(r)
		if !ok {
			continue
		}
		user, err := b.strategy.Resolve(ctx, tok)
		if err == nil {
			return &Result{User: user, Backend: b, Token: tok}, nil
		}
		if !errors.Is(err, model.ErrUnauthenticated) {
			return nil, err
		}
		if identityErr == nil {
			identityErr = err
		}
	}
	if identityErr != nil {
		return nil, identityErr
	}
	return nil, model.ErrUnauthenticated
}
