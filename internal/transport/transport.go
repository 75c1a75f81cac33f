// Package transport はトークンをクライアントとの間で運ぶ方式（Cookie、Bearerヘッダー、
// リダイレクト）を提供する。
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Kind はトランスポートの種別。
type Kind int

const (
	// Cookie はHTTP Only Cookieでトークンを運ぶ。
	Cookie Kind = iota
	// Bearer はAuthorizationヘッダーとJSONボディでトークンを運ぶ。
	Bearer
	// RedirectBearer はトークンをクエリパラメータに付けてリダイレクトする。
	// トークンがURLや履歴に残るため推奨しない。
	RedirectBearer
	// RedirectCookie はCookieを設定した上でフロントエンドへリダイレクトする。
	RedirectCookie
)

// String はKindの設定値表現を返す。
func (k Kind) String() string {
	switch k {
	case Cookie:
		return "cookie"
	case Bearer:
		return "bearer"
	case RedirectBearer:
		return "redirect-bearer"
	case RedirectCookie:
		return "redirect-cookie"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind は設定値からKindを得る。
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{Cookie, Bearer, RedirectBearer, RedirectCookie} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transport: %q", s)
}

const (
	// DefaultCookieName はセッションCookie名。
	DefaultCookieName = "access_token"
	// DefaultQueryParam はRedirectBearerでトークンを付与するクエリパラメータ名。
	DefaultQueryParam = "access_token"
)

// Config はトランスポートの設定。
type Config struct {
	CookieName     string
	CookiePath     string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
	// MaxAge はCookieの有効期間。トークンの有効期間と一致させる。
	MaxAge time.Duration
	// RedirectURL はリダイレクト系トランスポートの遷移先。
	RedirectURL string
}

// Transport はトークンの取り出しとログイン/ログアウト応答の生成を行う。
type Transport struct {
	kind Kind
	cfg  Config
}

// New はTransportを生成する。未指定の値は既定値で補う。
func New(kind Kind, cfg Config) *Transport {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.CookieSameSite == 0 {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	return &Transport{kind: kind, cfg: cfg}
}

// Kind はトランスポート種別を返す。
func (t *Transport) Kind() Kind {
	return t.kind
}

// Insecure はトークンをURLに露出する方式かどうかを返す。
func (t *Transport) Insecure() bool {
	return t.kind == RedirectBearer
}

// Extract はリクエストからトークンを取り出す。見つからない場合はfalseを返す。
func (t *Transport) Extract(r *http.Request) (string, bool) {
	switch t.kind {
	case Cookie, RedirectCookie:
		c, err := r.Cookie(t.cfg.CookieName)
		if err != nil || c.Value == "" {
			return "", false
		}
		return c.Value, true
	case Bearer, RedirectBearer:
		return bearerToken(r)
	}
	return "", false
}

// WriteLoginResponse は発行したトークンをクライアントへ届けるレスポンスを書き込む。
func (t *Transport) WriteLoginResponse(w http.ResponseWriter, r *http.Request, token string) {
	switch t.kind {
	case Cookie:
		http.SetCookie(w, t.cookie(token, int(t.cfg.MaxAge/time.Second)))
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case Bearer:
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token": token,
			"token_type":   "bearer",
		})
	case RedirectCookie:
		http.SetCookie(w, t.cookie(token, int(t.cfg.MaxAge/time.Second)))
		http.Redirect(w, r, t.cfg.RedirectURL, http.StatusFound)
	case RedirectBearer:
		http.Redirect(w, r, withQuery(t.cfg.RedirectURL, DefaultQueryParam, token), http.StatusFound)
	}
}

// WriteLogoutResponse はログアウト応答を書き込む。Cookie系はCookieを削除する。
func (t *Transport) WriteLogoutResponse(w http.ResponseWriter, _ *http.Request) {
	switch t.kind {
	case Cookie, RedirectCookie:
		http.SetCookie(w, t.cookie("", -1))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     t.cfg.CookieName,
		Value:    value,
		Path:     t.cfg.CookiePath,
		Domain:   t.cfg.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   t.cfg.CookieSecure,
		SameSite: t.cfg.CookieSameSite,
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func withQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
