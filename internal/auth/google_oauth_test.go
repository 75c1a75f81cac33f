package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeIdP はトークンエンドポイントとユーザー情報エンドポイントを持つテスト用IdP。
type fakeIdP struct {
	server *httptest.Server

	mu           sync.Mutex
	userInfo     map[string]any
	refreshToken string
	tokenStatus  int
	codes        []string
}

func newFakeIdP(t *testing.T, userInfo map[string]any) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{userInfo: userInfo, refreshToken: "test-refresh-token", tokenStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		defer idp.mu.Unlock()
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		idp.codes = append(idp.codes, r.PostForm.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		if idp.tokenStatus != http.StatusOK {
			w.WriteHeader(idp.tokenStatus)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":             "invalid_grant",
				"error_description": "Code was already redeemed.",
			})
			return
		}
		resp := map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if idp.refreshToken != "" {
			resp["refresh_token"] = idp.refreshToken
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		idp.mu.Lock()
		defer idp.mu.Unlock()
		if idp.userInfo == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(idp.userInfo)
	})

	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIdP) provider() *GoogleOAuthProvider {
	return NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		AuthURL:      f.server.URL + "/authorize",
		TokenURL:     f.server.URL + "/token",
		UserInfoURL:  f.server.URL + "/userinfo",
		HTTPClient:   f.server.Client(),
	})
}

func (f *fakeIdP) setTokenStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
}

func (f *fakeIdP) setRefreshToken(tok string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshToken = tok
}

func (f *fakeIdP) receivedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

func (f *fakeIdP) setUserInfo(v map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userInfo = v
}

func TestGoogleOAuthProvider_AuthCodeURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	raw := provider.AuthCodeURL("test-state-value")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL %q: %v", raw, err)
	}
	if u.Host != "accounts.google.com" {
		t.Errorf("host = %q, want accounts.google.com", u.Host)
	}

	q := u.Query()
	tests := []struct {
		param string
		want  string
	}{
		{"client_id", "test-client-id"},
		{"redirect_uri", "http://localhost:8080/auth/google/callback"},
		{"state", "test-state-value"},
		{"response_type", "code"},
		{"access_type", "offline"},
	}
	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			if got := q.Get(tt.param); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.param, got, tt.want)
			}
		})
	}
	for _, scope := range []string{"openid", "email", "profile"} {
		if !strings.Contains(q.Get("scope"), scope) {
			t.Errorf("scope %q missing from %q", scope, q.Get("scope"))
		}
	}
}

func TestGoogleOAuthProvider_Exchange_Success(t *testing.T) {
	idp := newFakeIdP(t, map[string]any{
		"sub":            "google-sub-12345",
		"email":          "user@gmail.com",
		"email_verified": true,
	})

	before := time.Now()
	info, err := idp.provider().Exchange(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}

	if info.Provider != "google" || info.AccountID != "google-sub-12345" || info.Email != "user@gmail.com" || !info.EmailVerified {
		t.Errorf("Exchange() = %+v", info)
	}
	if info.AccessToken != "test-access-token" || info.RefreshToken != "test-refresh-token" {
		t.Errorf("token material = %q / %q", info.AccessToken, info.RefreshToken)
	}
	if info.Expiry.Before(before.Add(59 * time.Minute)) {
		t.Errorf("Expiry = %v, want about 1h from now", info.Expiry)
	}
	if codes := idp.receivedCodes(); len(codes) != 1 || codes[0] != "test-auth-code" {
		t.Errorf("codes sent to token endpoint = %v", codes)
	}
}

func TestGoogleOAuthProvider_Exchange_TokenError(t *testing.T) {
	idp := newFakeIdP(t, map[string]any{"sub": "x", "email": "x@gmail.com"})
	idp.setTokenStatus(http.StatusBadRequest)

	_, err := idp.provider().Exchange(context.Background(), "invalid-code")
	if !errors.Is(err, ErrExchange) {
		t.Fatalf("Exchange() error = %v, want ErrExchange", err)
	}
}

func TestGoogleOAuthProvider_Exchange_UserInfoError(t *testing.T) {
	idp := newFakeIdP(t, nil)

	_, err := idp.provider().Exchange(context.Background(), "valid-code")
	if !errors.Is(err, ErrExchange) {
		t.Fatalf("Exchange() error = %v, want ErrExchange", err)
	}
}

func TestGoogleOAuthProvider_Exchange_MissingSub(t *testing.T) {
	idp := newFakeIdP(t, map[string]any{"email": "user@gmail.com"})

	_, err := idp.provider().Exchange(context.Background(), "valid-code")
	if !errors.Is(err, ErrExchange) {
		t.Fatalf("Exchange() error = %v, want ErrExchange", err)
	}
}
