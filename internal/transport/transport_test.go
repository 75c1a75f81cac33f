package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Cookie, Bearer, RedirectBearer, RedirectCookie} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("carrier-pigeon"); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestCookieTransport_LoginSetsHttpOnlyCookie(t *testing.T) {
	tr := New(Cookie, Config{MaxAge: 3600 * time.Second, CookieSecure: true})

	rec := httptest.NewRecorder()
	tr.WriteLoginResponse(rec, httptest.NewRequest(http.MethodPost, "/auth/cookie/login", nil), "tok-123")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	setCookie := rec.Header().Get("Set-Cookie")
	for _, want := range []string{"access_token=tok-123", "HttpOnly", "Max-Age=3600", "Path=/", "Secure", "SameSite=Lax"} {
		if !strings.Contains(setCookie, want) {
			t.Errorf("Set-Cookie %q missing %q", setCookie, want)
		}
	}
}

func TestCookieTransport_Extract(t *testing.T) {
	tr := New(Cookie, Config{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := tr.Extract(req); ok {
		t.Error("Extract() should fail without cookie")
	}

	req.AddCookie(&http.Cookie{Name: "access_token", Value: "abc"})
	tok, ok := tr.Extract(req)
	if !ok || tok != "abc" {
		t.Errorf("Extract() = %q, %v", tok, ok)
	}

	// Bearerヘッダーは無視する
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("Authorization", "Bearer abc")
	if _, ok := tr.Extract(req2); ok {
		t.Error("cookie transport must not read bearer header")
	}
}

func TestBearerTransport(t *testing.T) {
	tr := New(Bearer, Config{})

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer tok", "tok", true},
		{"bearer tok", "tok", true},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := tr.Extract(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Extract(%q) = %q, %v, want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}

	rec := httptest.NewRecorder()
	tr.WriteLoginResponse(rec, httptest.NewRequest(http.MethodPost, "/", nil), "tok-9")
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["access_token"] != "tok-9" || body["token_type"] != "bearer" {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("bearer transport must not set cookies")
	}
}

func TestRedirectCookieTransport(t *testing.T) {
	tr := New(RedirectCookie, Config{MaxAge: time.Hour, RedirectURL: "http://localhost:5173/oauth-callback"})

	rec := httptest.NewRecorder()
	tr.WriteLoginResponse(rec, httptest.NewRequest(http.MethodGet, "/auth/google/callback", nil), "tok-r")

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if loc != "http://localhost:5173/oauth-callback" {
		t.Errorf("Location = %q", loc)
	}
	if strings.Contains(loc, "tok-r") {
		t.Error("token must not appear in redirect URL")
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "access_token=tok-r") {
		t.Error("cookie should carry the token")
	}
	if tr.Insecure() {
		t.Error("redirect-cookie is not insecure")
	}
}

func TestRedirectBearerTransport(t *testing.T) {
	tr := New(RedirectBearer, Config{RedirectURL: "http://localhost:5173/oauth-callback?x=1"})

	rec := httptest.NewRecorder()
	tr.WriteLoginResponse(rec, httptest.NewRequest(http.MethodGet, "/", nil), "tok-q")

	u, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("access_token") != "tok-q" || u.Query().Get("x") != "1" {
		t.Errorf("Location query = %v", u.Query())
	}
	if !tr.Insecure() {
		t.Error("redirect-bearer should be flagged insecure")
	}
}

func TestLogoutResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Cookie, Config{}).WriteLogoutResponse(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "Max-Age=0") {
		t.Errorf("cookie should be cleared, got %q", rec.Header().Get("Set-Cookie"))
	}

	rec = httptest.NewRecorder()
	New(Bearer, Config{}).WriteLogoutResponse(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent || rec.Header().Get("Set-Cookie") != "" {
		t.Errorf("bearer logout: status = %d, Set-Cookie = %q", rec.Code, rec.Header().Get("Set-Cookie"))
	}
}
