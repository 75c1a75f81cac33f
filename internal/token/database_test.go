package token

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hitoshi/authbackend/internal/model"
	"github.com/hitoshi/authbackend/internal/repository"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStrategy(t *testing.T, lifetime time.Duration) (*DatabaseStrategy, *repository.MemoryStore, *fakeClock) {
	t.Helper()
	mem := repository.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewDatabaseStrategy(mem.AccessTokens, mem.Users, lifetime)
	s.now = clock.Now
	return s, mem, clock
}

func addUser(t *testing.T, mem *repository.MemoryStore, id string, active bool) *model.User {
	t.Helper()
	u := &model.User{ID: id, Email: id + "@example.com", IsActive: active}
	if err := mem.Users.Create(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	return u
}

func TestDatabaseStrategy_IssueThenResolve_ReturnsSameUser(t *testing.T) {
	s, mem, _ := newTestStrategy(t, 0)
	ctx := context.Background()
	u1 := addUser(t, mem, "u1", true)

	tok, err := s.Issue(ctx, u1)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(tok) != 43 {
		t.Errorf("token length = %d, want 43 (256 bits base64url)", len(tok))
	}

	got, err := s.Resolve(ctx, tok)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.ID != u1.ID {
		t.Errorf("Resolve() user = %q, want %q", got.ID, u1.ID)
	}
	if s.Lifetime() != DefaultLifetime {
		t.Errorf("Lifetime() = %v, want %v", s.Lifetime(), DefaultLifetime)
	}
}

func TestDatabaseStrategy_TokensAreUnique(t *testing.T) {
	s, mem, _ := newTestStrategy(t, 0)
	u1 := addUser(t, mem, "u1", true)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := s.Issue(context.Background(), u1)
		if err != nil {
			t.Fatal(err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token issued: %s", tok)
		}
		seen[tok] = true
	}
}

func TestDatabaseStrategy_RevokeTwice_ResolveFails(t *testing.T) {
	s, mem, _ := newTestStrategy(t, 0)
	ctx := context.Background()
	tok, _ := s.Issue(ctx, addUser(t, mem, "u1", true))

	if err := s.Revoke(ctx, tok); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := s.Revoke(ctx, tok); err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}

	_, err := s.Resolve(ctx, tok)
	if !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("Resolve() after revoke error = %v, want ErrUnauthenticated", err)
	}
}

func TestDatabaseStrategy_Expiry(t *testing.T) {
	s, mem, clock := newTestStrategy(t, time.Second)
	ctx := context.Background()
	tok, _ := s.Issue(ctx, addUser(t, mem, "u1", true))

	if _, err := s.Resolve(ctx, tok); err != nil {
		t.Fatalf("Resolve() immediately error = %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := s.Resolve(ctx, tok); !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("Resolve() after expiry error = %v, want ErrUnauthenticated", err)
	}
}

func TestDatabaseStrategy_ExpiryBoundary_IsExclusive(t *testing.T) {
	s, mem, clock := newTestStrategy(t, time.Minute)
	ctx := context.Background()
	tok, _ := s.Issue(ctx, addUser(t, mem, "u1", true))

	clock.Advance(time.Minute - time.Nanosecond)
	if _, err := s.Resolve(ctx, tok); err != nil {
		t.Fatalf("Resolve() just before expiry error = %v", err)
	}
	clock.Advance(time.Nanosecond)
	if _, err := s.Resolve(ctx, tok); !errors.Is(err, model.ErrUnauthenticated) {
		t.Errorf("Resolve() at expiry error = %v, want ErrUnauthenticated", err)
	}
}

func TestDatabaseStrategy_UnknownAndEmptyToken(t *testing.T) {
	s, _, _ := newTestStrategy(t, 0)
	for _, tok := range []string{"", "never-issued"} {
		if _, err := s.Resolve(context.Background(), tok); !errors.Is(err, model.ErrUnauthenticated) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnauthenticated", tok, err)
		}
	}
}

func TestDatabaseStrategy_InactiveUser(t *testing.T) {
	s, mem, _ := newTestStrategy(t, 0)
	ctx := context.Background()
	tok, _ := s.Issue(ctx, addUser(t, mem, "u1", false))

	_, err := s.Resolve(ctx, tok)
	if !errors.Is(err, model.ErrInactive) {
		t.Errorf("Resolve() error = %v, want ErrInactive", err)
	}
	if !errors.Is(err, model.ErrUnauthenticated) {
		t.Error("ErrInactive should also match ErrUnauthenticated")
	}
}

func TestDatabaseStrategy_RevokeAll(t *testing.T) {
	s, mem, _ := newTestStrategy(t, 0)
	ctx := context.Background()
	u1 := addUser(t, mem, "u1", true)
	a, _ := s.Issue(ctx, u1)
	b, _ := s.Issue(ctx, u1)

	if err := s.RevokeAll(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	for _, tok := range []string{a, b} {
		if _, err := s.Resolve(ctx, tok); !errors.Is(err, model.ErrUnauthenticated) {
			t.Errorf("Resolve() after RevokeAll error = %v", err)
		}
	}
}

// 同じ乱数列を返したあと別の値を返すReader
type scriptedReader struct {
	chunks [][]byte
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestDatabaseStrategy_Issue_RetriesOnCollision(t *testing.T) {
	s, mem, _ := newTestStrategy(t, 0)
	ctx := context.Background()
	u1 := addUser(t, mem, "u1", true)

	same := bytes.Repeat([]byte{0x01}, tokenBytes)
	other := bytes.Repeat([]byte{0x02}, tokenBytes)
	s.random = &scriptedReader{chunks: [][]byte{same, same, other}}

	first, err := s.Issue(ctx, u1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Issue(ctx, u1)
	if err != nil {
		t.Fatalf("Issue() after collision error = %v", err)
	}
	if first == second {
		t.Error("colliding token must not be returned twice")
	}
	if mem.AccessTokens.Len() != 2 {
		t.Errorf("stored tokens = %d, want 2", mem.AccessTokens.Len())
	}
}

// ストア障害を再現するリポジトリ
type failingTokenRepo struct {
	repository.AccessTokenRepository
	err error
}

func (r failingTokenRepo) FindByToken(ctx context.Context, _ string) (*model.AccessToken, error) {
	if r.err != nil {
		return nil, r.err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r failingTokenRepo) Create(context.Context, *model.AccessToken) error {
	return r.err
}

func TestDatabaseStrategy_StoreFailure_IsTransientNotUnauthenticated(t *testing.T) {
	mem := repository.NewMemoryStore()
	s := NewDatabaseStrategy(failingTokenRepo{err: errors.New("connection reset")}, mem.Users, 0)

	_, err := s.Resolve(context.Background(), "some-token")
	if !errors.Is(err, model.ErrTransientStore) {
		t.Fatalf("Resolve() error = %v, want ErrTransientStore", err)
	}
	if errors.Is(err, model.ErrUnauthenticated) {
		t.Error("store failure must not be conflated with unauthenticated")
	}

	_, err = s.Issue(context.Background(), &model.User{ID: "u1"})
	if !errors.Is(err, model.ErrTransientStore) {
		t.Errorf("Issue() error = %v, want ErrTransientStore", err)
	}
}

func TestDatabaseStrategy_StoreTimeout_IsTransient(t *testing.T) {
	mem := repository.NewMemoryStore()
	s := NewDatabaseStrategy(failingTokenRepo{}, mem.Users, 0)
	s.StoreTimeout = 20 * time.Millisecond

	_, err := s.Resolve(context.Background(), "slow-token")
	if !errors.Is(err, model.ErrTransientStore) {
		t.Fatalf("Resolve() error = %v, want ErrTransientStore", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap context.DeadlineExceeded, got %v", err)
	}
}
