package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]*AgentRow // prefix -> row
	err     error
	lookups int
}

func (s *fakeStore) LookupByPrefix(_ context.Context, prefix string) (*AgentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	row, ok := s.rows[prefix]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return row, nil
}

func (s *fakeStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

const testAPIKey = "gk_ab12cdefghij"

func storeWithKey(t *testing.T, tier int, halted bool) *fakeStore {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeStore{rows: map[string]*AgentRow{
		testAPIKey[:8]: {AgentID: "agent-1", APIKeyHash: string(hash), Tier: tier, Halted: halted},
	}}
}

func TestPostgresAuthenticator_ValidKey(t *testing.T) {
	store := storeWithKey(t, 2, false)
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: store, Logger: zap.NewNop()})

	agent, err := a.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatal(err)
	}
	if agent.AgentID != "agent-1" || agent.Tier != 2 || agent.Halted {
		t.Errorf("agent = %+v", agent)
	}
}

func TestPostgresAuthenticator_CachesVerifiedKeys(t *testing.T) {
	store := storeWithKey(t, 2, false)
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: store, CacheTTL: time.Minute, Logger: zap.NewNop()})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.Authenticate(ctx, testAPIKey); err != nil {
			t.Fatal(err)
		}
	}
	if got := store.lookupCount(); got != 1 {
		t.Errorf("registry lookups = %d, want 1 (cache absorbs repeats)", got)
	}
}

func TestPostgresAuthenticator_WrongKeySamePrefix(t *testing.T) {
	store := storeWithKey(t, 2, false)
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: store, Logger: zap.NewNop()})

	// Same 8-char prefix, different tail: bcrypt must reject it.
	if _, err := a.Authenticate(context.Background(), "gk_ab12cWRONG"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestPostgresAuthenticator_UnknownPrefix(t *testing.T) {
	store := storeWithKey(t, 2, false)
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: store, Logger: zap.NewNop()})

	if _, err := a.Authenticate(context.Background(), "gk_zz99xxxxxx"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestPostgresAuthenticator_ShortKey(t *testing.T) {
	store := storeWithKey(t, 2, false)
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: store, Logger: zap.NewNop()})

	if _, err := a.Authenticate(context.Background(), "gk_x"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("err = %v, want ErrInvalidAPIKey", err)
	}
}

func TestPostgresAuthenticator_DBDownIsUnavailableNotInvalid(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: store, Logger: zap.NewNop()})

	_, err := a.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("err = %v, want ErrAuthUnavailable", err)
	}
	if errors.Is(err, ErrInvalidAPIKey) {
		t.Error("backend outage must not look like a bad key")
	}
}

func TestPostgresAuthenticator_InvalidRegisteredTier(t *testing.T) {
	store := storeWithKey(t, 9, false)
	a := NewPostgresAuthenticator(PostgresAuthConfig{Store: store, Logger: zap.NewNop()})

	if _, err := a.Authenticate(context.Background(), testAPIKey); err == nil {
		t.Error("out-of-range registered tier accepted")
	}
}
