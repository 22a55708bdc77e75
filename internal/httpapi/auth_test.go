package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"banhang/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func (s *userStoreStub) put(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = user
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestLoginPicksUpUsersAddedAfterStartup(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "thungan", Password: "pass1234"}); err == nil {
		t.Fatalf("expected unknown user to be rejected")
	}

	store.put(domain.UserAccount{Username: "thungan", Password: "pass1234", Role: "cashier", Active: true})
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ThuNgan", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login after store update failed: %v", err)
	}
	if resp.Role != "cashier" {
		t.Fatalf("expected cashier role, got %s", resp.Role)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "thungan" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"old": {Username: "old", Password: "pass1234", Role: "cashier", Active: false},
	}}
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "old", Password: "pass1234"})
	if err == nil || !strings.Contains(err.Error(), "inactive") {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"admin": {Username: "admin", Password: "admin123", Role: "admin", Active: true},
	}}
	issuer := NewAuthManager("secret-one", time.Hour, "123456", store)
	verifier := NewAuthManager("secret-two", time.Hour, "123456", store)

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	manager := NewAuthManager("test-secret", time.Hour, "654321", store)

	if manager.pinHash == "" || manager.pinHash == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}

	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}

	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestUnsetManagerPINNeverValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "", nil)
	if manager.ValidateManagerPIN("") || manager.ValidateManagerPIN("disabled") {
		t.Fatalf("expected unset manager pin to reject everything")
	}
}

func TestDeactivationIsSeenAfterRefreshWindow(t *testing.T) {
	store := &userStoreStub{users: map[string]domain.UserAccount{
		"thungan": {Username: "thungan", Password: "pass1234", Role: "cashier", Active: true},
	}}
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	manager.now = func() time.Time { return clock }
	manager.reload(context.Background())

	login := domain.LoginRequest{Username: "thungan", Password: "pass1234"}
	if _, err := manager.Login(context.Background(), login); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	user := store.users["thungan"]
	user.Active = false
	store.put(user)

	if _, err := manager.Login(context.Background(), login); err != nil {
		t.Fatalf("expected cached credential inside refresh window, got %v", err)
	}

	clock = clock.Add(credentialRefresh + time.Second)
	if _, err := manager.Login(context.Background(), login); err != errInactiveAccount {
		t.Fatalf("expected inactive account after refresh, got %v", err)
	}
}
