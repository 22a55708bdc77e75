package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"banhang/backend/internal/domain"
)

const (
	tokenIssuer = "banhang"
	// credentialRefresh bounds how stale the cached accounts may get before a
	// login reloads them. Unknown usernames always trigger a reload.
	credentialRefresh = 30 * time.Second
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the slice of the repository the auth layer needs.
type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	hash   string
	role   string
	active bool
}

type tokenClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// AuthManager issues HS256 bearer tokens for POS staff and checks the manager
// PIN that gates refunds.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	pinHash  string
	users    UserStore
	now      func() time.Time

	mu       sync.RWMutex
	creds    map[string]credential
	loadedAt time.Time
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	a := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		now:      time.Now,
		creds:    make(map[string]credential),
	}
	// An unset PIN leaves pinHash empty, which no input can match.
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hashed, err := hashPassword(pin); err == nil {
			a.pinHash = hashed
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.reload(ctx)
	return a
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := normalizeUsername(req.Username)
	cred, ok := a.lookup(ctx, username)
	if !ok || !verifyPassword(cred.hash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	claims := &tokenClaims{}
	token, err := jwtlib.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

// ValidateManagerPIN gates refunds. An unset PIN never validates.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	pin = strings.TrimSpace(pin)
	if pin == "" || a.pinHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.pinHash), []byte(pin)) == nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// lookup serves from the cache while it is fresh. Accounts created by another
// process become visible on their first login attempt.
func (a *AuthManager) lookup(ctx context.Context, username string) (credential, bool) {
	a.mu.RLock()
	cred, ok := a.creds[username]
	fresh := a.now().Sub(a.loadedAt) < credentialRefresh
	a.mu.RUnlock()
	if ok && fresh {
		return cred, true
	}

	a.reload(ctx)
	a.mu.RLock()
	defer a.mu.RUnlock()
	cred, ok = a.creds[username]
	return cred, ok
}

// reload replaces the credential cache from the user store and upgrades
// legacy plain-text passwords to bcrypt on the way.
func (a *AuthManager) reload(ctx context.Context) {
	if a.users == nil {
		return
	}
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		return
	}

	next := make(map[string]credential, len(accounts))
	for _, account := range accounts {
		username := normalizeUsername(account.Username)
		if username == "" {
			continue
		}
		hash := account.Password
		if !isPasswordHash(hash) {
			upgraded, err := hashPassword(hash)
			if err != nil {
				continue
			}
			hash = upgraded
			_ = a.users.UpdateUserPassword(ctx, username, hash)
		}
		next[username] = credential{hash: hash, role: account.Role, active: account.Active}
	}

	a.mu.Lock()
	a.creds = next
	a.loadedAt = a.now()
	a.mu.Unlock()
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func verifyPassword(hash string, input string) bool {
	if !isPasswordHash(hash) || strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
