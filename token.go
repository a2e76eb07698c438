package registrycore

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenStorage is the §6 auth contract. The core never authenticates on its
// own; it only holds whatever an external login flow gave it and attaches
// it to outbound sync calls.
type TokenStorage interface {
	Get(provider string) (string, bool)
	Set(provider, token string) error
	Remove(provider string) error
	GetUsername(provider string) (string, bool)
	SetUsername(provider, username string) error
	Clear() error
}

// InMemoryTokenStorage is the reference TokenStorage. Real deployments back
// this with a keychain, encrypted file, or secrets manager; that boundary is
// explicitly out of scope here.
type InMemoryTokenStorage struct {
	mu        sync.RWMutex
	tokens    map[string]string
	usernames map[string]string
}

func NewInMemoryTokenStorage() *InMemoryTokenStorage {
	return &InMemoryTokenStorage{
		tokens:    make(map[string]string),
		usernames: make(map[string]string),
	}
}

func (t *InMemoryTokenStorage) Get(provider string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.tokens[provider]
	return v, ok
}

func (t *InMemoryTokenStorage) Set(provider, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[provider] = token
	return nil
}

func (t *InMemoryTokenStorage) Remove(provider string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, provider)
	return nil
}

func (t *InMemoryTokenStorage) GetUsername(provider string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.usernames[provider]
	return v, ok
}

func (t *InMemoryTokenStorage) SetUsername(provider, username string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usernames[provider] = username
	return nil
}

func (t *InMemoryTokenStorage) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = make(map[string]string)
	t.usernames = make(map[string]string)
	return nil
}

// Login is the external auth-module contract of §6. The core depends only
// on this interface; concrete providers (password, SSO, device-code) are
// out of scope.
type Login interface {
	Login(credentials map[string]string, provider string) error
}

// bearerToken loads provider's token lazily and reports whether it is
// present and not expired, per §6's "tokens are loaded lazily at sync
// start" rule. A token that does not parse as a JWT is returned as-is and
// treated as non-expiring (a provider may issue opaque tokens).
func bearerToken(storage TokenStorage, provider string) (string, error) {
	tok, ok := storage.Get(provider)
	if !ok || tok == "" {
		return "", unauthorizedErr("no token for provider", map[string]string{"provider": provider})
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(tok, claims)
	if err != nil {
		// Not a JWT (or unparsable); treat as an opaque token.
		return tok, nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if exp.Before(time.Now()) {
			return "", unauthorizedErr("token expired", map[string]string{"provider": provider})
		}
	}
	return tok, nil
}
