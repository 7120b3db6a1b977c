package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillcore/backend/internal/domain"
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

func newStubStore(accounts ...domain.UserAccount) *userStoreStub {
	stub := &userStoreStub{users: make(map[string]domain.UserAccount)}
	for _, account := range accounts {
		stub.users[account.Username] = account
	}
	return stub
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := newStubStore(domain.UserAccount{
		Username:  "admin",
		Password:  "admin123",
		Role:      "admin",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})

	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Admin", Password: "admin123"})
	require.NoError(t, err)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "admin123", users[0].Password)
	assert.True(t, strings.HasPrefix(users[0].Password, "$2"), users[0].Password)
	assert.Equal(t, 1, store.updates)
}

func TestLoginRejectsBadCredentialsAndInactiveAccounts(t *testing.T) {
	hash, err := hashPassword("secret99")
	require.NoError(t, err)
	store := newStubStore(
		domain.UserAccount{Username: "cashier", Password: hash, Role: "cashier", Active: true},
		domain.UserAccount{Username: "former", Password: hash, Role: "cashier", Active: false},
	)
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)
	ctx := context.Background()

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "cashier", Password: "nope"})
	assert.ErrorIs(t, err, errInvalidCredentials)

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "ghost", Password: "secret99"})
	assert.ErrorIs(t, err, errInvalidCredentials)

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "former", Password: "secret99"})
	assert.ErrorIs(t, err, errInactiveAccount)

	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "cashier", Password: "secret99"})
	require.NoError(t, err)
	assert.Equal(t, "cashier", resp.Role)
	assert.Equal(t, 0, store.updates)
}

func TestTokenRoundTrip(t *testing.T) {
	hash, err := hashPassword("secret99")
	require.NoError(t, err)
	store := newStubStore(domain.UserAccount{Username: "admin", Password: hash, Role: "admin", Active: true})
	manager := NewAuthManager("test-secret", time.Hour, "123456", store)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "secret99"})
	require.NoError(t, err)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "admin", Role: "admin"}, actor)

	other := NewAuthManager("another-secret", time.Hour, "123456", store)
	_, err = other.ParseToken(resp.AccessToken)
	assert.ErrorIs(t, err, errInvalidToken)

	expired, err := manager.sign("admin", "admin", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = manager.ParseToken(expired)
	assert.ErrorIs(t, err, errInvalidToken)
}

func TestParseTokenRejectsForeignIssuer(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", nil)

	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "someone-else",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "admin",
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = manager.ParseToken(token)
	assert.ErrorIs(t, err, errInvalidToken)
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", newStubStore())

	assert.NotEqual(t, "654321", manager.managerPIN)
	assert.True(t, manager.ValidateManagerPIN("654321"))
	assert.True(t, manager.ValidateManagerPIN(" 654321 "))
	assert.False(t, manager.ValidateManagerPIN("111111"))
	assert.False(t, manager.ValidateManagerPIN(""))
}
