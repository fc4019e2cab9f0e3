package user

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateUser(ctx context.Context, user *User) (*User, error) {
	args := m.Called(ctx, user)
	created, _ := args.Get(0).(*User)
	return created, args.Error(1)
}

func (m *mockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	args := m.Called(ctx, email)
	found, _ := args.Get(0).(*User)
	return found, args.Error(1)
}

func (m *mockStore) GetUserByID(ctx context.Context, id int) (*User, error) {
	args := m.Called(ctx, id)
	found, _ := args.Get(0).(*User)
	return found, args.Error(1)
}

func (m *mockStore) SearchUsers(ctx context.Context, query string) ([]User, error) {
	args := m.Called(ctx, query)
	found, _ := args.Get(0).([]User)
	return found, args.Error(1)
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	key, err := LoadKey("")
	require.NoError(t, err)
	return NewService(NewMemoryRepository(), key, time.Minute, time.Hour)
}

func register(t *testing.T, s *Service, username, email string) *AuthResponse {
	t.Helper()
	res, err := s.Register(context.Background(), &RegisterRequest{
		Username:        username,
		Email:           email,
		Password:        "secret1",
		ConfirmPassword: "secret1",
	})
	require.NoError(t, err, "Register(%s)", email)
	return res
}

func TestRegisterIssuesTokens(t *testing.T) {
	s := newTestService(t)
	res := register(t, s, " alice ", "Alice@Example.com")

	assert.Empty(t, res.User.Password, "password hash leaked into the response")
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.Equal(t, "alice", res.User.Username)

	id, name, err := s.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, id)
	assert.Equal(t, "alice", name)

	_, _, err = s.ValidateToken(res.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "refresh token accepted as access token")
}

func TestRegisterRejects(t *testing.T) {
	s := newTestService(t)
	register(t, s, "alice", "alice@example.com")

	_, err := s.Register(context.Background(), &RegisterRequest{
		Username: "again", Email: "ALICE@example.com", Password: "secret1", ConfirmPassword: "secret1",
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Register(context.Background(), &RegisterRequest{
		Username: "bob", Email: "bob@example.com", Password: "secret1", ConfirmPassword: "other12",
	})
	var fieldErrs validator.ValidationErrors
	require.ErrorAs(t, err, &fieldErrs)
	assert.Equal(t, "ConfirmPassword", fieldErrs[0].Field())
}

func TestRegisterStoreFailure(t *testing.T) {
	key, err := LoadKey("")
	require.NoError(t, err)
	store := new(mockStore)
	boom := errors.New("connection reset")
	store.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *User) bool {
		return u.Email == "alice@example.com" && u.Password != "secret1"
	})).Return(nil, boom)
	s := NewService(store, key, time.Minute, time.Hour)

	_, err = s.Register(context.Background(), &RegisterRequest{
		Username: "alice", Email: "alice@example.com", Password: "secret1", ConfirmPassword: "secret1",
	})
	assert.ErrorIs(t, err, boom)
	store.AssertExpectations(t)
}

func TestLogin(t *testing.T) {
	s := newTestService(t)
	registered := register(t, s, "alice", "alice@example.com")

	res, err := s.Login(context.Background(), &LoginRequest{Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, res.User.ID)

	for _, req := range []LoginRequest{
		{Email: "alice@example.com", Password: "wrong"},
		{Email: "nobody@example.com", Password: "secret1"},
	} {
		_, err := s.Login(context.Background(), &req)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "Login(%s)", req.Email)
	}
}

func TestLoginStoreFailure(t *testing.T) {
	key, err := LoadKey("")
	require.NoError(t, err)
	store := new(mockStore)
	boom := errors.New("connection reset")
	store.On("GetUserByEmail", mock.Anything, "alice@example.com").Return(nil, boom)
	s := NewService(store, key, time.Minute, time.Hour)

	_, err = s.Login(context.Background(), &LoginRequest{Email: " Alice@Example.com", Password: "secret1"})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
	store.AssertExpectations(t)
}

func TestRefresh(t *testing.T) {
	s := newTestService(t)
	registered := register(t, s, "alice", "alice@example.com")

	res, err := s.Refresh(context.Background(), &RefreshRequest{RefreshToken: registered.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, registered.AccessToken, res.AccessToken, "refresh returned the old access token")

	_, err = s.Refresh(context.Background(), &RefreshRequest{RefreshToken: registered.AccessToken})
	assert.ErrorIs(t, err, ErrInvalidToken, "access token accepted for refresh")
}

func TestForeignKeyTokenRejected(t *testing.T) {
	s := newTestService(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other := NewService(NewMemoryRepository(), otherKey, time.Minute, time.Hour)
	res := register(t, other, "mallory", "mallory@example.com")

	_, _, err = s.ValidateToken(res.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokenRejected(t *testing.T) {
	key, err := LoadKey("")
	require.NoError(t, err)
	s := NewService(NewMemoryRepository(), key, -time.Minute, time.Hour)
	res := register(t, s, "alice", "alice@example.com")

	_, _, err = s.ValidateToken(res.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
