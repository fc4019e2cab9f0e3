package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/gateway"
	"go-chat-client/internal/persist"
	"go-chat-client/internal/testutil"
)

func authResult(t *testing.T, userID int) *AuthResult {
	t.Helper()
	return &AuthResult{
		User:         &User{ID: userID, Username: "alice", Email: "alice@example.com"},
		AccessToken:  testutil.Token(t, userID, "alice", "alice@example.com"),
		RefreshToken: testutil.Token(t, userID, "alice", "alice@example.com"),
	}
}

func newTestManager(t *testing.T, api *mockAPI) (*Manager, *persist.Memory, *mockChannel) {
	t.Helper()
	store := persist.NewMemory()
	channel := new(mockChannel)
	channel.On("Disconnect").Return()
	manager := NewManager(Config{API: api, Store: store, Channel: channel})
	return manager, store, channel
}

func loggedIn(t *testing.T, api *mockAPI, userID int) (*Manager, *persist.Memory, *mockChannel) {
	t.Helper()
	api.On("Login", mock.Anything, mock.Anything).Return(authResult(t, userID), nil).Once()
	manager, store, channel := newTestManager(t, api)
	_, err := manager.Login(context.Background(), Credentials{Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	return manager, store, channel
}

func TestLoginValidation(t *testing.T) {
	tests := []struct {
		name        string
		credentials Credentials
		field       string
	}{
		{"bad email", Credentials{Email: "nope", Password: "secret1"}, "email"},
		{"short password", Credentials{Email: "a@b.co", Password: "123"}, "password"},
		{"missing email", Credentials{Password: "secret1"}, "email"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			api := new(mockAPI)
			manager, _, _ := newTestManager(t, api)
			_, err := manager.Login(context.Background(), test.credentials)

			var validationErr *chaterr.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, test.field, validationErr.Fields[0].Field)
			api.AssertNotCalled(t, "Login", mock.Anything, mock.Anything)
		})
	}
}

func TestSignupPasswordMismatchShortCircuits(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := newTestManager(t, api)
	_, err := manager.Signup(context.Background(), Registration{
		Username:        "bob",
		Email:           "bob@example.com",
		Password:        "secret1",
		ConfirmPassword: "secret2",
	})

	var validationErr *chaterr.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, chaterr.FieldError{Field: "confirmPassword", Reason: "passwords do not match"}, validationErr.Fields[0])
	api.AssertNotCalled(t, "Signup", mock.Anything, mock.Anything)
}

func TestSignup(t *testing.T) {
	api := new(mockAPI)
	trimmed := mock.MatchedBy(func(registration Registration) bool { return registration.Username == "bob" })
	api.On("Signup", mock.Anything, trimmed).Return(authResult(t, 9), nil)
	manager, _, _ := newTestManager(t, api)

	session, err := manager.Signup(context.Background(), Registration{
		Username:        "  bob ",
		Email:           "bob@example.com",
		Password:        "secret1",
		ConfirmPassword: "secret1",
	})
	require.NoError(t, err)
	assert.Equal(t, 9, session.User.ID)
	assert.NotEmpty(t, session.AccessToken)
	api.AssertExpectations(t)
}

func TestLoginEstablishesAndPersistsDurableSubset(t *testing.T) {
	api := new(mockAPI)
	manager, store, _ := loggedIn(t, api, 1)

	var changes []Change
	manager.OnChange(func(change Change) { changes = append(changes, change) })

	current, ok := manager.Current()
	require.True(t, ok)
	require.NotEmpty(t, current.AccessToken)
	require.NotEmpty(t, current.RefreshToken)
	assert.Equal(t, current.AccessToken, manager.AccessToken())
	id, ok := manager.UserID()
	assert.True(t, ok)
	assert.Equal(t, 1, id)

	stored, err := store.Load(context.Background(), persist.SessionKey)
	require.NoError(t, err)
	assert.NotContains(t, string(stored), current.RefreshToken)
	assert.NotContains(t, string(stored), "refreshToken")
	assert.Contains(t, string(stored), current.AccessToken)

	manager.Logout(context.Background())
	require.Len(t, changes, 1)
	assert.Equal(t, Cleared, changes[0].Kind)
	assert.Equal(t, "logout", changes[0].Reason)
}

func TestLoginReadsIdentityFromClaims(t *testing.T) {
	api := new(mockAPI)
	api.On("Login", mock.Anything, mock.Anything).
		Return(&AuthResult{AccessToken: testutil.Token(t, 42, "carol", "carol@example.com")}, nil)
	manager, _, _ := newTestManager(t, api)

	session, err := manager.Login(context.Background(), Credentials{Email: "carol@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, 42, session.User.ID)
	assert.Equal(t, "carol", session.User.Username)
}

func TestLoginRejectsSymmetricToken(t *testing.T) {
	api := new(mockAPI)
	api.On("Login", mock.Anything, mock.Anything).Return(&AuthResult{AccessToken: testutil.SymmetricToken(t)}, nil)
	manager, _, _ := newTestManager(t, api)

	_, err := manager.Login(context.Background(), Credentials{Email: "a@b.co", Password: "secret1"})
	assert.True(t, chaterr.IsAuth(err), "error = %v, want AuthError", err)
	_, ok := manager.Current()
	assert.False(t, ok, "session established with an unusable token")
}

func TestLoginRejectionClearsSession(t *testing.T) {
	api := new(mockAPI)
	manager, store, channel := loggedIn(t, api, 1)
	api.On("Login", mock.Anything, mock.Anything).
		Return(nil, &gateway.APIError{StatusCode: 401, Message: "wrong password"})

	_, err := manager.Login(context.Background(), Credentials{Email: "alice@example.com", Password: "wrong12"})
	require.True(t, chaterr.IsAuth(err), "error = %v, want AuthError", err)

	_, ok := manager.Current()
	assert.False(t, ok, "session survived a rejected login")
	channel.AssertNumberOfCalls(t, "Disconnect", 1)
	_, err = store.Load(context.Background(), persist.SessionKey)
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestLoginNetworkFailureKeepsSession(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := loggedIn(t, api, 1)
	api.On("Login", mock.Anything, mock.Anything).
		Return(nil, &chaterr.NetworkError{Op: "POST /auth", Err: errors.New("connection refused")})

	_, err := manager.Login(context.Background(), Credentials{Email: "alice@example.com", Password: "secret1"})
	require.True(t, chaterr.IsNetwork(err), "error = %v, want NetworkError", err)
	_, ok := manager.Current()
	assert.True(t, ok, "a transport failure cleared the session")
}

func TestLogoutIsIdempotent(t *testing.T) {
	api := new(mockAPI)
	manager, store, channel := loggedIn(t, api, 1)
	var mu sync.Mutex
	cleared := 0
	manager.OnChange(func(change Change) {
		if change.Kind == Cleared {
			mu.Lock()
			cleared++
			mu.Unlock()
		}
	})

	manager.Logout(context.Background())
	manager.Logout(context.Background())

	_, ok := manager.Current()
	require.False(t, ok, "session survived logout")
	assert.Empty(t, manager.AccessToken())
	assert.Equal(t, 1, cleared)
	channel.AssertCalled(t, "Disconnect")
	_, err := store.Load(context.Background(), persist.SessionKey)
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestRefreshReplacesSession(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := loggedIn(t, api, 1)
	before, _ := manager.Current()
	epoch := manager.Epoch()

	fresh := testutil.Token(t, 1, "alice", "alice@example.com")
	api.On("Refresh", mock.Anything, before.RefreshToken).Return(&AuthResult{AccessToken: fresh}, nil)

	session, err := manager.Refresh(context.Background(), before.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, fresh, session.AccessToken)
	assert.Equal(t, before.RefreshToken, session.RefreshToken, "refresh token must carry over when none is returned")
	assert.Equal(t, 1, session.User.ID)
	assert.NotEqual(t, epoch, manager.Epoch())
	api.AssertExpectations(t)
}

func TestRefreshFailureClearsSession(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rejected", &gateway.APIError{StatusCode: 401, Message: "expired"}},
		{"network", &chaterr.NetworkError{Op: "POST /auth/refresh", Err: errors.New("reset")}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			api := new(mockAPI)
			manager, _, channel := loggedIn(t, api, 1)
			current, _ := manager.Current()
			api.On("Refresh", mock.Anything, mock.Anything).Return(nil, test.err)

			_, err := manager.Refresh(context.Background(), current.RefreshToken)
			require.Error(t, err)
			_, ok := manager.Current()
			assert.False(t, ok, "failed refresh kept the session")
			channel.AssertNumberOfCalls(t, "Disconnect", 1)
		})
	}
}

func TestRefreshMalformedTokenClears(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := loggedIn(t, api, 1)

	_, err := manager.Refresh(context.Background(), "not-a-jwt")
	require.True(t, chaterr.IsAuth(err), "error = %v, want AuthError", err)
	api.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	_, ok := manager.Current()
	assert.False(t, ok, "session survived a malformed refresh token")
}

func TestRefreshAfterLogoutIsStale(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := loggedIn(t, api, 1)
	current, _ := manager.Current()

	started := make(chan struct{})
	release := make(chan struct{})
	api.On("Refresh", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(authResult(t, 1), nil)

	result := make(chan error, 1)
	go func() {
		_, err := manager.Refresh(context.Background(), current.RefreshToken)
		result <- err
	}()
	<-started
	manager.Logout(context.Background())
	close(release)

	select {
	case err := <-result:
		require.ErrorIs(t, err, chaterr.ErrStaleSession)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never returned")
	}
	_, ok := manager.Current()
	assert.False(t, ok, "stale refresh resurrected the session")
}

func TestRefreshForLoggedOutSessionNeverRevives(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := loggedIn(t, api, 1)
	current, _ := manager.Current()
	api.On("Refresh", mock.Anything, mock.Anything).Return(authResult(t, 1), nil)

	// A refresh that read the token before logout, but starts after it.
	epoch := manager.Epoch()
	manager.Logout(context.Background())

	_, err := manager.refreshAt(context.Background(), current.RefreshToken, epoch)
	require.ErrorIs(t, err, chaterr.ErrStaleSession)
	_, ok := manager.Current()
	assert.False(t, ok, "refresh brought a logged out session back")
	api.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestRefreshStoredCoalesces(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := loggedIn(t, api, 1)

	release := make(chan struct{})
	api.On("Refresh", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(authResult(t, 1), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- manager.RefreshStored(context.Background())
		}()
	}
	// Let every caller join the in-flight exchange.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	api.AssertNumberOfCalls(t, "Refresh", 1)
}

func TestRefreshStoredWithoutSession(t *testing.T) {
	api := new(mockAPI)
	manager, _, _ := newTestManager(t, api)
	require.NoError(t, manager.RefreshStored(context.Background()))
	api.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestRestore(t *testing.T) {
	api := new(mockAPI)
	_, store, _ := loggedIn(t, api, 1)

	restored := NewManager(Config{API: api, Store: store})
	var reasons []string
	restored.OnChange(func(change Change) { reasons = append(reasons, change.Reason) })

	session, ok, err := restored.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, session.User.ID)
	assert.NotEmpty(t, session.AccessToken)
	assert.Empty(t, session.RefreshToken, "refresh token must not survive a restart")
	assert.Equal(t, []string{"restore"}, reasons)
}

func TestRestoreDiscardsMalformedSnapshot(t *testing.T) {
	store := persist.NewMemory()
	ctx := context.Background()
	require.NoError(t, persist.SaveJSON(ctx, store, persist.SessionKey, Durable(Session{User: User{ID: 1}, AccessToken: "garbage"})))

	manager := NewManager(Config{API: new(mockAPI), Store: store})
	_, ok, err := manager.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = store.Load(ctx, persist.SessionKey)
	assert.ErrorIs(t, err, persist.ErrNotFound, "malformed snapshot was kept")
}

func TestParseToken(t *testing.T) {
	claims, err := ParseToken(testutil.Token(t, 5, "dave", "dave@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 5, claims.UserID)
	assert.Equal(t, "dave@example.com", claims.Email)

	for _, bad := range []string{"", "a.b", "a.b.c", testutil.SymmetricToken(t)} {
		_, err := ParseToken(bad)
		assert.Error(t, err, "ParseToken(%q) accepted", bad)
	}
}
