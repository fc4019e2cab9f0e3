package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go-chat-client/internal/chaterr"
)

type staticToken string

func (s staticToken) AccessToken() string { return string(s) }

type mockRefresher struct {
	mock.Mock
}

func (m *mockRefresher) RefreshStored(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newMockRefresher() *mockRefresher {
	refresher := new(mockRefresher)
	refresher.On("RefreshStored", mock.Anything).Return(nil).Maybe()
	return refresher
}

func newTestGateway(t *testing.T, handler http.HandlerFunc, token string, refresher Refresher) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	gateway, err := New(Config{BaseURL: server.URL})
	require.NoError(t, err)
	if refresher == nil {
		refresher = newMockRefresher()
	}
	gateway.Install(staticToken(token), refresher)
	return gateway
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"with token", "abc.def.ghi", "Bearer abc.def.ghi"},
		{"without token", "", ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got string
			gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("Authorization")
				w.Write([]byte(`{}`))
			}, test.token, nil)

			require.NoError(t, gateway.Do(context.Background(), http.MethodGet, "/rooms", nil, nil))
			assert.Equal(t, test.want, got)
		})
	}
}

func TestNamingTranslationBothWays(t *testing.T) {
	var received map[string]any
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok","user":{"created_at":"2024-01-01T00:00:00Z","status_message":"hey"}}`))
	}, "", nil)

	request := struct {
		RefreshToken string `json:"refreshToken"`
		Nested       struct {
			RoomID int `json:"roomId"`
		} `json:"nested"`
	}{RefreshToken: "r"}
	request.Nested.RoomID = 7

	var response struct {
		AccessToken string `json:"accessToken"`
		User        struct {
			CreatedAt     time.Time `json:"createdAt"`
			StatusMessage string    `json:"statusMessage"`
		} `json:"user"`
	}
	require.NoError(t, gateway.Do(context.Background(), http.MethodPost, "/auth/refresh", request, &response))

	assert.Equal(t, "r", received["refresh_token"])
	nested, _ := received["nested"].(map[string]any)
	assert.Equal(t, float64(7), nested["room_id"])
	assert.Equal(t, "tok", response.AccessToken)
	assert.Equal(t, "hey", response.User.StatusMessage)
	assert.False(t, response.User.CreatedAt.IsZero())
}

func TestUnauthorizedRefreshesWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	done := make(chan struct{}, 1)
	refresher := new(mockRefresher)
	refresher.On("RefreshStored", mock.Anything).
		Run(func(mock.Arguments) { done <- struct{}{} }).
		Return(nil)
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"token expired"}`))
	}, "old", refresher)

	err := gateway.Do(context.Background(), http.MethodGet, "/contacts", nil, nil)
	require.Equal(t, http.StatusUnauthorized, StatusCode(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "token expired", apiErr.Message)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh was never started")
	}
	refresher.AssertNumberOfCalls(t, "RefreshStored", 1)
	assert.Equal(t, int32(1), hits.Load(), "the failed request must not be retried")
}

func TestOtherErrorsDoNotRefresh(t *testing.T) {
	refresher := newMockRefresher()
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":["email is required","password is too short"],"field_name":"email"}`))
	}, "tok", refresher)

	err := gateway.Do(context.Background(), http.MethodPost, "/users", map[string]string{"email": ""}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "email is required; password is too short", apiErr.Message)
	assert.Contains(t, string(apiErr.Body), "fieldName", "error body not translated")
	refresher.AssertNotCalled(t, "RefreshStored", mock.Anything)
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	gateway, err := New(Config{BaseURL: url})
	require.NoError(t, err)
	refresher := newMockRefresher()
	gateway.Install(staticToken(""), refresher)

	err = gateway.Do(context.Background(), http.MethodGet, "/rooms", nil, nil)
	assert.True(t, chaterr.IsNetwork(err), "error = %v, want NetworkError", err)
	refresher.AssertNotCalled(t, "RefreshStored", mock.Anything)
}

func TestRequestMiddlewareOrder(t *testing.T) {
	var seen []string
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("X-Order"))
		w.Write([]byte(`{}`))
	}, "", nil)

	gateway.UseRequest(func(_ context.Context, request *Request) (*Request, error) {
		request.Header.Set("X-Order", "first")
		return request, nil
	}, func(_ context.Context, request *Request) (*Request, error) {
		request.Header.Set("X-Order", request.Header.Get("X-Order")+",second")
		return request, nil
	})
	require.NoError(t, gateway.Do(context.Background(), http.MethodGet, "/rooms", nil, nil))
	assert.Equal(t, []string{"first,second"}, seen)

	stop := errors.New("stop")
	gateway.UseRequest(func(context.Context, *Request) (*Request, error) { return nil, stop })
	err := gateway.Do(context.Background(), http.MethodGet, "/rooms", nil, nil)
	assert.ErrorIs(t, err, stop)
	assert.Len(t, seen, 1, "request reached the server after a middleware failed")
}
