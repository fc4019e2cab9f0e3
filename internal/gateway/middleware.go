package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go-chat-client/internal/naming"
)

// TokenSource supplies the current access token, or "" when there is none.
type TokenSource interface {
	AccessToken() string
}

// Refresher exchanges the stored refresh token for new credentials. It is
// a no-op when no refresh token is held.
type Refresher interface {
	RefreshStored(ctx context.Context) error
}

// BearerAuth attaches "Authorization: Bearer <token>". A missing token is
// not an error: some endpoints are unauthenticated.
func BearerAuth(tokens TokenSource) RequestMiddleware {
	return func(_ context.Context, request *Request) (*Request, error) {
		if token := tokens.AccessToken(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
		return request, nil
	}
}

// WireNaming rewrites request body keys to the wire convention.
func WireNaming() RequestMiddleware {
	return func(_ context.Context, request *Request) (*Request, error) {
		if request.Body == nil {
			return request, nil
		}
		body, err := naming.ToWire(request.Body)
		if err != nil {
			return nil, fmt.Errorf("translating request body: %w", err)
		}
		request.Body = body
		return request, nil
	}
}

// InternalNaming rewrites response body keys to the internal convention,
// for error responses as well as successful ones. A body that is not JSON
// is left untouched when the call already failed.
func InternalNaming() ResponseMiddleware {
	return func(_ context.Context, _ *Request, response *Response, err error) (*Response, error) {
		if response == nil || len(response.Body) == 0 {
			return response, err
		}
		body, translateErr := naming.ToInternal(response.Body)
		if translateErr != nil {
			if err != nil {
				return response, err
			}
			return response, fmt.Errorf("gateway: translating response body: %w", translateErr)
		}
		response.Body = body
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			apiErr.Body = body
		}
		return response, err
	}
}

// RefreshOnUnauthorized starts a background refresh when a call comes back
// 401. It never retries the failed call; the 401 still reaches the caller.
func RefreshOnUnauthorized(refresher Refresher, logger *slog.Logger) ResponseMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, request *Request, response *Response, err error) (*Response, error) {
		if StatusCode(err) != http.StatusUnauthorized {
			return response, err
		}
		logger.Info("unauthorized response, refreshing credentials",
			"method", request.Method,
			"path", request.Path,
		)
		refreshCtx := context.WithoutCancel(ctx)
		go func() {
			if refreshErr := refresher.RefreshStored(refreshCtx); refreshErr != nil {
				logger.Warn("credential refresh failed", "error", refreshErr)
			}
		}()
		return response, err
	}
}

// Install sets up the standard pipeline in its fixed order.
func (g *Gateway) Install(tokens TokenSource, refresher Refresher) {
	g.UseRequest(BearerAuth(tokens), WireNaming())
	g.UseResponse(InternalNaming(), RefreshOnUnauthorized(refresher, g.logger))
}
