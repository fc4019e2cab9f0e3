// Package gateway is the request/response pipeline every HTTP call to the
// chat API passes through.
//
// A Gateway holds an ordered list of request middlewares and an ordered
// list of response middlewares. The application installs them in a fixed
// order (see Install):
//
//  1. BearerAuth attaches the access token when one exists.
//  2. WireNaming rewrites request body keys from camelCase to snake_case.
//  3. InternalNaming rewrites response body keys back to camelCase.
//  4. RefreshOnUnauthorized reacts to 401 responses by starting a token
//     refresh in the background. The failed request is not replayed.
//
// Response middlewares see both the response and the error, and must hand
// the error on: nothing in the pipeline swallows a failure.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go-chat-client/internal/chaterr"
)

// maxResponseSize caps how much of a response body is read into memory.
const maxResponseSize = 8 << 20

// Config holds configuration for creating a Gateway.
type Config struct {
	// BaseURL is the API root, e.g. "http://localhost:80/api/v1".
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Request is an outbound call as seen by request middlewares. Body holds
// the encoded JSON document, or nil for bodiless requests.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is an HTTP response as seen by response middlewares.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestMiddleware transforms a request before it is sent.
type RequestMiddleware func(ctx context.Context, request *Request) (*Request, error)

// ResponseMiddleware observes or transforms a response. response is nil when
// the transport failed; err is non-nil for transport failures and non-2xx
// statuses. The returned error replaces err for the rest of the chain.
type ResponseMiddleware func(ctx context.Context, request *Request, response *Response, err error) (*Response, error)

// Gateway performs API calls through the middleware pipeline.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.RWMutex
	requests []RequestMiddleware
	response []ResponseMiddleware
}

// New creates a Gateway with an empty pipeline.
func New(config Config) (*Gateway, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("gateway: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// UseRequest appends request middlewares. They run in the order added.
func (g *Gateway) UseRequest(middlewares ...RequestMiddleware) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, middlewares...)
}

// UseResponse appends response middlewares. They run in the order added.
func (g *Gateway) UseResponse(middlewares ...ResponseMiddleware) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.response = append(g.response, middlewares...)
}

// Do sends one API call. requestBody, when non-nil, is JSON-encoded;
// responseBody, when non-nil, receives the decoded response document.
func (g *Gateway) Do(ctx context.Context, method, path string, requestBody, responseBody any) error {
	request := &Request{Method: method, Path: path, Header: make(http.Header)}
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("gateway: failed to encode request body: %w", err)
		}
		request.Body = encoded
		request.Header.Set("Content-Type", "application/json")
	}

	g.mu.RLock()
	requestChain := append([]RequestMiddleware(nil), g.requests...)
	responseChain := append([]ResponseMiddleware(nil), g.response...)
	g.mu.RUnlock()

	var err error
	for _, middleware := range requestChain {
		request, err = middleware(ctx, request)
		if err != nil {
			return fmt.Errorf("gateway: %s %s: %w", method, path, err)
		}
	}

	start := time.Now()
	response, err := g.send(ctx, request)
	for _, middleware := range responseChain {
		response, err = middleware(ctx, request, response, err)
	}

	status := 0
	if response != nil {
		status = response.StatusCode
	}
	g.logger.Debug("api call",
		"method", method,
		"path", path,
		"status", status,
		"duration", time.Since(start),
		"error", err,
	)

	if err != nil {
		return err
	}
	if responseBody != nil && response != nil && len(bytes.TrimSpace(response.Body)) > 0 {
		if err := json.Unmarshal(response.Body, responseBody); err != nil {
			return fmt.Errorf("gateway: failed to parse %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// send performs the HTTP exchange. Transport failures come back as
// *chaterr.NetworkError with a nil response; non-2xx statuses come back
// with both the response and an *APIError.
func (g *Gateway) send(ctx context.Context, request *Request) (*Response, error) {
	op := request.Method + " " + request.Path

	var bodyReader io.Reader
	if request.Body != nil {
		bodyReader = bytes.NewReader(request.Body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, request.Method, g.baseURL+request.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to create request: %w", err)
	}
	for key, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(key, value)
		}
	}

	httpResponse, err := g.httpClient.Do(httpRequest)
	if err != nil {
		return nil, &chaterr.NetworkError{Op: op, Err: err}
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseSize))
	if err != nil {
		return nil, &chaterr.NetworkError{Op: op, Err: fmt.Errorf("reading response body: %w", err)}
	}

	response := &Response{
		StatusCode: httpResponse.StatusCode,
		Header:     httpResponse.Header,
		Body:       body,
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	return response, newAPIError(request, response)
}
