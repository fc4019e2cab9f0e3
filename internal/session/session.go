// Package session owns the authenticated identity and its tokens.
//
// A Manager is the root of trust for the rest of the client: the request
// gateway reads the access token from it, the realtime channel is opened
// with that token and torn down on logout, and every long-running caller
// uses Epoch to notice when the session it started under has been replaced.
//
// Only the user identity and access token are durable. The refresh token
// is kept in memory and is lost on restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/gateway"
	"go-chat-client/internal/persist"
)

// User is the identity a session belongs to.
type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is the authenticated identity plus its credentials.
type Session struct {
	User         User
	AccessToken  string
	RefreshToken string
}

// Credentials is the login payload.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// Registration is the signup payload.
type Registration struct {
	Username        string `json:"username" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=6"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

// AuthResult is what the auth endpoints return. User may be nil, in which
// case the identity is read from the access token's claims.
type AuthResult struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// API is the slice of the chat API the Manager needs.
type API interface {
	Login(ctx context.Context, credentials Credentials) (*AuthResult, error)
	Signup(ctx context.Context, registration Registration) (*AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*AuthResult, error)
}

// Disconnecter tears down the realtime connection bound to the session.
type Disconnecter interface {
	Disconnect()
}

// ChangeKind says how the session changed.
type ChangeKind int

const (
	// Replaced means a new session is in place (login, signup, refresh, restore).
	Replaced ChangeKind = iota
	// Cleared means there is no session any more (logout, failed refresh).
	Cleared
)

// Change is delivered to OnChange listeners after the state is committed.
type Change struct {
	Kind    ChangeKind
	Session Session
	Epoch   uint64
	// Reason says what triggered the change: "login", "signup",
	// "refresh", "restore", "logout" or "auth_error".
	Reason string
}

// durable is the persisted subset of a Session.
type durable struct {
	User        User   `json:"user"`
	AccessToken string `json:"accessToken"`
}

// Durable picks the part of a session that survives a restart.
func Durable(session Session) any {
	return durable{User: session.User, AccessToken: session.AccessToken}
}

// Config holds configuration for creating a Manager.
type Config struct {
	API   API
	Store persist.Store
	// Channel is torn down before the session is cleared. May be nil.
	Channel Disconnecter
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Manager owns the current session.
type Manager struct {
	api      API
	store    persist.Store
	channel  Disconnecter
	logger   *slog.Logger
	validate *validator.Validate
	refresh  singleflight.Group

	mu        sync.Mutex
	current   *Session
	epoch     uint64
	listeners []func(Change)

	// saveMu orders snapshot writes the same way mu orders mutations.
	saveMu sync.Mutex
}

// NewManager creates a Manager with no session.
func NewManager(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := config.Store
	if store == nil {
		store = persist.NewMemory()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return &Manager{
		api:      config.API,
		store:    store,
		channel:  config.Channel,
		logger:   logger,
		validate: validate,
		epoch:    1,
	}
}

// SetChannel binds the realtime channel torn down on logout.
func (m *Manager) SetChannel(channel Disconnecter) {
	m.mu.Lock()
	m.channel = channel
	m.mu.Unlock()
}

// OnChange registers a listener called after every committed change.
// Listeners run on the goroutine that made the change.
func (m *Manager) OnChange(listener func(Change)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// Current returns the session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// AccessToken returns the current access token or "".
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.AccessToken
}

// UserID returns the local user's id.
func (m *Manager) UserID() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0, false
	}
	return m.current.User.ID, true
}

// Epoch is bumped on every replace or clear. Work started under one epoch
// must drop its result if the epoch has moved on when it completes.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Login authenticates with email and password.
func (m *Manager) Login(ctx context.Context, credentials Credentials) (Session, error) {
	credentials.Email = strings.TrimSpace(credentials.Email)
	if err := m.check(credentials); err != nil {
		return Session{}, err
	}
	result, err := m.api.Login(ctx, credentials)
	if err != nil {
		return Session{}, m.fail(ctx, "login", err)
	}
	return m.establish(ctx, "login", result, "")
}

// Signup registers a new account and logs it in. Password confirmation is
// checked locally before anything is sent.
func (m *Manager) Signup(ctx context.Context, registration Registration) (Session, error) {
	registration.Username = strings.TrimSpace(registration.Username)
	registration.Email = strings.TrimSpace(registration.Email)
	if err := m.check(registration); err != nil {
		return Session{}, err
	}
	result, err := m.api.Signup(ctx, registration)
	if err != nil {
		return Session{}, m.fail(ctx, "signup", err)
	}
	return m.establish(ctx, "signup", result, "")
}

// Refresh exchanges refreshToken for new credentials. Any failure clears
// the session. If the session changes while the exchange is in flight
// (logout, another login), the result is discarded with ErrStaleSession.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	return m.refreshAt(ctx, refreshToken, m.Epoch())
}

// refreshAt runs a refresh on behalf of the session seen at epoch.
func (m *Manager) refreshAt(ctx context.Context, refreshToken string, epoch uint64) (Session, error) {
	if _, err := ParseToken(refreshToken); err != nil {
		m.clearIf(ctx, epoch, "auth_error")
		return Session{}, &chaterr.AuthError{Reason: "invalid refresh token", Err: err}
	}
	if m.Epoch() != epoch {
		return Session{}, chaterr.ErrStaleSession
	}

	result, err := m.api.Refresh(ctx, refreshToken)
	if m.Epoch() != epoch {
		m.logger.Info("discarding refresh result for replaced session")
		return Session{}, chaterr.ErrStaleSession
	}
	if err != nil {
		m.clearIf(ctx, epoch, "auth_error")
		return Session{}, classify("refresh", err)
	}

	session, err := m.build(result, refreshToken)
	if err != nil {
		m.clearIf(ctx, epoch, "auth_error")
		return Session{}, err
	}
	if !m.replaceIf(ctx, epoch, session, "refresh") {
		return Session{}, chaterr.ErrStaleSession
	}
	return session, nil
}

// RefreshStored refreshes with the in-memory refresh token. It does
// nothing when there is none. Concurrent calls share one exchange.
func (m *Manager) RefreshStored(ctx context.Context) error {
	m.mu.Lock()
	token := ""
	if m.current != nil {
		token = m.current.RefreshToken
	}
	epoch := m.epoch
	m.mu.Unlock()
	if token == "" {
		return nil
	}
	_, err, _ := m.refresh.Do("refresh", func() (any, error) {
		_, err := m.refreshAt(ctx, token, epoch)
		return nil, err
	})
	return err
}

// Logout tears down the realtime channel, then clears the session. It is a
// no-op when there is no session.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()
	if channel != nil {
		channel.Disconnect()
	}
	m.clearIf(ctx, 0, "logout")
}

// Restore loads the persisted session, if any. A snapshot whose token is
// malformed is discarded.
func (m *Manager) Restore(ctx context.Context) (Session, bool, error) {
	var snapshot durable
	err := persist.LoadJSON(ctx, m.store, persist.SessionKey, &snapshot)
	if errors.Is(err, persist.ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("session: restore: %w", err)
	}
	if _, err := ParseToken(snapshot.AccessToken); err != nil {
		m.logger.Warn("discarding persisted session with malformed token", "error", err)
		if err := m.store.Delete(ctx, persist.SessionKey); err != nil {
			return Session{}, false, fmt.Errorf("session: restore: %w", err)
		}
		return Session{}, false, nil
	}

	session := Session{User: snapshot.User, AccessToken: snapshot.AccessToken}
	m.mu.Lock()
	m.current = &session
	m.epoch++
	change := Change{Kind: Replaced, Session: session, Epoch: m.epoch, Reason: "restore"}
	listeners := append([]func(Change){}, m.listeners...)
	m.mu.Unlock()
	notify(listeners, change)
	return session, true, nil
}

func (m *Manager) establish(ctx context.Context, reason string, result *AuthResult, fallbackRefresh string) (Session, error) {
	session, err := m.build(result, fallbackRefresh)
	if err != nil {
		m.clearIf(ctx, 0, "auth_error")
		return Session{}, err
	}
	m.replaceIf(ctx, 0, session, reason)
	m.logger.Info("session established", "reason", reason, "user_id", session.User.ID)
	return session, nil
}

// build validates token shape and fills the user from the token claims
// when the response did not include it.
func (m *Manager) build(result *AuthResult, fallbackRefresh string) (Session, error) {
	if result == nil {
		return Session{}, &chaterr.AuthError{Reason: "empty auth response"}
	}
	claims, err := ParseToken(result.AccessToken)
	if err != nil {
		return Session{}, &chaterr.AuthError{Reason: "invalid access token", Err: err}
	}
	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = fallbackRefresh
	}
	if refreshToken != "" {
		if _, err := ParseToken(refreshToken); err != nil {
			return Session{}, &chaterr.AuthError{Reason: "invalid refresh token", Err: err}
		}
	}

	var user User
	if result.User != nil {
		user = *result.User
	} else {
		user = User{ID: claims.UserID, Username: claims.Username, Email: claims.Email}
	}
	return Session{User: user, AccessToken: result.AccessToken, RefreshToken: refreshToken}, nil
}

// replaceIf installs session when the epoch still equals expected (0 means
// unconditionally; real epochs start at 1) and persists its durable part.
func (m *Manager) replaceIf(ctx context.Context, expected uint64, session Session, reason string) bool {
	m.mu.Lock()
	if expected != 0 && m.epoch != expected {
		m.mu.Unlock()
		return false
	}
	m.current = &session
	m.epoch++
	change := Change{Kind: Replaced, Session: session, Epoch: m.epoch, Reason: reason}
	listeners := append([]func(Change){}, m.listeners...)
	m.saveMu.Lock()
	m.mu.Unlock()

	if err := persist.SaveJSON(ctx, m.store, persist.SessionKey, Durable(session)); err != nil {
		m.logger.Error("persisting session failed", "error", err)
	}
	m.saveMu.Unlock()

	notify(listeners, change)
	return true
}

// clearIf drops the session when the epoch still equals expected (0 means
// unconditionally). Clearing an empty session does nothing.
func (m *Manager) clearIf(ctx context.Context, expected uint64, reason string) {
	m.mu.Lock()
	if m.current == nil || (expected != 0 && m.epoch != expected) {
		m.mu.Unlock()
		return
	}
	channel := m.channel
	m.current = nil
	m.epoch++
	change := Change{Kind: Cleared, Epoch: m.epoch, Reason: reason}
	listeners := append([]func(Change){}, m.listeners...)
	m.saveMu.Lock()
	m.mu.Unlock()

	if reason != "logout" && channel != nil {
		channel.Disconnect()
	}
	if err := m.store.Delete(ctx, persist.SessionKey); err != nil {
		m.logger.Error("removing persisted session failed", "error", err)
	}
	m.saveMu.Unlock()

	m.logger.Info("session cleared", "reason", reason)
	notify(listeners, change)
}

// fail maps an auth endpoint failure. Rejections clear the session;
// transport failures leave it alone.
func (m *Manager) fail(ctx context.Context, op string, err error) error {
	classified := classify(op, err)
	if chaterr.IsAuth(classified) {
		m.clearIf(ctx, 0, "auth_error")
	}
	return classified
}

func (m *Manager) check(payload any) error {
	err := m.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("session: validating payload: %w", err)
	}
	result := &chaterr.ValidationError{}
	for _, fieldErr := range fieldErrors {
		result.Fields = append(result.Fields, chaterr.FieldError{
			Field:  fieldErr.Field(),
			Reason: reason(fieldErr),
		})
	}
	return result
}

func reason(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "email":
		return "invalid email address"
	case "min":
		return "must be at least " + fieldErr.Param() + " characters long"
	case "eqfield":
		return "passwords do not match"
	default:
		return "failed " + fieldErr.Tag() + " check"
	}
}

// classify turns auth endpoint errors into the error taxonomy. Client
// errors are rejections; server errors and transport failures are not.
func classify(op string, err error) error {
	if chaterr.IsNetwork(err) {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= http.StatusBadRequest && apiErr.StatusCode < http.StatusInternalServerError {
		return &chaterr.AuthError{Reason: apiErr.Message, Err: err}
	}
	return fmt.Errorf("session: %s: %w", op, err)
}

func notify(listeners []func(Change), change Change) {
	for _, listener := range listeners {
		listener(change)
	}
}
