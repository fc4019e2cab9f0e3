// Package app wires the client engine together.
//
// An App owns one instance of every store and passes them to each other
// explicitly. It also owns the lifecycle cascade: a new session opens the
// realtime channel, a refreshed session reopens it with the new token, and
// a cleared session empties every store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-client/internal/api"
	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/contacts"
	"go-chat-client/internal/gateway"
	"go-chat-client/internal/persist"
	"go-chat-client/internal/realtime"
	"go-chat-client/internal/reconcile"
	"go-chat-client/internal/rooms"
	"go-chat-client/internal/session"
)

// connectTimeout bounds one websocket dial.
const connectTimeout = 10 * time.Second

// Config holds configuration for creating an App.
type Config struct {
	// APIURL is the HTTP API root.
	APIURL string
	// WebsocketURL is the realtime endpoint, without the token parameter.
	WebsocketURL string
	// HTTPClient is used for API calls. If nil, a client with a 15s
	// timeout is used.
	HTTPClient *http.Client
	// Dialer opens realtime connections. If nil, the websocket default is used.
	Dialer *websocket.Dialer
	// Store holds the durable snapshots. If nil, an in-memory store is used.
	Store persist.Store
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// App is the client engine.
type App struct {
	Session    *session.Manager
	Rooms      *rooms.Directory
	Contacts   *contacts.Book
	Channel    *realtime.Channel
	Reconciler *reconcile.Reconciler

	api    *api.Client
	store  persist.Store
	wsURL  string
	logger *slog.Logger

	mu     sync.Mutex
	userID int
}

// New builds an App. Nothing touches the network until Login, Signup or
// Restore is called.
func New(config Config) (*App, error) {
	if config.WebsocketURL == "" {
		return nil, fmt.Errorf("app: WebsocketURL is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := config.Store
	if store == nil {
		store = persist.NewMemory()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	gw, err := gateway.New(gateway.Config{
		BaseURL:    config.APIURL,
		HTTPClient: httpClient,
		Logger:     logger.With("component", "gateway"),
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	client := api.New(gw)

	channel := realtime.New(realtime.Config{
		Dialer: config.Dialer,
		Logger: logger.With("component", "realtime"),
	})
	manager := session.NewManager(session.Config{
		API:     client,
		Store:   store,
		Channel: channel,
		Logger:  logger.With("component", "session"),
	})
	gw.Install(manager, manager)

	directory := rooms.NewDirectory(rooms.Config{
		API:    client,
		Store:  store,
		Fence:  manager.Epoch,
		Logger: logger.With("component", "rooms"),
	})
	book := contacts.NewBook(contacts.Config{
		API:    client,
		Fence:  manager.Epoch,
		Logger: logger.With("component", "contacts"),
	})

	a := &App{
		Session:  manager,
		Rooms:    directory,
		Contacts: book,
		Channel:  channel,
		api:      client,
		store:    store,
		wsURL:    config.WebsocketURL,
		logger:   logger,
	}
	a.Reconciler = reconcile.New(reconcile.Config{
		Directory: directory,
		Channel:   channel,
		Identity:  manager,
		Resync: func(ctx context.Context) error {
			_, err := directory.ListRooms(ctx)
			return err
		},
		Logger: logger.With("component", "reconcile"),
	})
	channel.SetHandler(a.Reconciler.HandleEvent)
	manager.OnChange(a.sessionChanged)
	return a, nil
}

// Login authenticates and loads the user's rooms and contacts.
func (a *App) Login(ctx context.Context, credentials session.Credentials) (session.Session, error) {
	current, err := a.Session.Login(ctx, credentials)
	if err != nil {
		return session.Session{}, err
	}
	a.syncAfterAuth(ctx)
	return current, nil
}

// Signup registers, authenticates and loads the user's rooms and contacts.
func (a *App) Signup(ctx context.Context, registration session.Registration) (session.Session, error) {
	current, err := a.Session.Signup(ctx, registration)
	if err != nil {
		return session.Session{}, err
	}
	a.syncAfterAuth(ctx)
	return current, nil
}

// Logout tears down the channel and clears every store.
func (a *App) Logout(ctx context.Context) {
	a.Session.Logout(ctx)
}

// Restore loads the persisted snapshots. Rooms are only kept when a
// session comes back with them.
func (a *App) Restore(ctx context.Context) (bool, error) {
	count, err := a.Rooms.Restore(ctx)
	if err != nil {
		a.logger.Warn("discarding unreadable room snapshot", "error", err)
		a.Rooms.Reset(ctx)
	}
	_, ok, err := a.Session.Restore(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		if count > 0 {
			a.Rooms.Reset(ctx)
		}
		return false, nil
	}
	if tracked := a.Reconciler.Track(); tracked > 0 {
		a.logger.Info("tracking pending messages from snapshot", "count", tracked)
	}
	return true, nil
}

// Sync reloads rooms and contacts from the server.
func (a *App) Sync(ctx context.Context) error {
	if _, ok := a.Session.Current(); !ok {
		return chaterr.ErrNoSession
	}
	_, roomsErr := a.Rooms.ListRooms(ctx)
	_, contactsErr := a.Contacts.List(ctx)
	return errors.Join(roomsErr, contactsErr)
}

// CreateRoom opens a room between the local user and the given contacts.
func (a *App) CreateRoom(ctx context.Context, contactIDs ...int) (rooms.Room, error) {
	self, ok := a.Session.UserID()
	if !ok {
		return rooms.Room{}, chaterr.ErrNoSession
	}
	participants := append([]int{self}, contactIDs...)
	return a.Rooms.CreateRoom(ctx, participants)
}

// SelectRoom selects the room with the given id, or clears the selection
// for an id the directory does not hold.
func (a *App) SelectRoom(id int) bool {
	room, ok := a.Rooms.Room(id)
	if !ok {
		a.Rooms.SelectRoom(nil)
		return false
	}
	a.Rooms.SelectRoom(&room)
	return true
}

// SendToSelected sends text to the selected room.
func (a *App) SendToSelected(ctx context.Context, text string) (rooms.Message, error) {
	return a.Reconciler.SendToSelected(ctx, text)
}

// User returns the signed-in user.
func (a *App) User() (session.User, bool) {
	current, ok := a.Session.Current()
	return current.User, ok
}

// Close disconnects the channel and releases the snapshot store. The
// session itself is kept for the next start.
func (a *App) Close() error {
	a.Channel.Disconnect()
	return a.store.Close()
}

// syncAfterAuth loads server state for a fresh session. Failures leave the
// session in place; the caller can Sync again.
func (a *App) syncAfterAuth(ctx context.Context) {
	if err := a.Sync(ctx); err != nil {
		a.logger.Warn("initial sync failed", "error", err)
	}
}

// sessionChanged drives the channel and the stores from session changes.
func (a *App) sessionChanged(change session.Change) {
	switch change.Kind {
	case session.Replaced:
		a.mu.Lock()
		previous := a.userID
		a.userID = change.Session.User.ID
		a.mu.Unlock()
		if previous != 0 && previous != change.Session.User.ID {
			a.resetStores()
		}
		a.connect(change.Session.AccessToken, change.Reason)
	case session.Cleared:
		a.mu.Lock()
		a.userID = 0
		a.mu.Unlock()
		a.resetStores()
	}
}

func (a *App) connect(token, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	err := a.Channel.Connect(ctx, a.wsURL, token)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrSuperseded):
		a.logger.Debug("realtime connect superseded", "reason", reason)
	default:
		a.logger.Warn("realtime connect failed", "reason", reason, "error", err)
	}
}

func (a *App) resetStores() {
	ctx := context.Background()
	a.Rooms.Reset(ctx)
	a.Contacts.Reset()
	a.Reconciler.Forget()
}
