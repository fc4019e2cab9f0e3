// Package server assembles the reference chat API: users and tokens,
// contacts, rooms and the websocket hub.
package server

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"go-chat-client/internal/chat"
	"go-chat-client/internal/contact"
	myMiddleware "go-chat-client/internal/middleware"
	"go-chat-client/internal/respond"
	"go-chat-client/internal/user"
)

type Options struct {
	// Key signs and verifies tokens.
	Key        *rsa.PrivateKey
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// DB selects Postgres repositories. Nil keeps everything in memory.
	DB *sql.DB
	// Redis enables cross-instance fan-out. Nil runs a single hub.
	Redis *redis.Client
	// RequestLog adds chi's request logger.
	RequestLog bool
	// Environment is reported by GET /healthcheck.
	Environment string
}

// Health is the body of GET /healthcheck.
type Health struct {
	Status     string            `json:"status"`
	SystemInfo map[string]string `json:"system_info"`
}

// Server is an http.Handler with a running hub behind it.
type Server struct {
	Users *user.Service
	Hub   *chat.Hub

	router http.Handler
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the router and starts the hub. Close stops it.
func New(opts Options) (*Server, error) {
	if opts.Key == nil {
		return nil, errors.New("server: signing key is required")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}

	var (
		userRepo    user.Store
		contactRepo contact.Store
		chatRepo    chat.Store
	)
	if opts.DB != nil {
		userRepo = user.NewRepository(opts.DB)
		contactRepo = contact.NewRepository(opts.DB)
		chatRepo = chat.NewRepository(opts.DB)
	} else {
		userRepo = user.NewMemoryRepository()
		contactRepo = contact.NewMemoryRepository()
		chatRepo = chat.NewMemoryRepository()
	}

	userService := user.NewService(userRepo, opts.Key, opts.AccessTTL, opts.RefreshTTL)
	userHandler := user.NewHandler(userService)
	contactHandler := contact.NewHandler(contactRepo, userFinder{userService})

	hub := chat.NewHub(opts.Redis, chatRepo)
	chatHandler := chat.NewHandler(hub, chatRepo, profiles(userService))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	environment := opts.Environment
	if environment == "" {
		environment = "development"
	}

	r := chi.NewRouter()
	if opts.RequestLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, Health{
			Status:     "available",
			SystemInfo: map[string]string{"environment": environment},
		})
	})
	r.Post("/users", userHandler.Register)
	r.Post("/auth", userHandler.Login)
	r.Post("/auth/refresh", userHandler.Refresh)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/users/search", userHandler.SearchUsers)

		r.Get("/contacts", contactHandler.List)
		r.Post("/contacts", contactHandler.Create)
		r.Delete("/contacts/{id}", contactHandler.Delete)

		r.Get("/rooms", chatHandler.ListRooms)
		r.Post("/rooms", chatHandler.CreateRoom)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Users:  userService,
		Hub:    hub,
		router: r,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		hub.Run(ctx)
	}()
	if opts.Redis != nil {
		go hub.SubscribeToRedis(ctx)
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the hub and closes every live connection.
func (s *Server) Close() {
	s.cancel()
	<-s.done
}

// userFinder lets the contact handler resolve emails without importing
// the user package.
type userFinder struct {
	users *user.Service
}

func (f userFinder) FindUserID(ctx context.Context, email string) (int, error) {
	u, err := f.users.GetUserByEmail(ctx, email)
	if errors.Is(err, user.ErrNotFound) {
		return 0, contact.ErrUnknownUser
	}
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

func profiles(users *user.Service) chat.ProfileFunc {
	return func(ctx context.Context, id int) (chat.Participant, error) {
		u, err := users.GetUser(ctx, id)
		if errors.Is(err, user.ErrNotFound) {
			return chat.Participant{}, chat.ErrUnknownParticipant
		}
		if err != nil {
			return chat.Participant{}, err
		}
		return chat.Participant{ID: u.ID, Name: u.Username, Email: u.Email, Avatar: u.Avatar}, nil
	}
}
