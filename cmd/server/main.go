package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"go-chat-client/internal/config"
	"go-chat-client/internal/db"
	"go-chat-client/internal/server"
	"go-chat-client/internal/user"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	flags := pflag.NewFlagSet("chat-server", pflag.ExitOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	flags.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "Postgres DSN (empty keeps data in memory)")
	flags.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for multi-instance fan-out")
	flags.StringVar(&cfg.JWTKeyPath, "jwt-key", cfg.JWTKeyPath, "PEM RSA private key (empty generates one)")
	flags.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := user.LoadKey(cfg.JWTKeyPath)
	if err != nil {
		log.Fatalf("❌ Failed to load signing key: %v", err)
	}
	if cfg.JWTKeyPath == "" {
		log.Println("⚠️ No JWT_KEY_PATH set, tokens will not survive a restart")
	}

	opts := server.Options{
		Key:         key,
		AccessTTL:   cfg.AccessTTL,
		RefreshTTL:  cfg.RefreshTTL,
		RequestLog:  true,
		Environment: cfg.Environment,
	}

	// 2. Connect to Database (Platform Layer)
	if cfg.DBDSN != "" {
		database, err := db.NewDatabase(cfg.DBDSN)
		if err != nil {
			log.Fatalf("❌ Failed to connect to DB: %v", err)
		}
		defer database.Conn.Close()
		log.Println("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(); err != nil {
			log.Fatalf("❌ Migration failed: %v", err)
		}
		log.Println("✅ Database Schema Initialized")
		opts.DB = database.Conn
	} else {
		log.Println("⚠️ DB_DSN is not set, using in-memory storage")
	}

	// 3. Connect to Redis (Platform Layer)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		log.Println("✅ Connected to Redis")
		opts.Redis = redisClient
	}

	srv, err := server.New(opts)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer srv.Close()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Server starting on %s", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Println("👋 Server stopped")
}
