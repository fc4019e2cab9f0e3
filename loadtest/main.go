package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"go-chat-client/internal/app"
	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/config"
	"go-chat-client/internal/rooms"
	"go-chat-client/internal/session"
)

var (
	baseURL   = pflag.String("api", "http://localhost:8080", "chat API root URL")
	pairCount = pflag.Int("pairs", 50, "number of user pairs")
	msgCount  = pflag.Int("messages", 20, "messages per user")
	parallel  = pflag.Int("parallel", 16, "pairs running at once")
	settle    = pflag.Duration("settle", 30*time.Second, "how long to wait for receipts")
)

var (
	sent      atomic.Int64
	delivered atomic.Int64
)

func main() {
	pflag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	wsURL, err := config.Client{APIURL: *baseURL}.WebsocketURL()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairCount*2, *msgCount)
	started := time.Now()

	var g errgroup.Group
	g.SetLimit(*parallel)
	for i := 0; i < *pairCount; i++ {
		pairID := i
		g.Go(func() error {
			if err := runPair(pairID, wsURL); err != nil {
				log.Printf("❌ Pair %d: %v", pairID, err)
			}
			return nil
		})
	}
	g.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s: %d sent, %d delivered",
		time.Since(started).Round(time.Millisecond), sent.Load(), delivered.Load())
}

func runPair(pairID int, wsURL string) error {
	ctx := context.Background()
	runID := time.Now().UnixNano()

	userA, err := authenticate(ctx, wsURL, fmt.Sprintf("u_%d_a_%d", pairID, runID))
	if err != nil {
		return err
	}
	defer userA.Close()
	userB, err := authenticate(ctx, wsURL, fmt.Sprintf("u_%d_b_%d", pairID, runID))
	if err != nil {
		return err
	}
	defer userB.Close()

	// User A starts a room with User B.
	b, _ := userB.User()
	room, err := userA.CreateRoom(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if err := userB.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	var g errgroup.Group
	for _, client := range []*app.App{userA, userB} {
		client := client
		g.Go(func() error { return spamChat(ctx, client, room.ID) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	deadline := time.Now().Add(*settle)
	for time.Now().Before(deadline) && (userA.Reconciler.Pending() > 0 || userB.Reconciler.Pending() > 0) {
		time.Sleep(100 * time.Millisecond)
	}
	for _, client := range []*app.App{userA, userB} {
		delivered.Add(int64(countDelivered(client, room.ID)))
	}
	return nil
}

func authenticate(ctx context.Context, wsURL, username string) (*app.App, error) {
	client, err := app.New(app.Config{
		APIURL:       *baseURL,
		WebsocketURL: wsURL,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	_, err = client.Signup(ctx, session.Registration{
		Username:        username,
		Email:           username + "@loadtest.local",
		Password:        "password123",
		ConfirmPassword: "password123",
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("signup %s: %w", username, err)
	}
	return client, nil
}

func spamChat(ctx context.Context, client *app.App, roomID int) error {
	me, _ := client.User()
	for i := 0; i < *msgCount; i++ {
		_, err := client.Reconciler.SendMessage(ctx, roomID, fmt.Sprintf("LoadTest Msg %d from %s", i, me.Username))
		if err != nil && !chaterr.IsNetwork(err) {
			return err
		}
		sent.Add(1)
		// Small sleep to simulate a real network.
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", me.Username, *msgCount)
	return nil
}

func countDelivered(client *app.App, roomID int) int {
	me, _ := client.User()
	room, ok := client.Rooms.Room(roomID)
	if !ok {
		return 0
	}
	n := 0
	for _, message := range room.Messages {
		if message.SenderID == me.ID && message.Status == rooms.StatusDelivered {
			n++
		}
	}
	return n
}
