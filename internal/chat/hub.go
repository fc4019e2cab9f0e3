package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"go-chat-client/internal/realtime"
)

// RedisChannel carries envelopes between server instances.
const RedisChannel = "chat-rooms"

// storeTimeout bounds one repository call made from the hub loop.
const storeTimeout = 5 * time.Second

type Hub struct {
	clients    map[int]map[*Client]bool // user id -> live connections
	broadcast  chan Envelope            // From Redis -> Clients
	Register   chan *Client             // New client joins
	Unregister chan *Client             // Client leaves
	Publish    chan *Inbound            // Client types -> Store -> fan out
	quit       chan struct{}
	redis      *redis.Client
	repo       Store
	now        func() time.Time
}

// NewHub builds a hub. With a nil redis client envelopes are delivered
// in process only.
func NewHub(redisClient *redis.Client, repo Store) *Hub {
	return &Hub{
		clients:    make(map[int]map[*Client]bool),
		broadcast:  make(chan Envelope),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Publish:    make(chan *Inbound),
		quit:       make(chan struct{}),
		redis:      redisClient,
		repo:       repo,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run owns the client registry until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.quit)
		for _, conns := range h.clients {
			for client := range conns {
				close(client.Send)
			}
		}
		h.clients = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.Register:
			conns := h.clients[client.UserID]
			if conns == nil {
				conns = make(map[*Client]bool)
				h.clients[client.UserID] = conns
			}
			conns[client] = true

		case client := <-h.Unregister:
			h.drop(client)

		case in := <-h.Publish:
			h.handleInbound(ctx, in)

		case env := <-h.broadcast:
			h.deliver(ctx, env)
		}
	}
}

// SubscribeToRedis forwards envelopes published by every instance,
// this one included, into the hub loop.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, RedisChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("❌ Bad envelope from Redis: %v", err)
				continue
			}
			select {
			case h.broadcast <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handleInbound stores a message, acknowledges it to the sender and fans it
// out to the other participants.
func (h *Hub) handleInbound(ctx context.Context, in *Inbound) {
	msg := in.Message
	if in.Reject != "" {
		h.reject(in.Client, msg, in.Reject)
		return
	}
	msg.SenderID = in.Client.UserID
	msg.Text = strings.TrimSpace(msg.Text)
	msg.Status = StatusSent
	msg.Timestamp = h.now()

	if msg.Text == "" {
		h.reject(in.Client, msg, "message text is required")
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	room, err := h.repo.Room(storeCtx, msg.RoomID)
	if err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			log.Printf("❌ DB Error: %v", err)
		}
		h.reject(in.Client, msg, ErrRoomNotFound.Error())
		return
	}
	if !room.HasParticipant(msg.SenderID) {
		h.reject(in.Client, msg, ErrNotParticipant.Error())
		return
	}

	saved, err := h.repo.SaveMessage(storeCtx, msg)
	if err != nil {
		log.Printf("❌ DB Error: %v", err)
		h.reject(in.Client, msg, "message could not be stored")
		return
	}

	ack, err := realtime.EncodeFrame(realtime.Frame{
		Type:      realtime.FrameAck,
		ClientID:  saved.ClientID,
		RoomID:    saved.RoomID,
		MessageID: saved.ID,
	})
	if err == nil {
		h.send(in.Client, ack)
	}

	body, err := json.Marshal(saved)
	if err != nil {
		log.Printf("❌ Encoding message: %v", err)
		return
	}
	payload, err := realtime.EncodeFrame(realtime.Frame{
		Type:      realtime.FrameMessage,
		ClientID:  saved.ClientID,
		RoomID:    saved.RoomID,
		MessageID: saved.ID,
		Message:   body,
	})
	if err != nil {
		log.Printf("❌ Encoding frame: %v", err)
		return
	}

	targets := make([]int, 0, len(room.Participants))
	for _, id := range room.ParticipantIDs() {
		if id != saved.SenderID {
			targets = append(targets, id)
		}
	}
	h.route(ctx, Envelope{
		Targets: targets,
		Payload: payload,
		Receipt: &Receipt{
			SenderID:  saved.SenderID,
			RoomID:    saved.RoomID,
			MessageID: saved.ID,
			ClientID:  saved.ClientID,
		},
	})
}

// route hands an envelope to Redis, or straight to deliver when this is
// the only instance.
func (h *Hub) route(ctx context.Context, env Envelope) {
	if h.redis == nil {
		h.deliver(ctx, env)
		return
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		log.Printf("❌ Encoding envelope: %v", err)
		return
	}
	if err := h.redis.Publish(ctx, RedisChannel, encoded).Err(); err != nil {
		log.Printf("❌ Redis publish failed, delivering locally: %v", err)
		h.deliver(ctx, env)
	}
}

// deliver writes the payload to every local connection of the targets.
// When anyone received it and a receipt is attached, the sender is told.
func (h *Hub) deliver(ctx context.Context, env Envelope) {
	delivered := 0
	for _, target := range env.Targets {
		for client := range h.clients[target] {
			if h.send(client, env.Payload) {
				delivered++
			}
		}
	}
	if delivered == 0 || env.Receipt == nil {
		return
	}

	receipt := env.Receipt
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.repo.MarkDelivered(storeCtx, receipt.RoomID, receipt.MessageID); err != nil {
		log.Printf("❌ DB Error: %v", err)
	}

	payload, err := realtime.EncodeFrame(realtime.Frame{
		Type:      realtime.FrameDelivered,
		ClientID:  receipt.ClientID,
		RoomID:    receipt.RoomID,
		MessageID: receipt.MessageID,
	})
	if err != nil {
		return
	}
	h.route(ctx, Envelope{Targets: []int{receipt.SenderID}, Payload: payload})
}

// send queues a payload without blocking the hub. A client whose buffer is
// full is dropped; a dropped client's channel is already closed.
func (h *Hub) send(client *Client, payload []byte) bool {
	if !h.clients[client.UserID][client] {
		return false
	}
	select {
	case client.Send <- payload:
		return true
	default:
		h.drop(client)
		return false
	}
}

func (h *Hub) drop(client *Client) {
	conns, ok := h.clients[client.UserID]
	if !ok || !conns[client] {
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
}

func (h *Hub) reject(client *Client, msg Message, reason string) {
	payload, err := realtime.EncodeFrame(realtime.Frame{
		Type:     realtime.FrameError,
		ClientID: msg.ClientID,
		RoomID:   msg.RoomID,
		Error:    reason,
	})
	if err != nil {
		return
	}
	h.send(client, payload)
}
