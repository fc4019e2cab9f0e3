// Package reconcile implements optimistic message sending and folds
// realtime events back into the room directory.
//
// A message is appended locally as pending before it is written to the
// channel. The server's ack moves it to sent and the delivery event to
// delivered. Each outgoing message carries a client-generated UUID so the
// acknowledgments are matched to the right local entry even when two
// participants picked the same numeric id.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/realtime"
	"go-chat-client/internal/rooms"
)

// Sender writes frames to the realtime channel.
type Sender interface {
	Send(frame realtime.Frame) error
}

// Identity reports the local user.
type Identity interface {
	UserID() (int, bool)
}

// Config holds configuration for creating a Reconciler.
type Config struct {
	Directory *rooms.Directory
	Channel   Sender
	Identity  Identity
	// Resync reloads the room list. It is called once when an inbound
	// message names a room the directory does not hold. May be nil.
	Resync func(ctx context.Context) error
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Now and NewClientID default to time.Now and uuid.NewString.
	Now         func() time.Time
	NewClientID func() string
}

// Reconciler owns the optimistic send path and the inbound event path.
type Reconciler struct {
	directory *rooms.Directory
	channel   Sender
	identity  Identity
	resync    func(ctx context.Context) error
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	pending map[string]ref
}

// ref locates one message.
type ref struct {
	roomID    int
	messageID int
}

// New creates a Reconciler.
func New(config Config) *Reconciler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	newID := config.NewClientID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Reconciler{
		directory: config.Directory,
		channel:   config.Channel,
		identity:  config.Identity,
		resync:    config.Resync,
		logger:    logger,
		now:       now,
		newID:     newID,
		pending:   make(map[string]ref),
	}
}

// SendMessage appends a pending message to the room and writes it to the
// channel. If the write fails the message stays pending, the error is
// returned, and Resend can try again.
func (r *Reconciler) SendMessage(ctx context.Context, roomID int, text string) (rooms.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return rooms.Message{}, chaterr.Invalid("text", "message text is required")
	}
	userID, ok := r.identity.UserID()
	if !ok {
		return rooms.Message{}, chaterr.ErrNoSession
	}

	var message rooms.Message
	clientID := r.newID()
	_, err := r.directory.MutateRoom(ctx, roomID, rooms.UpdateFunc(func(room rooms.Room) rooms.Room {
		message = rooms.Message{
			ID:        room.NextMessageID(),
			RoomID:    roomID,
			SenderID:  userID,
			ClientID:  clientID,
			Text:      text,
			Timestamp: r.now().UTC(),
			Status:    rooms.StatusPending,
		}
		room.Messages = append(room.Messages, message)
		return room
	}))
	if err != nil {
		return rooms.Message{}, fmt.Errorf("reconcile: append message: %w", err)
	}
	r.track(message)

	if err := r.transmit(message); err != nil {
		r.logger.Warn("message left pending", "room_id", roomID, "message_id", message.ID, "error", err)
		return message, err
	}
	return message, nil
}

// SendToSelected sends text to the selected room.
func (r *Reconciler) SendToSelected(ctx context.Context, text string) (rooms.Message, error) {
	room, ok := r.directory.Selected()
	if !ok {
		return rooms.Message{}, chaterr.Invalid("room", "no room selected")
	}
	return r.SendMessage(ctx, room.ID, text)
}

// Resend writes a still-pending message to the channel again.
func (r *Reconciler) Resend(ctx context.Context, roomID, messageID int) error {
	room, ok := r.directory.Room(roomID)
	if !ok {
		return fmt.Errorf("reconcile: resend: %w", chaterr.ErrRoomNotFound)
	}
	i := room.MessageIndex(messageID)
	if i < 0 {
		return fmt.Errorf("reconcile: resend: no message %d in room %d", messageID, roomID)
	}
	message := room.Messages[i]
	if message.Status != rooms.StatusPending {
		return fmt.Errorf("reconcile: resend: message %d is already %s", messageID, message.Status)
	}
	r.track(message)
	return r.transmit(message)
}

// Track registers every pending message of the local user so acks that
// arrive after a restart still find them.
func (r *Reconciler) Track() int {
	userID, ok := r.identity.UserID()
	if !ok {
		return 0
	}
	count := 0
	for _, room := range r.directory.Rooms() {
		for _, message := range room.Messages {
			if message.SenderID == userID && message.Status != rooms.StatusDelivered {
				r.track(message)
				count++
			}
		}
	}
	return count
}

// Forget drops all correlation state. It is called when the session ends.
func (r *Reconciler) Forget() {
	r.mu.Lock()
	r.pending = make(map[string]ref)
	r.mu.Unlock()
}

// Pending returns the number of messages awaiting delivery.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// HandleEvent is a realtime.Handler. Message frames are reconciled; the
// other events are logged.
func (r *Reconciler) HandleEvent(event realtime.Event) {
	switch event.Kind {
	case realtime.EventMessage:
		if err := r.HandleFrame(context.Background(), event.Frame); err != nil {
			r.logger.Warn("realtime frame not applied", "type", event.Frame.Type, "error", err)
		}
	case realtime.EventError:
		r.logger.Warn("realtime channel error", "error", event.Err)
	default:
		r.logger.Debug("realtime channel event", "kind", event.Kind)
	}
}

// HandleFrame applies one inbound frame to the directory.
func (r *Reconciler) HandleFrame(ctx context.Context, frame realtime.Frame) error {
	switch frame.Type {
	case realtime.FrameAck:
		return r.advance(ctx, frame, rooms.StatusSent)
	case realtime.FrameDelivered:
		return r.advance(ctx, frame, rooms.StatusDelivered)
	case realtime.FrameMessage:
		err := r.inbound(ctx, frame)
		if errors.Is(err, chaterr.ErrRoomNotFound) && r.resync != nil {
			if resyncErr := r.resync(ctx); resyncErr != nil {
				return errors.Join(err, resyncErr)
			}
			err = r.inbound(ctx, frame)
		}
		return err
	case realtime.FrameError:
		return fmt.Errorf("reconcile: server rejected frame for message %d: %s", frame.MessageID, frame.Error)
	case realtime.FrameConnected:
		return nil
	default:
		r.logger.Debug("ignoring realtime frame", "type", frame.Type)
		return nil
	}
}

// advance moves the status of one local message forward.
func (r *Reconciler) advance(ctx context.Context, frame realtime.Frame, status rooms.Status) error {
	target := r.resolve(frame)
	found := false
	_, err := r.directory.MutateRoom(ctx, target.roomID, rooms.UpdateFunc(func(room rooms.Room) rooms.Room {
		i := -1
		if frame.ClientID != "" {
			i = room.ClientIndex(frame.ClientID)
		}
		if i < 0 {
			i = room.MessageIndex(target.messageID)
		}
		if i < 0 {
			return room
		}
		found = true
		room.Messages[i].Status = room.Messages[i].Status.Advance(status)
		return room
	}))
	if err != nil {
		return fmt.Errorf("reconcile: %s: %w", status, err)
	}
	if !found {
		return fmt.Errorf("reconcile: %s for unknown message %d in room %d", status, target.messageID, target.roomID)
	}
	if status == rooms.StatusDelivered && frame.ClientID != "" {
		r.mu.Lock()
		delete(r.pending, frame.ClientID)
		r.mu.Unlock()
	}
	return nil
}

// inbound folds a pushed message into its room. Messages from other users
// are appended as delivered. An echo of a local message is matched by
// client id, then by id, and only its status moves.
func (r *Reconciler) inbound(ctx context.Context, frame realtime.Frame) error {
	var incoming rooms.Message
	if len(frame.Message) == 0 {
		return fmt.Errorf("reconcile: message frame without a message")
	}
	if err := json.Unmarshal(frame.Message, &incoming); err != nil {
		return fmt.Errorf("reconcile: decode message: %w", err)
	}
	if incoming.RoomID == 0 {
		incoming.RoomID = frame.RoomID
	}
	if incoming.ClientID == "" {
		incoming.ClientID = frame.ClientID
	}
	if incoming.ID == 0 {
		incoming.ID = frame.MessageID
	}
	incoming.Text = strings.TrimSpace(incoming.Text)
	if incoming.Text == "" {
		return fmt.Errorf("reconcile: inbound message %d has no text", incoming.ID)
	}
	if incoming.Timestamp.IsZero() {
		incoming.Timestamp = r.now().UTC()
	}
	self, _ := r.identity.UserID()
	echo := incoming.SenderID == self

	renumbered := 0
	_, err := r.directory.MutateRoom(ctx, incoming.RoomID, rooms.UpdateFunc(func(room rooms.Room) rooms.Room {
		if incoming.ClientID != "" {
			if i := room.ClientIndex(incoming.ClientID); i >= 0 {
				if echo {
					room.Messages[i].Status = room.Messages[i].Status.Advance(echoStatus(incoming.Status))
				}
				return room
			}
		}
		if i := room.MessageIndex(incoming.ID); i >= 0 {
			existing := room.Messages[i]
			if existing.SenderID == incoming.SenderID && existing.Text == incoming.Text {
				if echo {
					room.Messages[i].Status = existing.Status.Advance(echoStatus(incoming.Status))
				}
				return room
			}
			incoming.ID = room.NextMessageID()
			renumbered = incoming.ID
		}
		if echo {
			incoming.Status = echoStatus(incoming.Status)
		} else {
			incoming.Status = rooms.StatusDelivered
		}
		room.Messages = append(room.Messages, incoming)
		return room
	}))
	if err != nil {
		return fmt.Errorf("reconcile: inbound message: %w", err)
	}
	if renumbered != 0 {
		r.logger.Info("renumbered colliding inbound message", "room_id", incoming.RoomID, "message_id", renumbered)
	}
	return nil
}

// resolve finds the room and id an acknowledgment refers to.
func (r *Reconciler) resolve(frame realtime.Frame) ref {
	if frame.ClientID != "" {
		r.mu.Lock()
		target, ok := r.pending[frame.ClientID]
		r.mu.Unlock()
		if ok {
			return target
		}
	}
	return ref{roomID: frame.RoomID, messageID: frame.MessageID}
}

func (r *Reconciler) track(message rooms.Message) {
	if message.ClientID == "" {
		return
	}
	r.mu.Lock()
	r.pending[message.ClientID] = ref{roomID: message.RoomID, messageID: message.ID}
	r.mu.Unlock()
}

func (r *Reconciler) transmit(message rooms.Message) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("reconcile: encode message: %w", err)
	}
	err = r.channel.Send(realtime.Frame{
		Type:      realtime.FrameMessage,
		ClientID:  message.ClientID,
		RoomID:    message.RoomID,
		MessageID: message.ID,
		Message:   encoded,
	})
	if err != nil {
		return fmt.Errorf("reconcile: send message %d: %w", message.ID, err)
	}
	return nil
}

// echoStatus is the status an echoed local message has reached: the server
// relayed it, so it is at least sent.
func echoStatus(reported rooms.Status) rooms.Status {
	if reported.Valid() {
		return rooms.StatusSent.Advance(reported)
	}
	return rooms.StatusSent
}
