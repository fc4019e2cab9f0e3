package chat

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrNotParticipant = errors.New("not a participant of this room")
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type Participant struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

type Room struct {
	ID           int           `json:"id"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
}

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
)

// Message ids are unique within a room, not globally.
type Message struct {
	ID        int       `json:"id"`
	RoomID    int       `json:"room_id"`
	SenderID  int       `json:"sender_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

func (r Room) HasParticipant(userID int) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

func (r Room) ParticipantIDs() []int {
	ids := make([]int, len(r.Participants))
	for i, p := range r.Participants {
		ids[i] = p.ID
	}
	return ids
}

// participantKey identifies a participant set regardless of order.
func participantKey(ids []int) string {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ---------------------------------------------
// ⚡ Internal Hub Models
// ---------------------------------------------

// Envelope is what travels between hubs (through Redis when it is
// configured). Payload is a wire-form frame.
type Envelope struct {
	Targets []int           `json:"targets"`
	Payload json.RawMessage `json:"payload"`
	// Receipt asks the hub that delivers the payload to tell the sender.
	Receipt *Receipt `json:"receipt,omitempty"`
}

type Receipt struct {
	SenderID  int    `json:"sender_id"`
	RoomID    int    `json:"room_id"`
	MessageID int    `json:"message_id"`
	ClientID  string `json:"client_id,omitempty"`
}
