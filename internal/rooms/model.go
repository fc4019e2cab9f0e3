package rooms

import (
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go-chat-client/internal/contacts"
)

// Status is the delivery state of a message. It only moves forward:
// pending -> sent -> delivered.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
)

// Rank orders statuses; unknown values rank below pending.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// Message is one entry of a room's log.
type Message struct {
	ID       int `json:"id"`
	RoomID   int `json:"roomId"`
	SenderID int `json:"senderId"`
	// ClientID correlates a locally sent message with its acknowledgments.
	ClientID  string    `json:"clientId,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// Room is a conversation between a fixed set of participants.
type Room struct {
	ID           int                `json:"id"`
	Participants []contacts.Contact `json:"participants"`
	Messages     []Message          `json:"messages"`
}

// Clone returns a copy that shares no slices with r.
func (r Room) Clone() Room {
	r.Participants = slices.Clone(r.Participants)
	r.Messages = slices.Clone(r.Messages)
	return r
}

// NextMessageID is 1 + the largest id in the log, or 1 for an empty log.
func (r Room) NextMessageID() int {
	next := 1
	for _, message := range r.Messages {
		if message.ID >= next {
			next = message.ID + 1
		}
	}
	return next
}

// MessageIndex returns the position of the message with the given id, or -1.
func (r Room) MessageIndex(id int) int {
	return slices.IndexFunc(r.Messages, func(message Message) bool { return message.ID == id })
}

// ClientIndex returns the position of the message with the given client id, or -1.
func (r Room) ClientIndex(clientID string) int {
	if clientID == "" {
		return -1
	}
	return slices.IndexFunc(r.Messages, func(message Message) bool { return message.ClientID == clientID })
}

// ParticipantIDs returns the sorted participant ids.
func (r Room) ParticipantIDs() []int {
	ids := make([]int, 0, len(r.Participants))
	for _, participant := range r.Participants {
		ids = append(ids, participant.ID)
	}
	sort.Ints(ids)
	return ids
}

// ParticipantKey identifies the participant set regardless of order.
func ParticipantKey(ids []int) string {
	sorted := slices.Clone(ids)
	sort.Ints(sorted)
	sorted = slices.Compact(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// HasParticipant reports whether userID takes part in the room.
func (r Room) HasParticipant(userID int) bool {
	return slices.ContainsFunc(r.Participants, func(participant contacts.Contact) bool {
		return participant.ID == userID
	})
}
