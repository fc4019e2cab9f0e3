package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store keeps rooms and their message logs. Returned participants only
// carry ids; the handler fills in profiles.
type Store interface {
	RoomsFor(ctx context.Context, userID int) ([]Room, error)
	Room(ctx context.Context, roomID int) (Room, error)
	// FindOrCreateRoom returns the room for the participant set, creating
	// it when none exists. created reports which happened.
	FindOrCreateRoom(ctx context.Context, participantIDs []int) (room Room, created bool, err error)
	// SaveMessage appends msg to its room. A missing or already used id is
	// replaced with the next free one.
	SaveMessage(ctx context.Context, msg Message) (Message, error)
	MarkDelivered(ctx context.Context, roomID, messageID int) error
}

// Repository stores rooms in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) RoomsFor(ctx context.Context, userID int) ([]Room, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT room_id FROM room_participants WHERE user_id = $1 ORDER BY room_id`, userID)
	if err != nil {
		return nil, err
	}
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rooms := make([]Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.Room(ctx, id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (r *Repository) Room(ctx context.Context, roomID int) (Room, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists); err != nil {
		return Room{}, err
	}
	if !exists {
		return Room{}, ErrRoomNotFound
	}

	room := Room{ID: roomID, Participants: []Participant{}, Messages: []Message{}}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return Room{}, err
	}
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID); err != nil {
			rows.Close()
			return Room{}, err
		}
		room.Participants = append(room.Participants, p)
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT message_id, sender_id, client_id, content, status, created_at
		FROM messages WHERE room_id = $1 ORDER BY id`, roomID)
	if err != nil {
		return Room{}, err
	}
	defer rows.Close()
	for rows.Next() {
		msg := Message{RoomID: roomID}
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ClientID, &msg.Text, &msg.Status, &msg.Timestamp); err != nil {
			return Room{}, err
		}
		room.Messages = append(room.Messages, msg)
	}
	return room, rows.Err()
}

func (r *Repository) FindOrCreateRoom(ctx context.Context, participantIDs []int) (Room, bool, error) {
	key := participantKey(participantIDs)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, false, err
	}
	defer tx.Rollback()

	var roomID int
	created := false
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (participant_key) VALUES ($1)
		ON CONFLICT (participant_key) DO NOTHING RETURNING id`, key).Scan(&roomID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE participant_key = $1`, key).Scan(&roomID); err != nil {
			return Room{}, false, err
		}
	case err != nil:
		return Room{}, false, err
	default:
		created = true
		for _, id := range participantIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO room_participants (room_id, user_id) VALUES ($1, $2)`, roomID, id); err != nil {
				return Room{}, false, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return Room{}, false, err
	}

	room, err := r.Room(ctx, roomID)
	return room, created, err
}

func (r *Repository) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	// Lock the room row so concurrent senders pick ids one at a time.
	var locked int
	if err := tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE id = $1 FOR UPDATE`, msg.RoomID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrRoomNotFound
		}
		return Message{}, err
	}

	taken := false
	if msg.ID > 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE room_id = $1 AND message_id = $2)`,
			msg.RoomID, msg.ID).Scan(&taken); err != nil {
			return Message{}, err
		}
	}
	if msg.ID <= 0 || taken {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(message_id), 0) + 1 FROM messages WHERE room_id = $1`, msg.RoomID).Scan(&msg.ID); err != nil {
			return Message{}, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (room_id, message_id, sender_id, client_id, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.RoomID, msg.ID, msg.SenderID, msg.ClientID, msg.Text, msg.Status, msg.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("saving message: %w", err)
	}
	return msg, tx.Commit()
}

func (r *Repository) MarkDelivered(ctx context.Context, roomID, messageID int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status = $1 WHERE room_id = $2 AND message_id = $3`,
		StatusDelivered, roomID, messageID)
	return err
}

// MemoryRepository keeps rooms in process.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int
	rooms  []Room
	byKey  map[string]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byKey: make(map[string]int)}
}

func (m *MemoryRepository) RoomsFor(_ context.Context, userID int) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := []Room{}
	for _, room := range m.rooms {
		if room.HasParticipant(userID) {
			rooms = append(rooms, copyRoom(room))
		}
	}
	return rooms, nil
}

func (m *MemoryRepository) Room(_ context.Context, roomID int) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.index(roomID); i >= 0 {
		return copyRoom(m.rooms[i]), nil
	}
	return Room{}, ErrRoomNotFound
}

func (m *MemoryRepository) FindOrCreateRoom(_ context.Context, participantIDs []int) (Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := participantKey(participantIDs)
	if id, ok := m.byKey[key]; ok {
		return copyRoom(m.rooms[m.index(id)]), false, nil
	}

	m.nextID++
	ids := append([]int(nil), participantIDs...)
	sort.Ints(ids)
	room := Room{ID: m.nextID, Participants: make([]Participant, len(ids)), Messages: []Message{}}
	for i, id := range ids {
		room.Participants[i] = Participant{ID: id}
	}
	m.rooms = append(m.rooms, room)
	m.byKey[key] = room.ID
	return copyRoom(room), true, nil
}

func (m *MemoryRepository) SaveMessage(_ context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(msg.RoomID)
	if i < 0 {
		return Message{}, ErrRoomNotFound
	}
	room := &m.rooms[i]

	maxID := 0
	taken := false
	for _, existing := range room.Messages {
		if existing.ID > maxID {
			maxID = existing.ID
		}
		if existing.ID == msg.ID {
			taken = true
		}
	}
	if msg.ID <= 0 || taken {
		msg.ID = maxID + 1
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	room.Messages = append(room.Messages, msg)
	return msg, nil
}

func (m *MemoryRepository) MarkDelivered(_ context.Context, roomID, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(roomID)
	if i < 0 {
		return ErrRoomNotFound
	}
	for j := range m.rooms[i].Messages {
		if m.rooms[i].Messages[j].ID == messageID {
			m.rooms[i].Messages[j].Status = StatusDelivered
		}
	}
	return nil
}

func (m *MemoryRepository) index(roomID int) int {
	for i := range m.rooms {
		if m.rooms[i].ID == roomID {
			return i
		}
	}
	return -1
}

func copyRoom(room Room) Room {
	room.Participants = append([]Participant{}, room.Participants...)
	room.Messages = append([]Message{}, room.Messages...)
	return room
}
