// Package rooms is the canonical, addressable collection of conversation
// rooms and their message logs. It is the single source of truth for
// presentation reads, and MutateRoom is the only way message logs change.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/contacts"
	"go-chat-client/internal/persist"
)

// API is the slice of the chat API the Directory needs.
type API interface {
	Rooms(ctx context.Context) ([]Room, error)
	CreateRoom(ctx context.Context, participantIDs []int) (Room, error)
}

// Update changes one room. It is either a Patch or an UpdateFunc.
type Update interface {
	apply(room Room) Room
}

// Patch replaces the fields that are non-nil.
type Patch struct {
	Participants []contacts.Contact
	Messages     []Message
}

// UpdateFunc computes the new room from the current one. It receives a
// private copy and must not retain it.
type UpdateFunc func(room Room) Room

func (f UpdateFunc) apply(room Room) Room { return f(room) }

func (p Patch) apply(room Room) Room {
	if p.Participants != nil {
		room.Participants = p.Participants
	}
	if p.Messages != nil {
		room.Messages = p.Messages
	}
	return room
}

// Config holds configuration for creating a Directory.
type Config struct {
	API   API
	Store persist.Store
	// Fence returns the current session generation. Server results that
	// arrive after it moved are dropped with chaterr.ErrStaleSession. May
	// be nil.
	Fence func() uint64
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Directory holds the rooms and the selection pointer. All methods are
// safe for concurrent use; each mutation updates the collection and the
// selection in one critical section.
type Directory struct {
	api    API
	store  persist.Store
	fence  func() uint64
	logger *slog.Logger

	mu         sync.Mutex
	rooms      []Room
	selectedID int
	selected   bool
	listeners  []func([]Room)

	// saveMu orders snapshot writes the same way mu orders mutations.
	saveMu sync.Mutex
}

// NewDirectory creates an empty Directory.
func NewDirectory(config Config) *Directory {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := config.Store
	if store == nil {
		store = persist.NewMemory()
	}
	fence := config.Fence
	if fence == nil {
		fence = func() uint64 { return 0 }
	}
	return &Directory{api: config.API, store: store, fence: fence, logger: logger}
}

// OnChange registers a listener called with the collection after every
// committed change, in commit order. Listeners must not call back into
// mutating methods.
func (d *Directory) OnChange(listener func([]Room)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, listener)
}

// ListRooms replaces the whole collection with the server's snapshot.
func (d *Directory) ListRooms(ctx context.Context) ([]Room, error) {
	mark := d.fence()
	fetched, err := d.api.Rooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("rooms: list: %w", err)
	}
	next := make([]Room, 0, len(fetched))
	for _, room := range fetched {
		next = append(next, normalize(room))
	}
	stale := false
	d.commit(ctx, func() bool {
		if stale = d.fence() != mark; stale {
			return false
		}
		d.rooms = next
		return true
	})
	if stale {
		return nil, fmt.Errorf("rooms: list: %w", chaterr.ErrStaleSession)
	}
	return cloneAll(next), nil
}

// CreateRoom asks the server for a room with the given participants. The
// server returns the existing room for a participant set that already has
// one; in that case the local copy is replaced rather than duplicated.
func (d *Directory) CreateRoom(ctx context.Context, participantIDs []int) (Room, error) {
	if distinct(participantIDs) < 2 {
		return Room{}, chaterr.Invalid("participants", "a room needs at least two distinct participants")
	}
	mark := d.fence()
	created, err := d.api.CreateRoom(ctx, participantIDs)
	if err != nil {
		return Room{}, fmt.Errorf("rooms: create: %w", err)
	}
	if created.ID == 0 {
		return Room{}, fmt.Errorf("rooms: create: server returned a room without an id")
	}
	created = normalize(created)

	stale := false
	d.commit(ctx, func() bool {
		if stale = d.fence() != mark; stale {
			return false
		}
		key := ParticipantKey(created.ParticipantIDs())
		for i := range d.rooms {
			if d.rooms[i].ID == created.ID {
				d.rooms[i] = created
				return true
			}
			if ParticipantKey(d.rooms[i].ParticipantIDs()) == key {
				d.logger.Warn("server returned a second room for one participant set",
					"existing_room_id", d.rooms[i].ID,
					"new_room_id", created.ID,
				)
			}
		}
		d.rooms = append(d.rooms, created)
		return true
	})
	if stale {
		return Room{}, fmt.Errorf("rooms: create: %w", chaterr.ErrStaleSession)
	}
	return created.Clone(), nil
}

// SelectRoom points the selection at room, or clears it for nil. It has
// no network effect and never fails; selecting a room the directory does
// not hold clears the selection.
func (d *Directory) SelectRoom(room *Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room == nil || d.index(room.ID) < 0 {
		d.selected = false
		d.selectedID = 0
		return
	}
	d.selected = true
	d.selectedID = room.ID
}

// MutateRoom applies update to the room with the given id. It is the only
// sanctioned way to append or modify messages. An update that would break
// an invariant is rejected with *chaterr.InvariantError and nothing
// changes. An unknown id returns chaterr.ErrRoomNotFound and clears the
// selection if it pointed at that id.
func (d *Directory) MutateRoom(ctx context.Context, id int, update Update) (Room, error) {
	var result Room
	var mutateErr error
	d.commit(ctx, func() bool {
		i := d.index(id)
		if i < 0 {
			mutateErr = fmt.Errorf("rooms: mutate %d: %w", id, chaterr.ErrRoomNotFound)
			return false
		}
		current := d.rooms[i]
		next := normalize(update.apply(current.Clone()))
		if err := checkInvariants(current, next); err != nil {
			mutateErr = err
			return false
		}
		d.rooms[i] = next
		result = next.Clone()
		return true
	})
	if mutateErr != nil {
		var invariantErr *chaterr.InvariantError
		if errors.As(mutateErr, &invariantErr) || errors.Is(mutateErr, chaterr.ErrRoomNotFound) {
			d.logger.Error("rejected room mutation", "room_id", id, "error", mutateErr)
		}
		return Room{}, mutateErr
	}
	return result, nil
}

// Rooms returns a copy of the collection.
func (d *Directory) Rooms() []Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneAll(d.rooms)
}

// Room returns a copy of the room with the given id.
func (d *Directory) Room(id int) (Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(id); i >= 0 {
		return d.rooms[i].Clone(), true
	}
	return Room{}, false
}

// Selected returns a copy of the selected room.
func (d *Directory) Selected() (Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.selected {
		return Room{}, false
	}
	if i := d.index(d.selectedID); i >= 0 {
		return d.rooms[i].Clone(), true
	}
	return Room{}, false
}

// Restore loads the persisted collection, if any.
func (d *Directory) Restore(ctx context.Context) (int, error) {
	var stored []Room
	err := persist.LoadJSON(ctx, d.store, persist.RoomsKey, &stored)
	if errors.Is(err, persist.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rooms: restore: %w", err)
	}
	d.mu.Lock()
	d.rooms = make([]Room, 0, len(stored))
	for _, room := range stored {
		d.rooms = append(d.rooms, normalize(room))
	}
	d.refreshSelection()
	d.mu.Unlock()
	return len(stored), nil
}

// Reset forgets every room and the persisted snapshot.
func (d *Directory) Reset(ctx context.Context) {
	d.mu.Lock()
	d.rooms = nil
	d.selected = false
	d.selectedID = 0
	d.saveMu.Lock()
	d.mu.Unlock()
	defer d.saveMu.Unlock()
	if err := d.store.Delete(ctx, persist.RoomsKey); err != nil {
		d.logger.Error("removing persisted rooms failed", "error", err)
	}
}

// commit runs mutate under the lock, refreshes the selection and, when
// mutate reports a change, writes the snapshot. Snapshot writes happen in
// mutation order.
func (d *Directory) commit(ctx context.Context, mutate func() bool) {
	d.mu.Lock()
	changed := mutate()
	d.refreshSelection()
	if !changed {
		d.mu.Unlock()
		return
	}
	snapshot := cloneAll(d.rooms)
	listeners := append([]func([]Room){}, d.listeners...)
	d.saveMu.Lock()
	d.mu.Unlock()
	defer d.saveMu.Unlock()

	if err := persist.SaveJSON(ctx, d.store, persist.RoomsKey, snapshot); err != nil {
		d.logger.Error("persisting rooms failed", "error", err)
	}
	for _, listener := range listeners {
		listener(cloneAll(snapshot))
	}
}

// refreshSelection drops the selection when its room is gone. Callers
// hold mu. Reads always resolve the selection by id, so a surviving
// selection sees the newest room value.
func (d *Directory) refreshSelection() {
	if d.selected && d.index(d.selectedID) < 0 {
		d.selected = false
		d.selectedID = 0
	}
}

func (d *Directory) index(id int) int {
	for i := range d.rooms {
		if d.rooms[i].ID == id {
			return i
		}
	}
	return -1
}

func normalize(room Room) Room {
	if room.Participants == nil {
		room.Participants = []contacts.Contact{}
	}
	if room.Messages == nil {
		room.Messages = []Message{}
	}
	for i := range room.Messages {
		if room.Messages[i].RoomID == 0 {
			room.Messages[i].RoomID = room.ID
		}
	}
	return room
}

func distinct(ids []int) int {
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func cloneAll(rooms []Room) []Room {
	out := make([]Room, len(rooms))
	for i, room := range rooms {
		out[i] = room.Clone()
	}
	return out
}
