package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go-chat-client/internal/chaterr"
	"go-chat-client/internal/contacts"
	"go-chat-client/internal/persist"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) Rooms(ctx context.Context) ([]Room, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]Room)
	out := make([]Room, len(rooms))
	for i, room := range rooms {
		out[i] = room.Clone()
	}
	return out, args.Error(1)
}

func (m *mockAPI) CreateRoom(ctx context.Context, participantIDs []int) (Room, error) {
	args := m.Called(ctx, participantIDs)
	return args.Get(0).(Room).Clone(), args.Error(1)
}

// serving returns an API whose first list call answers with rooms.
func serving(rooms ...Room) *mockAPI {
	api := new(mockAPI)
	api.On("Rooms", mock.Anything).Return(rooms, nil).Once()
	return api
}

func participants(ids ...int) []contacts.Contact {
	out := make([]contacts.Contact, len(ids))
	for i, id := range ids {
		out[i] = contacts.Contact{ID: id, Name: "user"}
	}
	return out
}

func newTestDirectory(t *testing.T, api *mockAPI) (*Directory, *persist.Memory) {
	t.Helper()
	store := persist.NewMemory()
	directory := NewDirectory(Config{API: api, Store: store})
	_, err := directory.ListRooms(context.Background())
	require.NoError(t, err)
	return directory, store
}

func appendMessage(message Message) UpdateFunc {
	return func(room Room) Room {
		room.Messages = append(room.Messages, message)
		return room
	}
}

func TestListRoomsReplacesCollection(t *testing.T) {
	api := serving(
		Room{ID: 1, Participants: participants(1, 2)},
		Room{ID: 2, Participants: participants(1, 3)},
	)
	directory, _ := newTestDirectory(t, api)
	require.Len(t, directory.Rooms(), 2)

	api.On("Rooms", mock.Anything).Return([]Room{{ID: 3, Participants: participants(1, 4)}}, nil).Once()
	_, err := directory.ListRooms(context.Background())
	require.NoError(t, err)

	rooms := directory.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, 3, rooms[0].ID)
}

func TestListRoomsErrorKeepsState(t *testing.T) {
	api := serving(Room{ID: 1, Participants: participants(1, 2)})
	directory, _ := newTestDirectory(t, api)
	api.On("Rooms", mock.Anything).Return(nil, errors.New("boom"))

	_, err := directory.ListRooms(context.Background())
	require.Error(t, err)
	assert.Len(t, directory.Rooms(), 1, "failed list must not touch the collection")
}

func TestCreateRoomReusesExistingParticipantSet(t *testing.T) {
	api := serving()
	// Like the server, answer a known participant set with its existing room.
	api.On("CreateRoom", mock.Anything, mock.Anything).Return(Room{ID: 11, Participants: participants(1, 2)}, nil)
	directory, _ := newTestDirectory(t, api)
	ctx := context.Background()

	first, err := directory.CreateRoom(ctx, []int{1, 2})
	require.NoError(t, err)
	second, err := directory.CreateRoom(ctx, []int{2, 1})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, directory.Rooms(), 1)
	api.AssertNumberOfCalls(t, "CreateRoom", 2)
}

func TestCreateRoomNeedsTwoParticipants(t *testing.T) {
	api := serving()
	directory, _ := newTestDirectory(t, api)
	for _, ids := range [][]int{nil, {1}, {1, 1}} {
		_, err := directory.CreateRoom(context.Background(), ids)
		assert.True(t, chaterr.IsValidation(err), "CreateRoom(%v) error = %v, want ValidationError", ids, err)
	}
	api.AssertNotCalled(t, "CreateRoom", mock.Anything, mock.Anything)
}

func TestCreateRoomWithoutIDFails(t *testing.T) {
	api := serving()
	api.On("CreateRoom", mock.Anything, []int{1, 2}).Return(Room{Participants: participants(1, 2)}, nil)
	directory, _ := newTestDirectory(t, api)

	_, err := directory.CreateRoom(context.Background(), []int{1, 2})
	require.Error(t, err)
	assert.Empty(t, directory.Rooms())
}

func TestSelectionFollowsMutation(t *testing.T) {
	directory, _ := newTestDirectory(t, serving(Room{ID: 1, Participants: participants(1, 2)}))
	ctx := context.Background()

	room, _ := directory.Room(1)
	directory.SelectRoom(&room)

	message := Message{ID: 1, RoomID: 1, SenderID: 1, Text: "hi", Timestamp: time.Now(), Status: StatusPending}
	_, err := directory.MutateRoom(ctx, 1, appendMessage(message))
	require.NoError(t, err)

	selected, ok := directory.Selected()
	require.True(t, ok, "selection lost after mutation")
	require.Len(t, selected.Messages, 1)
	assert.Equal(t, "hi", selected.Messages[0].Text)

	// The caller's copy is not aliased to the store.
	assert.Empty(t, room.Messages)
}

func TestMutateMissingRoomClearsMatchingSelection(t *testing.T) {
	api := serving(
		Room{ID: 1, Participants: participants(1, 2)},
		Room{ID: 2, Participants: participants(1, 3)},
	)
	directory, _ := newTestDirectory(t, api)
	ctx := context.Background()

	room, _ := directory.Room(1)
	directory.SelectRoom(&room)

	_, err := directory.MutateRoom(ctx, 99, Patch{})
	require.ErrorIs(t, err, chaterr.ErrRoomNotFound)
	_, ok := directory.Selected()
	require.True(t, ok, "selection of another room must survive")

	// Room 1 disappears from the server snapshot.
	api.On("Rooms", mock.Anything).Return([]Room{{ID: 2, Participants: participants(1, 3)}}, nil).Once()
	_, err = directory.ListRooms(ctx)
	require.NoError(t, err)

	_, err = directory.MutateRoom(ctx, 1, Patch{})
	require.ErrorIs(t, err, chaterr.ErrRoomNotFound)
	_, ok = directory.Selected()
	assert.False(t, ok, "selection must become none when its room is gone")
}

func TestSelectRoom(t *testing.T) {
	directory, _ := newTestDirectory(t, serving(Room{ID: 1, Participants: participants(1, 2)}))

	directory.SelectRoom(&Room{ID: 42})
	_, ok := directory.Selected()
	assert.False(t, ok, "selecting an unknown room must leave no selection")

	directory.SelectRoom(&Room{ID: 1})
	selected, ok := directory.Selected()
	require.True(t, ok, "selection not set")
	assert.Equal(t, 1, selected.ID)

	directory.SelectRoom(nil)
	_, ok = directory.Selected()
	assert.False(t, ok, "nil must clear the selection")
}

func TestMutateRoomRejectsInvariantViolations(t *testing.T) {
	base := Room{ID: 1, Participants: participants(1, 2), Messages: []Message{
		{ID: 1, RoomID: 1, SenderID: 1, Text: "a", Status: StatusSent},
		{ID: 2, RoomID: 1, SenderID: 2, Text: "b", Status: StatusDelivered},
	}}

	tests := []struct {
		name   string
		update Update
	}{
		{"status regression", UpdateFunc(func(room Room) Room {
			room.Messages[0].Status = StatusPending
			return room
		})},
		{"deletion", UpdateFunc(func(room Room) Room {
			room.Messages = room.Messages[:1]
			return room
		})},
		{"reorder", UpdateFunc(func(room Room) Room {
			room.Messages[0], room.Messages[1] = room.Messages[1], room.Messages[0]
			return room
		})},
		{"duplicate id", appendMessage(Message{ID: 2, RoomID: 1, Text: "c", Status: StatusPending})},
		{"foreign room", appendMessage(Message{ID: 3, RoomID: 7, Text: "c", Status: StatusPending})},
		{"blank text", appendMessage(Message{ID: 3, RoomID: 1, Text: "  ", Status: StatusPending})},
		{"id change", UpdateFunc(func(room Room) Room {
			room.ID = 5
			return room
		})},
		{"single participant", Patch{Participants: participants(1)}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			directory, _ := newTestDirectory(t, serving(base.Clone()))

			_, err := directory.MutateRoom(context.Background(), 1, test.update)
			var invariantErr *chaterr.InvariantError
			require.ErrorAs(t, err, &invariantErr)

			room, _ := directory.Room(1)
			require.Len(t, room.Messages, 2, "rejected mutation changed the room")
			assert.Equal(t, StatusSent, room.Messages[0].Status)
		})
	}
}

func TestStatusIsMonotonic(t *testing.T) {
	directory, _ := newTestDirectory(t, serving(Room{ID: 1, Participants: participants(1, 2)}))
	ctx := context.Background()

	_, err := directory.MutateRoom(ctx, 1, appendMessage(Message{ID: 1, Text: "x", Status: StatusPending}))
	require.NoError(t, err)
	setStatus := func(status Status) error {
		_, err := directory.MutateRoom(ctx, 1, UpdateFunc(func(room Room) Room {
			room.Messages[0].Status = status
			return room
		}))
		return err
	}

	var observed []Status
	for _, status := range []Status{StatusSent, StatusPending, StatusDelivered, StatusSent} {
		_ = setStatus(status)
		room, _ := directory.Room(1)
		observed = append(observed, room.Messages[0].Status)
	}
	assert.Equal(t, []Status{StatusSent, StatusSent, StatusDelivered, StatusDelivered}, observed)
}

func TestPatchForm(t *testing.T) {
	directory, _ := newTestDirectory(t, serving(Room{ID: 1, Participants: participants(1, 2)}))
	messages := []Message{{ID: 1, RoomID: 1, SenderID: 2, Text: "hey", Status: StatusDelivered}}

	room, err := directory.MutateRoom(context.Background(), 1, Patch{Messages: messages})
	require.NoError(t, err)
	assert.Len(t, room.Messages, 1)
	assert.Len(t, room.Participants, 2)
}

func TestSnapshotRestore(t *testing.T) {
	directory, store := newTestDirectory(t, serving(Room{ID: 1, Participants: participants(1, 2)}))
	ctx := context.Background()
	_, err := directory.MutateRoom(ctx, 1, appendMessage(Message{ID: 1, Text: "persisted", Status: StatusPending}))
	require.NoError(t, err)

	restored := NewDirectory(Config{API: new(mockAPI), Store: store})
	count, err := restored.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	room, ok := restored.Room(1)
	require.True(t, ok)
	require.Len(t, room.Messages, 1)
	assert.Equal(t, "persisted", room.Messages[0].Text)

	restored.Reset(ctx)
	assert.Empty(t, restored.Rooms())
	_, err = store.Load(ctx, persist.RoomsKey)
	assert.ErrorIs(t, err, persist.ErrNotFound, "Reset kept the snapshot")
}

func TestNextMessageID(t *testing.T) {
	tests := []struct {
		ids  []int
		want int
	}{
		{nil, 1},
		{[]int{1}, 2},
		{[]int{1, 5, 3}, 6},
	}
	for _, test := range tests {
		room := Room{}
		for _, id := range test.ids {
			room.Messages = append(room.Messages, Message{ID: id})
		}
		assert.Equal(t, test.want, room.NextMessageID(), "NextMessageID(%v)", test.ids)
	}
}

func TestLateResultsAreDroppedAfterFenceMoves(t *testing.T) {
	var epoch uint64 = 1
	moveFence := func(mock.Arguments) { epoch++ }

	api := new(mockAPI)
	api.On("Rooms", mock.Anything).Run(moveFence).
		Return([]Room{{ID: 1, Participants: participants(1, 2)}}, nil).Once()
	api.On("CreateRoom", mock.Anything, []int{1, 3}).Run(moveFence).
		Return(Room{ID: 11, Participants: participants(1, 3)}, nil).Once()
	directory := NewDirectory(Config{API: api, Fence: func() uint64 { return epoch }})
	ctx := context.Background()

	_, err := directory.ListRooms(ctx)
	require.ErrorIs(t, err, chaterr.ErrStaleSession)
	_, err = directory.CreateRoom(ctx, []int{1, 3})
	require.ErrorIs(t, err, chaterr.ErrStaleSession)
	assert.Empty(t, directory.Rooms(), "stale results were applied")

	api.On("Rooms", mock.Anything).Return([]Room{
		{ID: 1, Participants: participants(1, 2)},
		{ID: 11, Participants: participants(1, 3)},
	}, nil).Once()
	_, err = directory.ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, directory.Rooms(), 2)
}

func TestOnChangeSeesCommittedRooms(t *testing.T) {
	directory, _ := newTestDirectory(t, serving(Room{ID: 1, Participants: participants(1, 2)}))

	var seen [][]Room
	directory.OnChange(func(rooms []Room) { seen = append(seen, rooms) })

	message := Message{ID: 1, RoomID: 1, SenderID: 1, Text: "hi", Timestamp: time.Now(), Status: StatusPending}
	_, err := directory.MutateRoom(context.Background(), 1, appendMessage(message))
	require.NoError(t, err)
	// A rejected mutation is not a change.
	directory.MutateRoom(context.Background(), 1, UpdateFunc(func(room Room) Room {
		room.Messages = nil
		return room
	}))

	require.Len(t, seen, 1)
	got := seen[0][0].Messages
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Text)
}
