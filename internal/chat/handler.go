package chat

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	myMiddleware "go-chat-client/internal/middleware"
	"go-chat-client/internal/realtime"
	"go-chat-client/internal/respond"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// ErrUnknownParticipant is returned by a ProfileFunc for a user id that
// does not exist.
var ErrUnknownParticipant = errors.New("unknown participant")

// ProfileFunc looks up the public profile of a user. Rooms only store
// participant ids; profiles are filled in on the way out.
type ProfileFunc func(ctx context.Context, userID int) (Participant, error)

type Handler struct {
	hub     *Hub
	repo    Store
	profile ProfileFunc
}

func NewHandler(hub *Hub, repo Store, profile ProfileFunc) *Handler {
	return &Handler{hub: hub, repo: repo, profile: profile}
}

// CreateRoomRequest is the body of POST /rooms. The caller is always added.
type CreateRoomRequest struct {
	Participants []int `json:"participants"`
}

// ListRooms handles GET /rooms.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rooms, err := h.repo.RoomsFor(r.Context(), userID)
	if err != nil {
		log.Printf("❌ listing rooms: %v", err)
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	for i := range rooms {
		if err := h.enrich(r.Context(), &rooms[i]); err != nil {
			log.Printf("❌ loading participants: %v", err)
			respond.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	respond.JSON(w, http.StatusOK, rooms)
}

// CreateRoom handles POST /rooms. It answers 201 with a new room, or 200
// with the room that already holds the same participants.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateRoomRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := []int{userID}
	seen := map[int]bool{userID: true}
	for _, id := range req.Participants {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		respond.Error(w, http.StatusBadRequest, "a room needs at least two participants")
		return
	}
	for _, id := range ids {
		if _, err := h.profile(r.Context(), id); err != nil {
			if errors.Is(err, ErrUnknownParticipant) {
				respond.Error(w, http.StatusBadRequest, err.Error())
				return
			}
			log.Printf("❌ checking participant: %v", err)
			respond.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	room, created, err := h.repo.FindOrCreateRoom(r.Context(), ids)
	if err != nil {
		log.Printf("❌ creating room: %v", err)
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.enrich(r.Context(), &room); err != nil {
		log.Printf("❌ loading participants: %v", err)
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond.JSON(w, status, room)
}

// ServeWs handles GET /ws. The auth middleware has already checked the
// token carried in the query string.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	username, ok2 := myMiddleware.Username(r.Context())
	if !ok || !ok2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{
		Hub:      h.hub,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		UserID:   userID,
		Username: username,
	}
	if hello, err := realtime.EncodeFrame(realtime.Frame{Type: realtime.FrameConnected}); err == nil {
		client.Send <- hello
	}

	select {
	case h.hub.Register <- client:
	case <-h.hub.quit:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) enrich(ctx context.Context, room *Room) error {
	for i, p := range room.Participants {
		profile, err := h.profile(ctx, p.ID)
		if err != nil {
			return err
		}
		room.Participants[i] = profile
	}
	return nil
}
