package contact

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	myMiddleware "go-chat-client/internal/middleware"
	"go-chat-client/internal/respond"
)

// UserFinder resolves a registered user by email. The user package
// satisfies it through a small adapter in the server wiring.
type UserFinder interface {
	FindUserID(ctx context.Context, email string) (int, error)
}

// ErrUnknownUser is returned by a UserFinder for an unregistered email.
var ErrUnknownUser = errors.New("no user with that email")

type Handler struct {
	store    Store
	users    UserFinder
	validate *validator.Validate
}

func NewHandler(store Store, users UserFinder) *Handler {
	return &Handler{store: store, users: users, validate: validator.New()}
}

// List handles GET /contacts.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	contacts, err := h.store.List(r.Context(), ownerID)
	if err != nil {
		log.Printf("❌ listing contacts: %v", err)
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond.JSON(w, http.StatusOK, map[string][]Contact{"contacts": contacts})
}

// Create handles POST /contacts. Only registered users can be added.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, err := h.users.FindUserID(r.Context(), req.Email)
	if errors.Is(err, ErrUnknownUser) {
		respond.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Printf("❌ resolving contact: %v", err)
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if userID == ownerID {
		respond.Error(w, http.StatusBadRequest, "cannot add yourself as a contact")
		return
	}

	created, err := h.store.Add(r.Context(), ownerID, Contact{
		ID:            userID,
		Name:          req.Name,
		Email:         req.Email,
		Avatar:        req.Avatar,
		StatusMessage: req.StatusMessage,
	})
	if err != nil {
		log.Printf("❌ adding contact: %v", err)
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond.JSON(w, http.StatusCreated, created)
}

// Delete handles DELETE /contacts/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		respond.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	contactID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid contact id")
		return
	}
	err = h.store.Delete(r.Context(), ownerID, contactID)
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		log.Printf("❌ deleting contact: %v", err)
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]int{"id": contactID})
}
