// Package contacts holds the contact reference data rooms are built from.
// Contacts are read-only from the room engine's perspective; the Book only
// mirrors what the contacts endpoints return.
package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"go-chat-client/internal/chaterr"
)

// Contact is a participant a user can open a room with.
type Contact struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Avatar        string `json:"avatar,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// NewContact is the payload for adding a contact.
type NewContact struct {
	Name          string `json:"name" validate:"required"`
	Email         string `json:"email" validate:"required,email"`
	Avatar        string `json:"avatar,omitempty" validate:"omitempty,url"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// API is the slice of the chat API the Book needs.
type API interface {
	Contacts(ctx context.Context) ([]Contact, error)
	CreateContact(ctx context.Context, contact NewContact) (Contact, error)
	DeleteContact(ctx context.Context, id int) error
}

// Config holds configuration for creating a Book.
type Config struct {
	API API
	// Fence returns the current session generation; a list that completes
	// after it moved is dropped. May be nil.
	Fence func() uint64
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Book is the local mirror of the user's contact list.
type Book struct {
	api      API
	fence    func() uint64
	validate *validator.Validate
	logger   *slog.Logger

	mu       sync.RWMutex
	contacts []Contact
}

// NewBook creates an empty Book.
func NewBook(config Config) *Book {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fence := config.Fence
	if fence == nil {
		fence = func() uint64 { return 0 }
	}
	return &Book{api: config.API, fence: fence, validate: validator.New(), logger: logger}
}

// List replaces the local list with the server's.
func (b *Book) List(ctx context.Context) ([]Contact, error) {
	mark := b.fence()
	contacts, err := b.api.Contacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("contacts: list: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fence() != mark {
		return nil, fmt.Errorf("contacts: list: %w", chaterr.ErrStaleSession)
	}
	b.contacts = slices.Clone(contacts)
	return contacts, nil
}

// Add creates a contact on the server and appends it locally.
func (b *Book) Add(ctx context.Context, contact NewContact) (Contact, error) {
	contact.Name = strings.TrimSpace(contact.Name)
	contact.Email = strings.TrimSpace(contact.Email)
	if err := b.validate.Struct(contact); err != nil {
		return Contact{}, chaterr.Invalid("contact", err.Error())
	}
	created, err := b.api.CreateContact(ctx, contact)
	if err != nil {
		return Contact{}, fmt.Errorf("contacts: add: %w", err)
	}
	b.mu.Lock()
	b.contacts = append(b.contacts, created)
	b.mu.Unlock()
	b.logger.Info("contact added", "contact_id", created.ID)
	return created, nil
}

// Remove deletes a contact on the server and drops it locally.
func (b *Book) Remove(ctx context.Context, id int) error {
	if err := b.api.DeleteContact(ctx, id); err != nil {
		return fmt.Errorf("contacts: remove %d: %w", id, err)
	}
	b.mu.Lock()
	b.contacts = slices.DeleteFunc(b.contacts, func(contact Contact) bool { return contact.ID == id })
	b.mu.Unlock()
	return nil
}

// Contacts returns a copy of the local list.
func (b *Book) Contacts() []Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.contacts)
}

// Lookup finds a contact by id.
func (b *Book) Lookup(id int) (Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, contact := range b.contacts {
		if contact.ID == id {
			return contact, true
		}
	}
	return Contact{}, false
}

// Reset forgets every contact.
func (b *Book) Reset() {
	b.mu.Lock()
	b.contacts = nil
	b.mu.Unlock()
}
