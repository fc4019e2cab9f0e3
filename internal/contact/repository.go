package contact

import (
	"context"
	"database/sql"
	"sync"
)

// Store keeps address books keyed by owner.
type Store interface {
	List(ctx context.Context, ownerID int) ([]Contact, error)
	// Add inserts or updates the contact.
	Add(ctx context.Context, ownerID int, c Contact) (Contact, error)
	Delete(ctx context.Context, ownerID, contactID int) error
}

// Repository stores contacts in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context, ownerID int) ([]Contact, error) {
	query := `SELECT contact_id, name, email, avatar, status_message
		FROM contacts WHERE owner_id = $1 ORDER BY name, contact_id`
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []Contact{}
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Avatar, &c.StatusMessage); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (r *Repository) Add(ctx context.Context, ownerID int, c Contact) (Contact, error) {
	query := `INSERT INTO contacts (owner_id, contact_id, name, email, avatar, status_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, contact_id) DO UPDATE
		SET name = EXCLUDED.name, avatar = EXCLUDED.avatar, status_message = EXCLUDED.status_message`
	if _, err := r.db.ExecContext(ctx, query, ownerID, c.ID, c.Name, c.Email, c.Avatar, c.StatusMessage); err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (r *Repository) Delete(ctx context.Context, ownerID, contactID int) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM contacts WHERE owner_id = $1 AND contact_id = $2", ownerID, contactID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryRepository keeps address books in process.
type MemoryRepository struct {
	mu    sync.RWMutex
	books map[int][]Contact
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{books: make(map[int][]Contact)}
}

func (m *MemoryRepository) List(_ context.Context, ownerID int) ([]Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Contact{}, m.books[ownerID]...), nil
}

func (m *MemoryRepository) Add(_ context.Context, ownerID int, c Contact) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book := m.books[ownerID]
	for i := range book {
		if book[i].ID == c.ID {
			book[i] = c
			return c, nil
		}
	}
	m.books[ownerID] = append(book, c)
	return c, nil
}

func (m *MemoryRepository) Delete(_ context.Context, ownerID, contactID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book := m.books[ownerID]
	for i := range book {
		if book[i].ID == contactID {
			m.books[ownerID] = append(book[:i:i], book[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
