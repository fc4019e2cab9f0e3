package contact

import "errors"

var ErrNotFound = errors.New("contact not found")

// Contact is an entry of one user's address book. ID is the contact's
// user id, so it can be used directly as a room participant.
type Contact struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Avatar        string `json:"avatar,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
}

type CreateRequest struct {
	Name          string `json:"name" validate:"required"`
	Email         string `json:"email" validate:"required,email"`
	Avatar        string `json:"avatar" validate:"omitempty,url"`
	StatusMessage string `json:"status_message"`
}
