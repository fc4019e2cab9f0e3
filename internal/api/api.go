// Package api is the typed client for the chat HTTP API. Every call goes
// through a gateway.Gateway, so bodies are written with internal camelCase
// keys here and translated at the wire boundary.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"go-chat-client/internal/contacts"
	"go-chat-client/internal/gateway"
	"go-chat-client/internal/rooms"
	"go-chat-client/internal/session"
)

// Client implements session.API, rooms.API and contacts.API.
type Client struct {
	gateway *gateway.Gateway
}

// Compile-time checks.
var (
	_ session.API  = (*Client)(nil)
	_ rooms.API    = (*Client)(nil)
	_ contacts.API = (*Client)(nil)
)

// New wraps a gateway.
func New(gateway *gateway.Gateway) *Client {
	return &Client{gateway: gateway}
}

// Login calls POST /auth.
func (c *Client) Login(ctx context.Context, credentials session.Credentials) (*session.AuthResult, error) {
	var result session.AuthResult
	if err := c.gateway.Do(ctx, http.MethodPost, "/auth", credentials, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Signup calls POST /users.
func (c *Client) Signup(ctx context.Context, registration session.Registration) (*session.AuthResult, error) {
	var result session.AuthResult
	if err := c.gateway.Do(ctx, http.MethodPost, "/users", registration, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Refresh calls POST /auth/refresh.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*session.AuthResult, error) {
	payload := struct {
		RefreshToken string `json:"refreshToken"`
	}{RefreshToken: refreshToken}
	var result session.AuthResult
	if err := c.gateway.Do(ctx, http.MethodPost, "/auth/refresh", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Contacts calls GET /contacts.
func (c *Client) Contacts(ctx context.Context) ([]contacts.Contact, error) {
	var response struct {
		Contacts []contacts.Contact `json:"contacts"`
	}
	if err := c.gateway.Do(ctx, http.MethodGet, "/contacts", nil, &response); err != nil {
		return nil, err
	}
	return response.Contacts, nil
}

// CreateContact calls POST /contacts.
func (c *Client) CreateContact(ctx context.Context, contact contacts.NewContact) (contacts.Contact, error) {
	var created contacts.Contact
	if err := c.gateway.Do(ctx, http.MethodPost, "/contacts", contact, &created); err != nil {
		return contacts.Contact{}, err
	}
	return created, nil
}

// DeleteContact calls DELETE /contacts/{id}.
func (c *Client) DeleteContact(ctx context.Context, id int) error {
	var response struct {
		ID int `json:"id"`
	}
	if err := c.gateway.Do(ctx, http.MethodDelete, "/contacts/"+strconv.Itoa(id), nil, &response); err != nil {
		return err
	}
	if response.ID != 0 && response.ID != id {
		return fmt.Errorf("api: deleted contact %d, asked for %d", response.ID, id)
	}
	return nil
}

// Rooms calls GET /rooms.
func (c *Client) Rooms(ctx context.Context) ([]rooms.Room, error) {
	var response []rooms.Room
	if err := c.gateway.Do(ctx, http.MethodGet, "/rooms", nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}

// CreateRoom calls POST /rooms. The server returns the existing room when
// one already exists for the participant set.
func (c *Client) CreateRoom(ctx context.Context, participantIDs []int) (rooms.Room, error) {
	payload := struct {
		Participants []int `json:"participants"`
	}{Participants: participantIDs}
	var room rooms.Room
	if err := c.gateway.Do(ctx, http.MethodPost, "/rooms", payload, &room); err != nil {
		return rooms.Room{}, err
	}
	return room, nil
}
