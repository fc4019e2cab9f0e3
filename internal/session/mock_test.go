package session

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) Login(ctx context.Context, credentials Credentials) (*AuthResult, error) {
	args := m.Called(ctx, credentials)
	result, _ := args.Get(0).(*AuthResult)
	return result, args.Error(1)
}

func (m *mockAPI) Signup(ctx context.Context, registration Registration) (*AuthResult, error) {
	args := m.Called(ctx, registration)
	result, _ := args.Get(0).(*AuthResult)
	return result, args.Error(1)
}

func (m *mockAPI) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	args := m.Called(ctx, refreshToken)
	result, _ := args.Get(0).(*AuthResult)
	return result, args.Error(1)
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Disconnect() {
	m.Called()
}
