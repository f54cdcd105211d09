package core

import (
	"context"
	"sync"

	"toeicprep/internal/types"
)

// MockAuthenticator implements Authenticator for tests. ResolveTokenFunc,
// when set, wins over Err, which wins over Principal.
type MockAuthenticator struct {
	Principal        *types.Principal
	Err              error
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Principal, error)

	mu    sync.Mutex
	Calls []string
}

// ResolveToken records the token and returns the configured result.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Principal, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Principal, nil
}

// MockAdminVerifier accepts exactly Key.
type MockAdminVerifier struct {
	Key string
}

// Verify implements AdminVerifier.
func (m *MockAdminVerifier) Verify(_ context.Context, key, _ string) error {
	if key == "" || key != m.Key {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid admin key", nil)
	}
	return nil
}
