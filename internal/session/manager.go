// Package session implements the process-wide solver session singleton
// (C1). It is modeled as an explicitly-constructed value passed into
// every component that needs solver access — dependency injection in
// place of the donor's process-global lazy singleton — while keeping
// the donor's exactly-one-mutex-serializes-everything contract from
// internal/fetcher/session.go's SessionManager.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lakshaybot/pullcron/internal/model"
)

// SolverClient is the subset of the solver client the session manager
// drives directly: session lifecycle plus a reachability probe.
type SolverClient interface {
	TestConnection(ctx context.Context) bool
	CreateSession(ctx context.Context, userAgent string) (string, error)
	DestroySession(ctx context.Context) error
	NextUserAgent() string
}

// Manager is the singleton session manager. Exactly one active
// *model.Session exists per process; all create/destroy/renew
// transitions are serialized by mu.
type Manager struct {
	mu      sync.Mutex
	client  SolverClient
	ttl     time.Duration
	logger  *slog.Logger
	current *model.Session
}

// New constructs a Manager bound to the given solver client and TTL.
func New(client SolverClient, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "session_manager"),
	}
}

// Acquire returns the current session-bound client, creating or
// replacing the session if absent or expired. Blocks other callers for
// the duration of session (re)creation.
func (m *Manager) Acquire(ctx context.Context) (SolverClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Expired(m.ttl, time.Now()) {
		return m.client, nil
	}

	if m.current != nil {
		m.logger.Info("session expired, replacing", "age", time.Since(m.current.CreatedAt))
		_ = m.client.DestroySession(ctx)
		m.current = nil
	}

	if !m.client.TestConnection(ctx) {
		return nil, fmt.Errorf("session manager: solver unreachable")
	}

	ua := m.client.NextUserAgent()
	sessionID, err := m.client.CreateSession(ctx, ua)
	if err != nil {
		return nil, fmt.Errorf("session manager: create session: %w", err)
	}

	m.current = &model.Session{
		SolverSessionID:  sessionID,
		CreatedAt:        time.Now(),
		CurrentUserAgent: ua,
	}
	m.logger.Info("session created", "session_id", sessionID, "user_agent", ua)

	return m.client, nil
}

// Renew forces teardown and recreation of the underlying session. Used
// by upper layers after observing ban-like responses.
func (m *Manager) Renew(ctx context.Context) (SolverClient, error) {
	m.mu.Lock()
	if m.current != nil {
		_ = m.client.DestroySession(ctx)
		m.current = nil
	}
	m.mu.Unlock()

	return m.Acquire(ctx)
}

// Shutdown destroys the solver session and releases resources.
// Idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}
	_ = m.client.DestroySession(ctx)
	m.current = nil
}

// Snapshot returns a copy of the current session metadata, or nil if
// no session is active. Used by the dashboard only; never mutated by
// callers.
func (m *Manager) Snapshot() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	cp := *m.current
	return &cp
}
