// Package session holds the long-running paid reasoning session. The
// session survives across cycles so the model can see its own prior
// work; the manager respawns it when the accumulated history would get
// too expensive or a cycle error may have poisoned it.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reset thresholds. Tokens are input+output accumulated since the last
// reset; cycles count paid invocations.
const (
	MaxSessionTokens = 100_000
	MaxSessionCycles = 10
)

// Manager owns the single persistent session and the reset decision.
type Manager struct {
	mu        sync.Mutex
	current   *Session
	lastError bool // prior cycle ended in an unhandled error
	logger    *slog.Logger
}

// NewManager creates a manager with no live session; the first Acquire
// spawns one.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "session")}
}

// Acquire returns the session for the upcoming paid cycle, respawning
// first if any reset condition holds. The cycle counter is bumped on
// every acquire.
func (m *Manager) Acquire() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason := m.resetReasonLocked(); reason != "" {
		m.respawnLocked(reason)
	}
	if m.current == nil {
		m.respawnLocked("initial")
	}
	m.current.Cycles++
	return m.current
}

// Current returns the live session without reset checks, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// NoteError flags the finished cycle as failed so the next Acquire
// respawns.
func (m *Manager) NoteError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastError = true
}

// Reset forces an immediate respawn, cancelling any in-flight call.
func (m *Manager) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respawnLocked(reason)
}

// resetReasonLocked returns the first matching reset condition, or ""
// when the session can continue.
func (m *Manager) resetReasonLocked() string {
	if m.current == nil {
		return ""
	}
	if m.lastError {
		return "prior cycle error"
	}
	if m.current.Tokens > MaxSessionTokens {
		return "token budget exceeded"
	}
	if m.current.Cycles >= MaxSessionCycles {
		return "cycle budget exceeded"
	}
	return ""
}

func (m *Manager) respawnLocked(reason string) {
	if m.current != nil {
		m.current.Cancel()
		m.logger.Info("Respawning persistent session",
			"reason", reason,
			"old_session_id", m.current.ID,
			"tokens", m.current.Tokens,
			"cycles", m.current.Cycles)
	}
	now := time.Now()
	m.current = &Session{
		ID:        uuid.New().String(),
		Messages:  []Message{{Role: RoleSystem, Content: SystemPrompt}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.lastError = false
}
