package session

import (
	"context"
	"sync"
	"time"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message represents a single conversation message
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// SystemPrompt is the fixed system prompt every fresh persistent
// session starts from. It never varies between resets.
const SystemPrompt = "You are the user's autonomous agent running in a persistent session. " +
	"You remember previous cycles. Do NOT repeat work you already did in previous messages. " +
	"Check your conversation history before acting. If you already completed a task, " +
	"skip it and move to the next one."

// Session is one long-running reasoning conversation. Accumulators
// track usage since the last reset; the reset decision lives in the
// Manager.
type Session struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	Tokens    int       `json:"tokens"`
	Cycles    int       `json:"cycles"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	mu         sync.RWMutex
	cancelFunc context.CancelFunc
}

// AddMessage appends a conversation turn (thread-safe).
func (s *Session) AddMessage(role MessageRole, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
	s.UpdatedAt = time.Now()
}

// AddUsage accumulates token usage from one model invocation.
func (s *Session) AddUsage(inputTokens, outputTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tokens += inputTokens + outputTokens
	s.UpdatedAt = time.Now()
}

// SetCancelFunc stores the cancel for the in-flight invocation so a
// reset can abort it (thread-safe).
func (s *Session) SetCancelFunc(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFunc = cancel
}

// Cancel aborts any in-flight invocation. Returns false when nothing
// was running.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFunc == nil {
		return false
	}
	s.cancelFunc()
	s.cancelFunc = nil
	return true
}

// Clone returns a read-safe copy without the internal fields.
func (s *Session) Clone() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	messages := make([]Message, len(s.Messages))
	copy(messages, s.Messages)
	return Session{
		ID:        s.ID,
		Messages:  messages,
		Tokens:    s.Tokens,
		Cycles:    s.Cycles,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
