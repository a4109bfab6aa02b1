package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSpawnsInitialSession(t *testing.T) {
	m := NewManager(nil)
	s := m.Acquire()
	require.NotNil(t, s)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, RoleSystem, s.Messages[0].Role)
	assert.Equal(t, SystemPrompt, s.Messages[0].Content)
	assert.Equal(t, 1, s.Cycles)
}

func TestAcquireReusesSessionAcrossCycles(t *testing.T) {
	m := NewManager(nil)
	first := m.Acquire()
	first.AddMessage(RoleUser, "cycle 1 prompt")
	first.AddMessage(RoleAssistant, "done")

	second := m.Acquire()
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Messages, 3)
	assert.Equal(t, 2, second.Cycles)
}

func TestResetOnTokenBudget(t *testing.T) {
	m := NewManager(nil)
	first := m.Acquire()
	first.AddUsage(60_000, 45_000)

	second := m.Acquire()
	assert.NotEqual(t, first.ID, second.ID)
	assert.Zero(t, second.Tokens)
	assert.Equal(t, 1, second.Cycles)
	// History does not carry over; only the system prompt remains.
	assert.Len(t, second.Messages, 1)
}

func TestNoResetJustUnderTokenBudget(t *testing.T) {
	m := NewManager(nil)
	first := m.Acquire()
	first.AddUsage(50_000, 50_000) // exactly 100k is still fine

	second := m.Acquire()
	assert.Equal(t, first.ID, second.ID)
}

func TestResetOnCycleBudget(t *testing.T) {
	m := NewManager(nil)
	first := m.Acquire()
	for i := 0; i < MaxSessionCycles-1; i++ {
		s := m.Acquire()
		assert.Equal(t, first.ID, s.ID)
	}
	// Cycle 11 acquires a fresh session.
	s := m.Acquire()
	assert.NotEqual(t, first.ID, s.ID)
	assert.Equal(t, 1, s.Cycles)
}

func TestResetOnPriorCycleError(t *testing.T) {
	m := NewManager(nil)
	first := m.Acquire()
	m.NoteError()

	second := m.Acquire()
	assert.NotEqual(t, first.ID, second.ID)

	// The flag is consumed by the respawn.
	third := m.Acquire()
	assert.Equal(t, second.ID, third.ID)
}

func TestForcedResetCancelsInFlightCall(t *testing.T) {
	m := NewManager(nil)
	s := m.Acquire()
	ctx, cancel := context.WithCancel(context.Background())
	s.SetCancelFunc(cancel)

	m.Reset("timeout")
	select {
	case <-ctx.Done():
	default:
		t.Fatal("in-flight context not cancelled by reset")
	}
	assert.NotEqual(t, s.ID, m.Current().ID)
}

func TestCancelWithoutInFlightCall(t *testing.T) {
	s := &Session{}
	assert.False(t, s.Cancel())
}

func TestCloneIsDetached(t *testing.T) {
	m := NewManager(nil)
	s := m.Acquire()
	s.AddMessage(RoleUser, "hello")

	c := s.Clone()
	s.AddMessage(RoleAssistant, "hi")
	assert.Len(t, c.Messages, 2)
	assert.Len(t, s.Clone().Messages, 3)
}
