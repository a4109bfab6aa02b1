package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedError struct{ module, message string }

type fakeRecorder struct {
	errors []recordedError
}

func (f *fakeRecorder) RecordError(_ context.Context, module, message string) error {
	f.errors = append(f.errors, recordedError{module, message})
	return nil
}

func echoTool(_ context.Context, params map[string]any) (string, error) {
	return fmt.Sprintf("%v", params["msg"]), nil
}

func TestExecuteRegisteredTool(t *testing.T) {
	b := NewBridge(nil, nil)
	b.Register(Definition{Name: "echo", Description: "echoes"}, echoTool)

	out, err := b.Execute(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestExecuteUnknownTool(t *testing.T) {
	b := NewBridge(nil, nil)
	_, err := b.Execute(context.Background(), "nope", nil)
	assert.ErrorContains(t, err, "unknown tool")
}

func TestTransientErrorRetriedOnce(t *testing.T) {
	calls := 0
	b := NewBridge(nil, nil)
	b.Register(Definition{Name: "flaky"}, func(context.Context, map[string]any) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("connection reset by peer")
		}
		return "ok", nil
	})

	out, err := b.Execute(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, calls)
}

func TestPermanentErrorNotRetriedAndRecorded(t *testing.T) {
	calls := 0
	rec := &fakeRecorder{}
	b := NewBridge(rec, nil)
	b.Register(Definition{Name: "strict"}, func(context.Context, map[string]any) (string, error) {
		calls++
		return "", errors.New("goal not found")
	})

	_, err := b.Execute(context.Background(), "strict", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, "tool:strict", rec.errors[0].module)
}

func TestRateLimitRollsOver(t *testing.T) {
	b := NewBridge(nil, nil)
	b.Register(Definition{Name: "echo"}, echoTool)
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	for i := 0; i < rateLimit; i++ {
		_, err := b.Execute(context.Background(), "echo", map[string]any{"msg": "x"})
		require.NoError(t, err)
	}
	_, err := b.Execute(context.Background(), "echo", map[string]any{"msg": "x"})
	assert.ErrorContains(t, err, "rate limit")

	// Window rolls forward; capacity returns.
	current = current.Add(rateLimitWindow + time.Second)
	_, err = b.Execute(context.Background(), "echo", map[string]any{"msg": "x"})
	assert.NoError(t, err)
}

func TestListToolsSorted(t *testing.T) {
	b := NewBridge(nil, nil)
	b.Register(Definition{Name: "zeta"}, echoTool)
	b.Register(Definition{Name: "alpha"}, echoTool)

	defs := b.ListTools()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[1].Name)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{"nil", nil, NoRetry},
		{"cancelled", context.Canceled, NoRetry},
		{"eof", io.EOF, Retry},
		{"connection refused", errors.New("dial tcp: connection refused"), Retry},
		{"exit code", errors.New("exit status 1"), Retry},
		{"unauthorized", errors.New("unauthorized"), NoRetry},
		{"not found", errors.New("memory not found"), NoRetry},
		{"unknown", errors.New("something odd"), NoRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
