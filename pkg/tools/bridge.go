// Package tools is the bridge between model-emitted tool calls and the
// registered tool handlers. It rate-limits execution, classifies
// failures, retries transient ones once, and records everything that
// still fails into error analytics.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// rateLimit bounds tool executions per rolling minute. A runaway
// tool-loop burns the cycle budget long before it hits external quota,
// so the cap is deliberately low.
const (
	rateLimit       = 30
	rateLimitWindow = time.Minute
)

// Handler executes one tool call.
type Handler func(ctx context.Context, params map[string]any) (string, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorRecorder receives tool failures for the analytics store.
type ErrorRecorder interface {
	RecordError(ctx context.Context, module, message string) error
}

// Bridge registers and executes tools.
type Bridge struct {
	mu       sync.Mutex
	tools    map[string]registration
	recent   []time.Time // execution timestamps inside the rate window
	recorder ErrorRecorder
	logger   *slog.Logger
	now      func() time.Time
}

type registration struct {
	def     Definition
	handler Handler
}

func NewBridge(recorder ErrorRecorder, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		tools:    make(map[string]registration),
		recorder: recorder,
		logger:   logger.With("component", "tool_bridge"),
		now:      time.Now,
	}
}

// Register adds a tool. Re-registering a name replaces the handler.
func (b *Bridge) Register(def Definition, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[def.Name] = registration{def: def, handler: handler}
}

// ListTools returns the registered definitions sorted by name.
func (b *Bridge) ListTools() []Definition {
	b.mu.Lock()
	defer b.mu.Unlock()
	defs := make([]Definition, 0, len(b.tools))
	for _, reg := range b.tools {
		defs = append(defs, reg.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a named tool with rate limiting and one transient
// retry. Returned errors are suitable for feeding back to the model.
func (b *Bridge) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	b.mu.Lock()
	reg, ok := b.tools[name]
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if !b.admitLocked() {
		b.mu.Unlock()
		return "", fmt.Errorf("tool rate limit reached (%d/min), try next cycle", rateLimit)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := reg.handler(ctx, params)
	if err != nil && ClassifyError(err) == Retry {
		b.logger.Warn("Tool failed with transient error, retrying once",
			"tool", name, "error", err)
		select {
		case <-time.After(RetryBackoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		result, err = reg.handler(ctx, params)
	}
	if err != nil {
		b.logger.Error("Tool execution failed", "tool", name, "error", err)
		if b.recorder != nil {
			// The failure still gets recorded when the tool timed out.
			_ = b.recorder.RecordError(context.WithoutCancel(ctx), "tool:"+name, err.Error())
		}
		return "", err
	}
	return result, nil
}

// admitLocked applies the rolling-window rate limit.
func (b *Bridge) admitLocked() bool {
	now := b.now()
	cutoff := now.Add(-rateLimitWindow)
	kept := b.recent[:0]
	for _, ts := range b.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.recent = kept
	if len(b.recent) >= rateLimit {
		return false
	}
	b.recent = append(b.recent, now)
	return true
}
