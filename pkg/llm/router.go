package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/parser"
	"github.com/perchd/perch/pkg/session"
)

// maxToolRounds bounds the tool-use loop per invocation.
const maxToolRounds = 5

// defaultCycleTimeout is the absolute deadline for one invocation,
// tool rounds included.
const defaultCycleTimeout = 15 * time.Minute

// codeKeywordPattern routes coding-flavoured work to the paid tier
// even at lower urgency.
var codeKeywordPattern = regexp.MustCompile(`(?i)\b(create|build|fix|refactor|implement|debug|deploy|migrate|script)\b`)

// ToolBridge executes a named tool on the model's behalf. The effect
// dispatcher provides the real implementation.
type ToolBridge interface {
	Execute(ctx context.Context, name string, params map[string]any) (string, error)
}

// ToolLogEntry records one tool execution inside the loop.
type ToolLogEntry struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Result is the outcome of one routed invocation.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Model        string
	ToolLog      []ToolLogEntry
}

// Router selects a backend per cycle and drives the tool-use loop.
// Free backends sit behind circuit breakers so a flapping local server
// does not eat the cycle budget on every attempt.
type Router struct {
	paid     *Client
	free     []*Client // local first, then hosted-free
	breakers map[string]*gobreaker.CircuitBreaker
	sessions *session.Manager
	bridge   ToolBridge
	logger   *slog.Logger
}

// NewRouter builds a router from the discovered backend configs. The
// first paid backend becomes the persistent-session backend; free and
// local backends are kept in probe order.
func NewRouter(backends []config.BackendConfig, sessions *session.Manager, bridge ToolBridge, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		sessions: sessions,
		bridge:   bridge,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.With("component", "llm_router"),
	}

	var local, hostedFree []*Client
	for _, b := range backends {
		if !b.Enabled {
			continue
		}
		switch b.Tier {
		case config.TierPaid:
			if r.paid == nil {
				r.paid = NewClient(b)
			}
		case config.TierLocal:
			local = append(local, NewClient(b))
		case config.TierFree:
			hostedFree = append(hostedFree, NewClient(b))
		}
	}
	r.free = append(local, hostedFree...)
	for _, c := range r.free {
		r.breakers[c.Backend().Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    c.Backend().Name,
			Timeout: 2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return r
}

// HasPaid reports whether a paid backend is configured.
func (r *Router) HasPaid() bool { return r.paid != nil }

// WantsPaid decides whether the picked signals warrant the paid tier:
// any high or critical signal, or a coding-flavoured summary. The
// self-imposed Sonnet cooldown overrides both.
func (r *Router) WantsPaid(picked []models.Signal, state *models.CycleState, cycleCount int) bool {
	if r.paid == nil {
		return false
	}
	if state != nil && state.SonnetCooldownUntil > cycleCount {
		return false
	}
	for _, s := range picked {
		if s.Urgency == models.UrgencyHigh || s.Urgency == models.UrgencyCritical {
			return true
		}
		if codeKeywordPattern.MatchString(s.Summary) {
			return true
		}
	}
	return false
}

// Invoke routes the prompt: paid runs in the persistent session; free
// runs stateless on the first healthy free backend and falls back to
// the paid session on failure. Either path drives the tool-use loop.
func (r *Router) Invoke(ctx context.Context, prompt string, paid bool) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCycleTimeout)
	defer cancel()

	if paid {
		return r.invokePaid(ctx, prompt)
	}

	res, err := r.invokeFree(ctx, prompt)
	if err == nil {
		return res, nil
	}
	if r.paid == nil {
		return nil, err
	}
	r.logger.Warn("Free backends unavailable, falling back to paid session", "error", err)
	return r.invokePaid(ctx, prompt)
}

func (r *Router) invokePaid(ctx context.Context, prompt string) (*Result, error) {
	if r.paid == nil {
		return nil, errors.New("no paid backend configured")
	}
	sess := r.sessions.Acquire()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.SetCancelFunc(cancel)
	defer sess.SetCancelFunc(nil)

	sess.AddMessage(session.RoleUser, prompt)
	res, err := r.toolLoop(ctx, func(ctx context.Context) (*Completion, error) {
		return r.paid.Complete(ctx, sess.Messages)
	}, func(reply, toolResults string) {
		sess.AddMessage(session.RoleAssistant, reply)
		if toolResults != "" {
			sess.AddMessage(session.RoleUser, toolResults)
		}
	})
	if err != nil {
		return nil, err
	}
	sess.AddUsage(res.InputTokens, res.OutputTokens)
	return res, nil
}

func (r *Router) invokeFree(ctx context.Context, prompt string) (*Result, error) {
	var lastErr error
	for _, client := range r.free {
		breaker := r.breakers[client.Backend().Name]
		if breaker.State() == gobreaker.StateOpen {
			continue
		}
		if !client.Healthy(ctx) {
			lastErr = fmt.Errorf("backend %s failed health probe", client.Backend().Name)
			continue
		}

		messages := []session.Message{
			{Role: session.RoleSystem, Content: session.SystemPrompt},
			{Role: session.RoleUser, Content: prompt},
		}
		res, err := r.toolLoop(ctx, func(ctx context.Context) (*Completion, error) {
			out, err := breaker.Execute(func() (any, error) {
				return client.Complete(ctx, messages)
			})
			if err != nil {
				return nil, err
			}
			return out.(*Completion), nil
		}, func(reply, toolResults string) {
			messages = append(messages, session.Message{Role: session.RoleAssistant, Content: reply})
			if toolResults != "" {
				messages = append(messages, session.Message{Role: session.RoleUser, Content: toolResults})
			}
		})
		if err != nil {
			lastErr = err
			continue
		}
		return res, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no free backend available")
	}
	return nil, lastErr
}

// toolLoop runs complete/parse/execute rounds until the reply carries
// no tool calls or the round budget runs out. The record callback
// appends the assistant turn and the synthetic tool-results turn to
// whichever history the caller maintains.
func (r *Router) toolLoop(ctx context.Context,
	complete func(context.Context) (*Completion, error),
	record func(reply, toolResults string)) (*Result, error) {

	var res Result
	for round := 0; round < maxToolRounds; round++ {
		completion, err := complete(ctx)
		if err != nil {
			return nil, err
		}
		res.Text = completion.Text
		res.InputTokens += completion.InputTokens
		res.OutputTokens += completion.OutputTokens
		res.CostUSD += completion.CostUSD
		res.Model = completion.Model

		calls := toolCalls(completion.Text)
		if len(calls) == 0 || r.bridge == nil {
			record(completion.Text, "")
			return &res, nil
		}

		var results strings.Builder
		for _, call := range calls {
			entry := ToolLogEntry{Name: call.Name, Params: call.Params}
			if call.Malformed {
				entry.Error = "malformed tool parameters: " + truncate(call.Raw, 200)
			} else if out, err := r.bridge.Execute(ctx, call.Name, call.Params); err != nil {
				entry.Error = err.Error()
			} else {
				entry.Result = out
			}
			res.ToolLog = append(res.ToolLog, entry)

			fmt.Fprintf(&results, "<tool_result name=%q>", call.Name)
			if entry.Error != "" {
				results.WriteString("Error: " + entry.Error)
			} else {
				results.WriteString(entry.Result)
			}
			results.WriteString("</tool_result>\n")
		}
		record(completion.Text, results.String())
	}
	return &res, nil
}

func toolCalls(text string) []parser.ToolCall {
	var calls []parser.ToolCall
	for _, d := range parser.Parse(text) {
		if tc, ok := d.(parser.ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}
