// Package engine is the cycle supervisor: it owns the chained one-shot
// timer, the cycle latch, durable CycleState, and the glue between
// detectors, arbiter, prompt, router, parser and dispatcher.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/perchd/perch/pkg/arbiter"
	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/diffs"
	"github.com/perchd/perch/pkg/dispatch"
	"github.com/perchd/perch/pkg/events"
	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/kvstore"
	"github.com/perchd/perch/pkg/llm"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/prompt"
	"github.com/perchd/perch/pkg/session"
	"github.com/perchd/perch/pkg/signals"
)

// initialDelay is the pause before the first cycle after startup, long
// enough for collaborator services to come up.
const initialDelay = 5 * time.Second

// maxConsecutiveRecycles caps the productive 2-minute re-cycles.
const maxConsecutiveRecycles = 3

// LLMRouter is the slice of the backend router the engine drives.
type LLMRouter interface {
	WantsPaid(picked []models.Signal, state *models.CycleState, cycleCount int) bool
	Invoke(ctx context.Context, promptText string, paid bool) (*llm.Result, error)
}

// Dispatcher applies one cycle's directives.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Input) dispatch.Outcome
}

// WorldFunc builds the detector snapshot for one cycle.
type WorldFunc func(now time.Time, state *models.CycleState) *signals.World

// ErrorSink is the slice of the analytics store the engine uses.
type ErrorSink interface {
	RecordError(ctx context.Context, module, message string) error
	RecordObservation(ctx context.Context, kind, content string) error
	ChronicModules(ctx context.Context, minDays int) ([]string, error)
	SummarizeForAgent(ctx context.Context) (string, error)
}

// Deps wires the engine's collaborators.
type Deps struct {
	Config     *config.Config
	KV         *kvstore.Store
	Goals      *goals.Store
	Events     *events.Log
	Arbiter    *arbiter.Arbiter
	Prompt     *prompt.Builder
	Router     LLMRouter
	Dispatcher Dispatcher
	Sessions   *session.Manager
	Diffs      *diffs.Writer
	Analytics  ErrorSink
	Journal    *Journal
	World      WorldFunc
	Logger     *slog.Logger
}

// Engine runs the cycle loop. One cycle at a time, always.
type Engine struct {
	cfg        *config.Config
	kv         *kvstore.Store
	goals      *goals.Store
	events     *events.Log
	arb        *arbiter.Arbiter
	prompt     *prompt.Builder
	router     LLMRouter
	dispatcher Dispatcher
	sessions   *session.Manager
	diffs      *diffs.Writer
	analytics  ErrorSink
	journal    *Journal
	world      WorldFunc
	logger     *slog.Logger

	mu               sync.Mutex
	cycleRunning     bool
	lastIndexSync    time.Time
	lastWeeklyRollup time.Time
	lastChronicScan  time.Time

	done chan struct{}
	now  func() time.Time
}

func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Weekly rollup waits a full period after start; the cheap tasks
	// run on the first cycle.
	return &Engine{
		lastWeeklyRollup: time.Now(),

		cfg:        d.Config,
		kv:         d.KV,
		goals:      d.Goals,
		events:     d.Events,
		arb:        d.Arbiter,
		prompt:     d.Prompt,
		router:     d.Router,
		dispatcher: d.Dispatcher,
		sessions:   d.Sessions,
		diffs:      d.Diffs,
		analytics:  d.Analytics,
		journal:    d.Journal,
		world:      d.World,
		logger:     logger.With("component", "engine"),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the scheduling loop. The timer is a chained one-shot:
// each cycle schedules the next after it finishes, so cycles can never
// overlap regardless of how long one takes.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
	e.logger.Info("Cycle engine started",
		"interval", e.cfg.LoopInterval, "initial_delay", initialDelay)
}

// Done is closed when the scheduling loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			delay := e.RunCycle(ctx)
			timer.Reset(delay)
		}
	}
}

// State returns a copy of the persisted cycle state for read-only
// consumers (the dashboard API).
func (e *Engine) State() models.CycleState {
	state := e.loadState()
	return *state
}

// Running reports whether a cycle is in flight.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycleRunning
}

// Events returns the merged persisted+live event view.
func (e *Engine) Events() []models.EventRecord {
	state := e.loadState()
	return events.Merge(state.RecentEvents, e.events.Live())
}

func (e *Engine) loadState() *models.CycleState {
	var state models.CycleState
	found, err := e.kv.LoadJSON(models.StateKey, &state)
	if err != nil {
		e.logger.Error("Failed to load cycle state, starting fresh", "error", err)
	}
	if !found {
		e.logger.Info("No persisted cycle state, starting from zero")
	}
	if state.SignalCooldowns == nil {
		state.SignalCooldowns = make(map[string]int64)
	}
	return &state
}

func (e *Engine) persistState(state *models.CycleState) {
	state.RecentEvents = events.Merge(state.RecentEvents, e.events.Live())
	state.UpdatedAt = e.now()
	if err := e.kv.SaveJSON(models.StateKey, state); err != nil {
		e.logger.Error("Failed to persist cycle state", "error", err)
	}
}

// resetDailyCost zeroes the cost bucket when the local date rolls over,
// recording the closed day in the bounded history that feeds the
// rolling average.
func (e *Engine) resetDailyCost(state *models.CycleState, now time.Time) {
	today := now.In(e.cfg.Location).Format("2006-01-02")
	if state.DailyCostDate == today {
		return
	}
	if state.DailyCostDate != "" {
		e.logger.Info("Daily cost bucket reset",
			"previous_date", state.DailyCostDate, "previous_cost", state.DailyCost)
		state.CostHistory = append(state.CostHistory, models.DailyCost{
			Date: state.DailyCostDate, USD: state.DailyCost,
		})
		if len(state.CostHistory) > models.MaxCostHistoryDays {
			state.CostHistory = state.CostHistory[len(state.CostHistory)-models.MaxCostHistoryDays:]
		}
	}
	state.DailyCostDate = today
	state.DailyCost = 0
	state.DailySonnetCost = 0
}
