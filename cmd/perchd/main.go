// perchd is the agent cycle supervisor — it runs the detector/arbiter
// loop, routes prompts to LLM backends, dispatches directive effects,
// and serves the read-only dashboard API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/perchd/perch/pkg/analytics"
	"github.com/perchd/perch/pkg/api"
	"github.com/perchd/perch/pkg/arbiter"
	"github.com/perchd/perch/pkg/autocoder"
	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/diffs"
	"github.com/perchd/perch/pkg/dispatch"
	"github.com/perchd/perch/pkg/engine"
	"github.com/perchd/perch/pkg/events"
	"github.com/perchd/perch/pkg/gate"
	"github.com/perchd/perch/pkg/goals"
	"github.com/perchd/perch/pkg/kvstore"
	"github.com/perchd/perch/pkg/llm"
	"github.com/perchd/perch/pkg/masking"
	"github.com/perchd/perch/pkg/messaging"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/prompt"
	"github.com/perchd/perch/pkg/session"
	"github.com/perchd/perch/pkg/signals"
	"github.com/perchd/perch/pkg/tools"
	"github.com/perchd/perch/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("PERCH_CONFIG", "perch.yaml"),
		"Path to the YAML configuration overlay")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting perchd", "version", version.Full(), "http_port", httpPort)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Stores
	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, "kv"))
	if err != nil {
		slog.Error("Failed to open K/V store", "error", err)
		os.Exit(1)
	}
	goalStore, err := goals.Open(filepath.Join(cfg.DataDir, "goals.json"))
	if err != nil {
		slog.Error("Failed to open goal store", "error", err)
		os.Exit(1)
	}
	analyticsStore, err := analytics.Open(filepath.Join(cfg.DataDir, "analytics.db"))
	if err != nil {
		slog.Error("Failed to open analytics store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := analyticsStore.Close(); err != nil {
			slog.Error("Error closing analytics store", "error", err)
		}
	}()
	slog.Info("Stores opened", "data_dir", cfg.DataDir)

	// 3. Secret masking and cycle artefacts
	var secrets []string
	for _, b := range cfg.Backends {
		secrets = append(secrets, b.APIKey)
	}
	secrets = append(secrets,
		os.Getenv("BRIDGE_TOKEN"),
		cfg.TelegramBotToken,
	)
	masker := masking.NewMasker(secrets, nil)

	diffWriter, err := diffs.NewWriter(filepath.Join(cfg.DataDir, "cycles"), masker, 0, nil)
	if err != nil {
		slog.Error("Failed to open cycle artefact dir", "error", err)
		os.Exit(1)
	}

	// 4. Messaging
	bridge := messaging.NewBridgeClient(
		getEnv("BRIDGE_URL", "http://localhost:3000"),
		os.Getenv("BRIDGE_TOKEN"),
	)
	groups := map[messaging.Category]string{}
	if addr := os.Getenv("GROUP_ALERTS"); addr != "" {
		groups[messaging.CategoryAlerts] = addr
	}
	if addr := os.Getenv("GROUP_HATTRICK"); addr != "" {
		groups[messaging.CategoryHattrick] = addr
	}
	if addr := os.Getenv("GROUP_DAILY"); addr != "" {
		groups[messaging.CategoryDaily] = addr
	}
	messenger := messaging.NewService(bridge, groups, os.Getenv("DIRECT_ADDRESS"), nil)
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		messenger.AddNotifier(messaging.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID))
		slog.Info("Telegram notifier registered")
	}

	// 5. Tool bridge
	toolBridge := tools.NewBridge(analyticsStore, nil)
	registerTools(toolBridge, goalStore, kv)
	slog.Info("Tools registered", "count", len(toolBridge.ListTools()))

	// 6. LLM router and session
	sessions := session.NewManager(nil)
	router := llm.NewRouter(cfg.Backends, sessions, toolBridge, nil)

	// 7. Dispatcher with confidence gate and auto-coder hook
	confidenceGate := gate.New(cfg.ConfidenceGateEnabled, cfg.ConfidenceGateMinScore, nil, nil)
	journal := engine.NewJournal(kv, nil)
	dispatcher := dispatch.New(goalStore, messenger, toolBridge, journal, confidenceGate, nil)

	if repoDir := os.Getenv("AUTOCODER_REPO_DIR"); repoDir != "" {
		coder := autocoder.New(repoDir, os.Getenv("AUTOCODER_TEST_CMD"), nil)
		dispatcher.SetAutoCoderHook(func(ctx context.Context, goal *models.Goal, ms *models.Milestone, evidence string) []models.FileDiff {
			report := coder.CommitAndReport(ctx, goal, ms, evidence, func(ctx context.Context, text string) bool {
				return messenger.SendToGroup(ctx, messaging.CategoryDaily, text)
			})
			return report.Files
		})
		slog.Info("Auto-coder enabled", "repo_dir", repoDir)
	}

	// 8. Cycle engine
	eventLog := events.NewLog()
	eng := engine.New(engine.Deps{
		Config:     cfg,
		KV:         kv,
		Goals:      goalStore,
		Events:     eventLog,
		Arbiter:    arbiter.New(),
		Prompt:     prompt.NewBuilder(),
		Router:     router,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Diffs:      diffWriter,
		Analytics:  analyticsStore,
		Journal:    journal,
		World:      worldBuilder(cfg, goalStore, analyticsStore, eventLog, messenger),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Pick up goals.json edits made outside the process.
	go func() {
		if err := goalStore.Watch(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Goal file watcher stopped", "error", err)
		}
	}()

	eng.Start(runCtx)

	// 9. Dashboard API (non-blocking)
	httpServer := api.NewServer(eng, goalStore, diffWriter, nil)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("perchd started", "loop_interval", cfg.LoopInterval, "backends", len(cfg.Backends))

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop scheduling, drain HTTP
	cancel()
	select {
	case <-eng.Done():
		slog.Info("Cycle engine stopped")
	case <-time.After(30 * time.Second):
		slog.Warn("Cycle engine shutdown timeout exceeded")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// worldBuilder returns the per-cycle snapshot provider. Memory stats
// come from the Go runtime; the memory-service probe and the file
// mtimes are re-read each cycle. Cron, workflow, watchlist and
// external-memory feeds come from registered module detectors.
func worldBuilder(cfg *config.Config, goalStore *goals.Store, analyticsStore *analytics.Store, eventLog *events.Log, messenger *messaging.Service) engine.WorldFunc {
	probe := newMemoryProbe(os.Getenv("MEMORY_SERVICE_URL"))
	inboundMarker := getEnv("INBOUND_MARKER_PATH", filepath.Join(cfg.DataDir, "last-inbound"))
	botMemoryPath := getEnv("BOT_MEMORY_PATH", filepath.Join(cfg.DataDir, "memory", "bot.md"))

	return func(now time.Time, state *models.CycleState) *signals.World {
		reachable, failures := probe.check()
		return &signals.World{
			Now:                 now,
			Cfg:                 cfg,
			Goals:               goalStore,
			State:               state,
			Analytics:           analyticsStore,
			Events:              eventLog,
			Memory:              readMemory(),
			MCPReachable:        reachable,
			MCPFailures:         failures,
			LastInboundAt:       fileMtime(inboundMarker),
			BotMemoryMtime:      fileMtime(botMemoryPath),
			RollingDailyAvgCost: state.RollingDailyAvgCost(),
			Alert: func(text string) {
				messenger.Notify(context.Background(), text)
				eventLog.Emit(events.EventAlertSent, map[string]any{"length": len(text)})
			},
		}
	}
}

// memoryProbe health-checks the external memory service and tracks
// consecutive failures for the disconnect detector.
type memoryProbe struct {
	url      string
	client   *http.Client
	failures int
}

func newMemoryProbe(url string) *memoryProbe {
	return &memoryProbe{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

// check reports reachability. An unset URL means no memory service is
// deployed, which counts as healthy.
func (p *memoryProbe) check() (bool, int) {
	if p.url == "" {
		return true, 0
	}
	resp, err := p.client.Get(p.url)
	if err != nil {
		p.failures++
		return false, p.failures
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		p.failures++
		return false, p.failures
	}
	p.failures = 0
	return true, 0
}

// fileMtime returns the file's modification time, zero when missing.
// The bridge touches the inbound marker on every user message.
func fileMtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// readMemory snapshots process heap usage and classifies the tier.
func readMemory() signals.MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := int(ms.HeapAlloc / (1 << 20))
	stats := signals.MemoryStats{HeapMB: heapMB, RSSMB: int(ms.Sys / (1 << 20))}
	switch {
	case heapMB >= 900:
		stats.Tier = signals.MemRestart
	case heapMB >= 700:
		stats.Tier = signals.MemCritical
	case heapMB >= 500:
		stats.Tier = signals.MemShed
	case heapMB >= 300:
		stats.Tier = signals.MemWarn
	default:
		stats.Tier = signals.MemNormal
	}
	return stats
}
