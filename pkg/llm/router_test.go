package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchd/perch/pkg/config"
	"github.com/perchd/perch/pkg/models"
	"github.com/perchd/perch/pkg/session"
)

// fakeBackend serves /v1/models and a scripted sequence of chat
// replies.
func fakeBackend(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if calls >= len(replies) {
			http.Error(w, "no scripted reply left", http.StatusBadRequest)
			return
		}
		reply := replies[calls]
		calls++
		resp := map[string]any{
			"model":   "test-model",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": reply}}},
			"usage":   map[string]any{"prompt_tokens": 100, "completion_tokens": 50},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func backendConf(name string, tier config.BackendTier, url string) config.BackendConfig {
	return config.BackendConfig{Name: name, BaseURL: url, Model: "test-model", Tier: tier, Enabled: true}
}

type fakeBridge struct {
	calls []string
}

func (b *fakeBridge) Execute(_ context.Context, name string, params map[string]any) (string, error) {
	b.calls = append(b.calls, name)
	if name == "broken_tool" {
		return "", fmt.Errorf("tool %s unavailable", name)
	}
	return `{"ok":true}`, nil
}

func TestWantsPaid(t *testing.T) {
	srv := fakeBackend(t)
	r := NewRouter([]config.BackendConfig{backendConf("sonnet", config.TierPaid, srv.URL)},
		session.NewManager(nil), nil, nil)
	state := &models.CycleState{}

	tests := []struct {
		name    string
		signals []models.Signal
		want    bool
	}{
		{"high urgency", []models.Signal{{Type: "error_spike", Urgency: models.UrgencyHigh}}, true},
		{"critical urgency", []models.Signal{{Type: "transfer_deadline", Urgency: models.UrgencyCritical}}, true},
		{"low urgency plain", []models.Signal{{Type: "stale_memory", Urgency: models.UrgencyLow, Summary: "memory untouched"}}, false},
		{"code keyword", []models.Signal{{Type: "goal_work", Urgency: models.UrgencyMedium, Summary: "refactor the importer"}}, true},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.WantsPaid(tt.signals, state, 5))
		})
	}
}

func TestWantsPaidRespectsSonnetCooldown(t *testing.T) {
	srv := fakeBackend(t)
	r := NewRouter([]config.BackendConfig{backendConf("sonnet", config.TierPaid, srv.URL)},
		session.NewManager(nil), nil, nil)
	high := []models.Signal{{Type: "error_spike", Urgency: models.UrgencyHigh}}

	state := &models.CycleState{SonnetCooldownUntil: 10}
	assert.False(t, r.WantsPaid(high, state, 7))
	assert.True(t, r.WantsPaid(high, state, 10))
}

func TestWantsPaidWithoutPaidBackend(t *testing.T) {
	srv := fakeBackend(t)
	r := NewRouter([]config.BackendConfig{backendConf("ollama", config.TierLocal, srv.URL)},
		session.NewManager(nil), nil, nil)
	assert.False(t, r.WantsPaid([]models.Signal{{Urgency: models.UrgencyCritical}}, &models.CycleState{}, 0))
}

func TestInvokeFreeBackend(t *testing.T) {
	srv := fakeBackend(t, "<wa_message>all quiet</wa_message>")
	r := NewRouter([]config.BackendConfig{backendConf("ollama", config.TierLocal, srv.URL)},
		session.NewManager(nil), nil, nil)

	res, err := r.Invoke(context.Background(), "status check", false)
	require.NoError(t, err)
	assert.Contains(t, res.Text, "all quiet")
	assert.Equal(t, 100, res.InputTokens)
	assert.Equal(t, 50, res.OutputTokens)
	assert.Equal(t, "test-model", res.Model)
	assert.Zero(t, res.CostUSD)
}

func TestInvokePaidRunsInPersistentSession(t *testing.T) {
	srv := fakeBackend(t, "cycle one done", "cycle two done")
	sessions := session.NewManager(nil)
	r := NewRouter([]config.BackendConfig{backendConf("sonnet", config.TierPaid, srv.URL)},
		sessions, nil, nil)

	_, err := r.Invoke(context.Background(), "first prompt", true)
	require.NoError(t, err)
	_, err = r.Invoke(context.Background(), "second prompt", true)
	require.NoError(t, err)

	sess := sessions.Current()
	require.NotNil(t, sess)
	// system + (user, assistant) x 2
	assert.Len(t, sess.Messages, 5)
	assert.Equal(t, 300, sess.Tokens)
	assert.Equal(t, 2, sess.Cycles)
}

func TestToolLoopExecutesAndFeedsResultsBack(t *testing.T) {
	srv := fakeBackend(t,
		`<tool_call name="goals_list">{"status":"active"}</tool_call>`,
		`<wa_message>2 active goals</wa_message>`)
	bridge := &fakeBridge{}
	r := NewRouter([]config.BackendConfig{backendConf("ollama", config.TierLocal, srv.URL)},
		session.NewManager(nil), bridge, nil)

	res, err := r.Invoke(context.Background(), "morning review", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"goals_list"}, bridge.calls)
	require.Len(t, res.ToolLog, 1)
	assert.Equal(t, `{"ok":true}`, res.ToolLog[0].Result)
	assert.Contains(t, res.Text, "2 active goals")
	// Usage accumulates across both rounds.
	assert.Equal(t, 200, res.InputTokens)
}

func TestToolLoopRecordsToolErrors(t *testing.T) {
	srv := fakeBackend(t,
		`<tool_call name="broken_tool">{}</tool_call>`,
		`<wa_message>giving up on that tool</wa_message>`)
	bridge := &fakeBridge{}
	r := NewRouter([]config.BackendConfig{backendConf("ollama", config.TierLocal, srv.URL)},
		session.NewManager(nil), bridge, nil)

	res, err := r.Invoke(context.Background(), "check", false)
	require.NoError(t, err)
	require.Len(t, res.ToolLog, 1)
	assert.Contains(t, res.ToolLog[0].Error, "unavailable")
}

func TestToolResultsFeedBackAsTaggedTurns(t *testing.T) {
	srv := fakeBackend(t,
		`<tool_call name="goals_list">{}</tool_call><tool_call name="broken_tool">{}</tool_call>`,
		`<wa_message>noted</wa_message>`)
	sessions := session.NewManager(nil)
	r := NewRouter([]config.BackendConfig{backendConf("sonnet", config.TierPaid, srv.URL)},
		sessions, &fakeBridge{}, nil)

	_, err := r.Invoke(context.Background(), "check", true)
	require.NoError(t, err)

	sess := sessions.Current()
	require.NotNil(t, sess)
	var toolTurn string
	for _, m := range sess.Messages {
		if m.Role == session.RoleUser && strings.Contains(m.Content, "<tool_result") {
			toolTurn = m.Content
		}
	}
	require.NotEmpty(t, toolTurn)
	assert.Contains(t, toolTurn, `<tool_result name="goals_list">{"ok":true}</tool_result>`)
	assert.Contains(t, toolTurn, `<tool_result name="broken_tool">Error: tool broken_tool unavailable</tool_result>`)
}

func TestToolLoopSkipsMalformedCallWithoutBridgeError(t *testing.T) {
	srv := fakeBackend(t,
		`<tool_call name="goals_list">{"status": active oops</tool_call>`,
		`<wa_message>done</wa_message>`)
	bridge := &fakeBridge{}
	r := NewRouter([]config.BackendConfig{backendConf("ollama", config.TierLocal, srv.URL)},
		session.NewManager(nil), bridge, nil)

	res, err := r.Invoke(context.Background(), "check", false)
	require.NoError(t, err)
	assert.Empty(t, bridge.calls)
	require.Len(t, res.ToolLog, 1)
	assert.Contains(t, res.ToolLog[0].Error, "malformed")
}

func TestFreeFailureFallsBackToPaid(t *testing.T) {
	paid := fakeBackend(t, "handled by paid tier")
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(dead.Close)

	sessions := session.NewManager(nil)
	r := NewRouter([]config.BackendConfig{
		backendConf("ollama", config.TierLocal, dead.URL),
		backendConf("sonnet", config.TierPaid, paid.URL),
	}, sessions, nil, nil)

	res, err := r.Invoke(context.Background(), "check", false)
	require.NoError(t, err)
	assert.Equal(t, "handled by paid tier", res.Text)
	assert.NotNil(t, sessions.Current())
}

func TestInvokeFreeNoBackends(t *testing.T) {
	r := NewRouter(nil, session.NewManager(nil), nil, nil)
	_, err := r.Invoke(context.Background(), "check", false)
	assert.Error(t, err)
}

func TestLocalBackendsProbeBeforeHostedFree(t *testing.T) {
	local := fakeBackend(t, "local reply")
	hosted := fakeBackend(t, "hosted reply")
	r := NewRouter([]config.BackendConfig{
		backendConf("groq", config.TierFree, hosted.URL),
		backendConf("ollama", config.TierLocal, local.URL),
	}, session.NewManager(nil), nil, nil)

	res, err := r.Invoke(context.Background(), "check", false)
	require.NoError(t, err)
	assert.Equal(t, "local reply", res.Text)
}
