package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchd/perch/pkg/models"
)

type fakeSender struct {
	mu    sync.Mutex
	sends []string // "address|text"
	fail  bool
}

func (f *fakeSender) Send(_ context.Context, address, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("bridge disconnected")
	}
	f.sends = append(f.sends, address+"|"+text)
	return nil
}

func TestSendToGroupUsesConfiguredAddress(t *testing.T) {
	sender := &fakeSender{}
	s := NewService(sender, map[Category]string{CategoryDaily: "group-daily"}, "user-direct", nil)

	assert.True(t, s.SendToGroup(context.Background(), CategoryDaily, "morning summary"))
	require.Len(t, sender.sends, 1)
	assert.Equal(t, "group-daily|morning summary", sender.sends[0])
}

func TestSendToGroupFallsBackToDirect(t *testing.T) {
	sender := &fakeSender{}
	s := NewService(sender, nil, "user-direct", nil)

	assert.True(t, s.SendToGroup(context.Background(), CategoryAlerts, "heads up"))
	require.Len(t, sender.sends, 1)
	assert.Equal(t, "user-direct|heads up", sender.sends[0])
}

func TestSendToGroupReturnsFalseOnFailure(t *testing.T) {
	s := NewService(&fakeSender{fail: true}, nil, "user-direct", nil)
	assert.False(t, s.SendToGroup(context.Background(), CategoryDaily, "x"))
}

func TestSendToGroupNoAddressAtAll(t *testing.T) {
	s := NewService(&fakeSender{}, nil, "", nil)
	assert.False(t, s.SendToGroup(context.Background(), CategoryDaily, "x"))
}

func TestCategoryForModulePrefix(t *testing.T) {
	s := NewService(&fakeSender{}, map[Category]string{
		CategoryHattrick: "group-ht",
		CategoryDaily:    "group-daily",
	}, "user-direct", nil)

	tests := []struct {
		name    string
		signals []models.Signal
		want    Category
	}{
		{
			"type prefix match",
			[]models.Signal{{Type: "hattrick_bid", Urgency: models.UrgencyHigh}},
			CategoryHattrick,
		},
		{
			"data module match",
			[]models.Signal{{Type: "goal_work", Data: map[string]any{models.DataModule: "hattrick"}}},
			CategoryHattrick,
		},
		{
			"unmapped module falls through",
			[]models.Signal{{Type: "cron_failing"}},
			CategoryDaily,
		},
		{
			"no signals",
			nil,
			CategoryDaily,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.CategoryFor(tt.signals))
		})
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

func TestNotifyFansOutToAllSinks(t *testing.T) {
	s := NewService(&fakeSender{}, nil, "user-direct", nil)
	a, b := &fakeNotifier{}, &fakeNotifier{err: errors.New("sink down")}
	s.AddNotifier(a)
	s.AddNotifier(b)

	s.Notify(context.Background(), "restart recommended")
	assert.Equal(t, []string{"restart recommended"}, a.texts)
	assert.Equal(t, []string{"restart recommended"}, b.texts)
}

func TestTelegramSink(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sink := NewTelegramSinkWithAPIBase("TOKEN", "42", srv.URL)
	require.NoError(t, sink.Notify(context.Background(), "memory tier CRITICAL"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "memory tier CRITICAL", got["text"])
}

func TestBridgeClientSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c := NewBridgeClient(srv.URL, "tok")
	require.NoError(t, c.Send(context.Background(), "group-daily", "hello"))
	assert.Equal(t, "group-daily", got.Address)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "logged out", http.StatusUnauthorized)
	}))
	t.Cleanup(bad.Close)
	err := NewBridgeClient(bad.URL, "").Send(context.Background(), "a", "b")
	assert.ErrorContains(t, err, "401")
}
