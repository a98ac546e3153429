package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	"signal_relay/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []*core.Notification
	err  error
	done chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{}, 16)}
}

func (f *fakeChannel) Name() string { return "fake" }

func (f *fakeChannel) Send(ctx context.Context, n *core.Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	f.mu.Unlock()
	f.done <- struct{}{}
	return f.err
}

func (f *fakeChannel) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel send never happened")
	}
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), mock.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNotify_PersistsAndForwardsWarnings(t *testing.T) {
	s := newTestStore(t)
	ch := newFakeChannel()

	n := NewNotifier(s, mock.NewLogger())
	n.AddChannel(ch)

	n.Notify(context.Background(), &core.Notification{
		UserID: "user-1", Type: "warning", Category: "webhook",
		Title: "Webhook paused", Message: "10 consecutive failures",
	})
	ch.wait(t)
	assert.Equal(t, "Webhook paused", ch.sent[0].Title)
}

func TestNotify_InfoAndSuccessStayLocal(t *testing.T) {
	s := newTestStore(t)
	ch := newFakeChannel()

	n := NewNotifier(s, mock.NewLogger())
	n.AddChannel(ch)

	n.Notify(context.Background(), &core.Notification{
		UserID: "user-1", Type: "success", Category: "trade",
		Title: "BTCUSDT position closed", Message: "P&L 50.00 USD",
	})
	n.Notify(context.Background(), &core.Notification{
		UserID: "user-1", Type: "info", Category: "system", Title: "sync done",
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ch.count())
}

func TestNotify_ChannelFailureDoesNotPropagate(t *testing.T) {
	s := newTestStore(t)
	ch := newFakeChannel()
	ch.err = fmt.Errorf("telegram down")

	n := NewNotifier(s, mock.NewLogger())
	n.AddChannel(ch)

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), &core.Notification{
			UserID: "user-1", Type: "warning", Title: "x", Message: "y",
		})
	})
	ch.wait(t)
}

func TestTelegramChannel_SendsFormattedMessage(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok-1/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewTelegramChannel("tok-1", "chat-1")
	ch.baseURL = srv.URL

	err := ch.Send(context.Background(), &core.Notification{
		Type: "warning", Title: "Webhook paused", Message: "too many errors",
		Metadata: map[string]string{"webhook_id": "wh-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "chat-1", body["chat_id"])
	assert.Contains(t, body["text"], "Webhook paused")
	assert.Contains(t, body["text"], "wh-1")
}

func TestTelegramChannel_UnconfiguredIsNoop(t *testing.T) {
	ch := NewTelegramChannel("", "")
	assert.NoError(t, ch.Send(context.Background(), &core.Notification{Type: "warning"}))
}

func TestTelegramChannel_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ch := NewTelegramChannel("tok-1", "chat-1")
	ch.baseURL = srv.URL

	err := ch.Send(context.Background(), &core.Notification{Type: "warning", Title: "x"})
	assert.ErrorContains(t, err, "429")
}
