// Package notify persists user notifications and forwards the ones worth
// interrupting someone over to external channels.
package notify

import (
	"context"
	"sync"
	"time"

	"signal_relay/internal/core"
)

const channelTimeout = 10 * time.Second

// Channel delivers a notification to an external destination.
type Channel interface {
	Send(ctx context.Context, n *core.Notification) error
	Name() string
}

// Notifier writes every notification to the store and fans warnings out
// to the registered channels. Channel failures are logged, never
// propagated; the trading path must not block on delivery.
type Notifier struct {
	store    core.IStore
	logger   core.ILogger
	channels []Channel
	mu       sync.RWMutex
}

// NewNotifier creates the notifier
func NewNotifier(store core.IStore, logger core.ILogger) *Notifier {
	return &Notifier{
		store:  store,
		logger: logger.WithField("component", "notify"),
	}
}

// AddChannel registers an external delivery channel.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
	n.logger.Info("notification channel added", "name", ch.Name())
}

// Notify implements core.INotifier.
func (n *Notifier) Notify(ctx context.Context, note *core.Notification) {
	if err := n.store.CreateNotification(ctx, note); err != nil {
		n.logger.Error("failed to persist notification",
			"user_id", note.UserID, "title", note.Title, "error", err)
	}

	if note.Type != "warning" {
		return
	}

	n.mu.RLock()
	channels := make([]Channel, len(n.channels))
	copy(channels, n.channels)
	n.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			// Detached from the request context; delivery outlives the
			// webhook that triggered it
			sendCtx, cancel := context.WithTimeout(context.Background(), channelTimeout)
			defer cancel()

			if err := c.Send(sendCtx, note); err != nil {
				n.logger.Error("notification channel failed",
					"channel", c.Name(), "title", note.Title, "error", err)
			}
		}(ch)
	}
}
