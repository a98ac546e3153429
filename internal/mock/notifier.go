package mock

import (
	"context"
	"sync"

	"signal_relay/internal/core"
)

// Notifier records notifications for assertions.
type Notifier struct {
	mu   sync.Mutex
	Sent []*core.Notification
}

func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Notify(ctx context.Context, notification *core.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, notification)
}

// Count returns the number of notifications sent so far.
func (n *Notifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Sent)
}
