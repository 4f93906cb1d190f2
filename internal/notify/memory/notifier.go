// Package memory contains an in-memory notifier for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

// Notifier stores notifications for inspection.
type Notifier struct {
	mu       sync.RWMutex
	messages []crawler.Notification
}

// New returns a memory Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records the notification.
func (n *Notifier) Notify(_ context.Context, msg crawler.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

// Messages returns the recorded notifications.
func (n *Notifier) Messages() []crawler.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]crawler.Notification, len(n.messages))
	copy(out, n.messages)
	return out
}

// Last returns the most recent notification and whether there was one.
func (n *Notifier) Last() (crawler.Notification, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.messages) == 0 {
		return crawler.Notification{}, false
	}
	return n.messages[len(n.messages)-1], true
}
