package channels

import (
	"context"
	"sync"
	"time"
)

// Reply is an answer held for an HTTP client to collect.
type Reply struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Inbox keeps answers addressed to "api:<id>" until they are collected.
// Entries older than the retention are dropped on the next write.
type Inbox struct {
	mu        sync.Mutex
	replies   map[string]Reply
	retention time.Duration
	now       func() time.Time
}

// NewInbox creates an inbox. A non-positive retention keeps replies for an
// hour.
func NewInbox(retention time.Duration) *Inbox {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Inbox{
		replies:   make(map[string]Reply),
		retention: retention,
		now:       time.Now,
	}
}

func (b *Inbox) Name() string { return "api" }

func (b *Inbox) Send(ctx context.Context, chatID, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for id, r := range b.replies {
		if now.Sub(r.DeliveredAt) > b.retention {
			delete(b.replies, id)
		}
	}
	b.replies[chatID] = Reply{ID: chatID, Text: text, DeliveredAt: now}
	return nil
}

// Get returns the reply for id, if delivered.
func (b *Inbox) Get(id string) (Reply, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.replies[id]
	return r, ok
}
