package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// InFlight tracks one live command awaiting its ack.
type InFlight struct {
	CommandID string
	MessageID uint64
	SentAt    time.Time
	Deadline  time.Time
	Attempts  int
	LastError string
}

// Outbox stores in-flight live commands by command id.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]InFlight
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]InFlight),
	}
}

func (o *Outbox) Upsert(item InFlight) {
	key := strings.TrimSpace(item.CommandID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

// MarkFailed records a failed attempt and keeps the entry for inspection.
func (o *Outbox) MarkFailed(commandID string, lastErr string) (InFlight, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return InFlight{}, false
	}
	item.Attempts++
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *Outbox) Remove(commandID string) {
	key := strings.TrimSpace(commandID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Get(commandID string) (InFlight, bool) {
	key := strings.TrimSpace(commandID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Expired returns entries whose deadline is before now, oldest first.
func (o *Outbox) Expired(now time.Time) []InFlight {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]InFlight, 0)
	for _, item := range o.items {
		if !item.Deadline.IsZero() && item.Deadline.Before(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (o *Outbox) List() []InFlight {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]InFlight, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CommandID < out[j].CommandID
	})
	return out
}
