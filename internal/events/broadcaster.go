// Package events fans file change events out to server-sent event streams.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/fruitsalade/ossdrive/internal/metadata"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

const (
	EventCreate = "create"
	EventModify = "modify"
	EventDelete = "delete"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 64

// Broadcaster manages subscribers and publishes events. It implements
// metadata.Notifier so finished uploads and drive operations reach live
// clients.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan protocol.FileEvent]string
}

var _ metadata.Notifier = (*Broadcaster)(nil)

// NewBroadcaster creates an event broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan protocol.FileEvent]string),
	}
}

// Subscribe registers a subscriber for owner's events. An empty owner
// receives everything. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(owner string) chan protocol.FileEvent {
	ch := make(chan protocol.FileEvent, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = owner
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan protocol.FileEvent) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish sends an event to every matching subscriber without blocking;
// a subscriber whose buffer is full misses the event.
func (b *Broadcaster) Publish(event protocol.FileEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, owner := range b.subscribers {
		if owner != "" && owner != event.Owner {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func eventFor(kind string, n metadata.Notification) protocol.FileEvent {
	p := "/" + path.Join(n.RootFolder, n.ObjectKey)
	if n.IsFolder() {
		p += "/"
	}
	return protocol.FileEvent{
		Type:  kind,
		Path:  p,
		Owner: n.Owner,
		Size:  n.Size,
		Hash:  n.ETag,
	}
}

func (b *Broadcaster) FileCreated(_ context.Context, n metadata.Notification) error {
	b.Publish(eventFor(EventCreate, n))
	return nil
}

func (b *Broadcaster) FileUpdated(_ context.Context, n metadata.Notification) error {
	b.Publish(eventFor(EventModify, n))
	return nil
}

func (b *Broadcaster) FileDeleted(_ context.Context, n metadata.Notification) error {
	b.Publish(eventFor(EventDelete, n))
	return nil
}

// ServeSSE streams owner's events to w until the request ends.
func (b *Broadcaster) ServeSSE(w http.ResponseWriter, r *http.Request, owner string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(owner)
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
