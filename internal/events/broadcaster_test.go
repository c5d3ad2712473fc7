package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/ossdrive/internal/metadata"
	"github.com/fruitsalade/ossdrive/pkg/protocol"
)

func receive(t *testing.T, ch chan protocol.FileEvent) protocol.FileEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return protocol.FileEvent{}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe("alice")
	ch2 := b.Subscribe("")
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Count())
	}
	b.Unsubscribe(ch2)
	if _, ok := <-ch2; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestPublishFiltersByOwner(t *testing.T) {
	b := NewBroadcaster()
	alice := b.Subscribe("alice")
	all := b.Subscribe("")
	defer b.Unsubscribe(alice)
	defer b.Unsubscribe(all)

	b.Publish(protocol.FileEvent{Type: EventCreate, Path: "/oss/bob.txt", Owner: "bob"})
	b.Publish(protocol.FileEvent{Type: EventCreate, Path: "/oss/alice.txt", Owner: "alice"})

	if got := receive(t, alice); got.Path != "/oss/alice.txt" || got.Timestamp == 0 {
		t.Errorf("alice got %+v", got)
	}
	if got := receive(t, all); got.Path != "/oss/bob.txt" {
		t.Errorf("unfiltered subscriber got %+v first", got)
	}
	if got := receive(t, all); got.Path != "/oss/alice.txt" {
		t.Errorf("unfiltered subscriber got %+v second", got)
	}
}

func TestDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(protocol.FileEvent{Type: EventCreate, Path: "/overflow.txt"})
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriberBuffer, len(ch))
	}
}

func TestNotifier(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("carol")
	defer b.Unsubscribe(ch)
	ctx := context.Background()

	b.FileCreated(ctx, metadata.Notification{Owner: "carol", RootFolder: "oss", ObjectKey: "a/b.txt", Size: 3, ETag: "x"})
	b.FileUpdated(ctx, metadata.Notification{Owner: "carol", RootFolder: "oss", ObjectKey: "a/b.txt"})
	b.FileDeleted(ctx, metadata.Notification{Owner: "carol", RootFolder: "oss", ObjectKey: "a/"})

	want := []protocol.FileEvent{
		{Type: EventCreate, Path: "/oss/a/b.txt", Size: 3, Hash: "x"},
		{Type: EventModify, Path: "/oss/a/b.txt"},
		{Type: EventDelete, Path: "/oss/a/"},
	}
	for _, w := range want {
		got := receive(t, ch)
		if got.Type != w.Type || got.Path != w.Path || got.Size != w.Size || got.Hash != w.Hash || got.Owner != "carol" {
			t.Errorf("got %+v, want %+v", got, w)
		}
	}
}

func TestServeSSE(t *testing.T) {
	b := NewBroadcaster()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.ServeSSE(w, r, "dave")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	for deadline := time.Now().Add(2 * time.Second); b.Count() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(protocol.FileEvent{Type: EventCreate, Path: "/oss/x.bin", Owner: "dave"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 || lines[0] != "event: create" {
		t.Fatalf("unexpected stream %q", lines)
	}
	var got protocol.FileEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &got); err != nil {
		t.Fatalf("decode %q: %v", lines[1], err)
	}
	if got.Path != "/oss/x.bin" {
		t.Errorf("event path = %q", got.Path)
	}
}
