package metadata

import (
	"context"
	"errors"
	"testing"
)

type counting struct {
	created, updated, deleted int
	err                       error
}

func (c *counting) FileCreated(context.Context, Notification) error { c.created++; return c.err }
func (c *counting) FileUpdated(context.Context, Notification) error { c.updated++; return c.err }
func (c *counting) FileDeleted(context.Context, Notification) error { c.deleted++; return c.err }

func TestFanoutContinuesPastFailures(t *testing.T) {
	boom := errors.New("db down")
	failing := &counting{err: boom}
	ok := &counting{}
	f := Fanout{failing, nil, ok}
	n := Notification{Owner: "alice", ObjectKey: "a.txt"}

	err := f.FileCreated(context.Background(), n)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want joined db error", err)
	}
	if ok.created != 1 || failing.created != 1 {
		t.Errorf("created calls = %d/%d", failing.created, ok.created)
	}

	f.FileUpdated(context.Background(), n)
	f.FileDeleted(context.Background(), n)
	if ok.updated != 1 || ok.deleted != 1 {
		t.Errorf("updated/deleted = %d/%d", ok.updated, ok.deleted)
	}

	if err := (Fanout{ok}).FileCreated(context.Background(), n); err != nil {
		t.Errorf("healthy fanout returned %v", err)
	}
}

func TestNotificationIsFolder(t *testing.T) {
	if !(Notification{ObjectKey: "a/"}).IsFolder() || (Notification{ObjectKey: "a"}).IsFolder() {
		t.Error("IsFolder mismatch")
	}
}
