// Package metadata defines the hook the upload and drive layers call once a
// change to stored objects is final. Implementations mirror the change into
// the metadata store and the event stream.
package metadata

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/logging"
)

// Notification identifies one changed object.
type Notification struct {
	Owner      string
	ObjectKey  string
	RootFolder string
	Size       int64
	ETag       string
	ModTime    time.Time
}

// IsFolder reports whether the notification concerns a folder marker.
func (n Notification) IsFolder() bool {
	return len(n.ObjectKey) > 0 && n.ObjectKey[len(n.ObjectKey)-1] == '/'
}

// Notifier receives file change notifications.
type Notifier interface {
	FileCreated(ctx context.Context, n Notification) error
	FileUpdated(ctx context.Context, n Notification) error
	FileDeleted(ctx context.Context, n Notification) error
}

// Fanout delivers every notification to each notifier in order. A failing
// notifier is logged and does not stop the others. The change itself has
// already happened, so errors are joined and returned for the caller to log.
type Fanout []Notifier

func (f Fanout) each(ctx context.Context, kind string, n Notification, call func(Notifier) error) error {
	var errs []error
	for _, target := range f {
		if target == nil {
			continue
		}
		if err := call(target); err != nil {
			logging.WithContext(ctx).Warn("metadata notification failed",
				zap.String("kind", kind),
				zap.String("owner", n.Owner),
				zap.String("key", n.ObjectKey),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileCreated implements Notifier.
func (f Fanout) FileCreated(ctx context.Context, n Notification) error {
	return f.each(ctx, "created", n, func(t Notifier) error { return t.FileCreated(ctx, n) })
}

// FileUpdated implements Notifier.
func (f Fanout) FileUpdated(ctx context.Context, n Notification) error {
	return f.each(ctx, "updated", n, func(t Notifier) error { return t.FileUpdated(ctx, n) })
}

// FileDeleted implements Notifier.
func (f Fanout) FileDeleted(ctx context.Context, n Notification) error {
	return f.each(ctx, "deleted", n, func(t Notifier) error { return t.FileDeleted(ctx, n) })
}

// Nop discards notifications.
type Nop struct{}

func (Nop) FileCreated(context.Context, Notification) error { return nil }
func (Nop) FileUpdated(context.Context, Notification) error { return nil }
func (Nop) FileDeleted(context.Context, Notification) error { return nil }
