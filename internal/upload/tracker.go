package upload

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/ossdrive/internal/metrics"
)

// ErrNotTracked is returned by RecordPart when the upload has no cache entry,
// either because it was never loaded or because it was invalidated or swept.
var ErrNotTracked = errors.New("upload not tracked")

// PartSet is the set of part numbers the backend has confirmed for one
// upload. It only grows; it is dropped as a whole on invalidation.
type PartSet struct {
	mu    sync.Mutex
	parts map[int]struct{}
}

// NewPartSet returns a set seeded with nums.
func NewPartSet(nums []int) *PartSet {
	p := &PartSet{parts: make(map[int]struct{}, len(nums))}
	for _, n := range nums {
		p.parts[n] = struct{}{}
	}
	return p
}

// Add inserts n and reports whether it was new along with the resulting size.
// The size is read under the same lock as the insert, so exactly one caller
// observes each size value.
func (p *PartSet) Add(n int) (added bool, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.parts[n]; !ok {
		p.parts[n] = struct{}{}
		added = true
	}
	return added, len(p.parts)
}

// Contains reports whether n is in the set.
func (p *PartSet) Contains(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.parts[n]
	return ok
}

// Len returns the number of confirmed parts.
func (p *PartSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parts)
}

// Sorted returns the part numbers in ascending order.
func (p *PartSet) Sorted() []int {
	p.mu.Lock()
	nums := make([]int, 0, len(p.parts))
	for n := range p.parts {
		nums = append(nums, n)
	}
	p.mu.Unlock()
	sort.Ints(nums)
	return nums
}

// Loader fetches the authoritative part list from the backend.
type Loader func(ctx context.Context) ([]int, error)

// Entry describes one tracked upload.
type Entry struct {
	UploadID  string
	ObjectKey string
	Touched   time.Time
	Parts     *PartSet
}

type entry struct {
	objectKey string
	parts     *PartSet
	touched   time.Time
}

// Tracker caches the PartSet of every in-flight upload, keyed by upload ID.
// It is the only mutable state shared between upload requests. Backend I/O
// (the loader) runs outside the map lock.
type Tracker struct {
	loads singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry

	now func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (t *Tracker) lookup(uploadID string) (*PartSet, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[uploadID]
	if !ok {
		return nil, false
	}
	e.touched = t.now()
	return e.parts, true
}

// GetOrLoad returns the cached PartSet for uploadID. On a miss, loader runs
// once no matter how many callers arrive together; they all receive the same
// PartSet. A failed load is not cached. The loader does not inherit ctx's
// cancellation, since callers that joined the load depend on it too.
func (t *Tracker) GetOrLoad(ctx context.Context, uploadID, objectKey string, loader Loader) (*PartSet, error) {
	if parts, ok := t.lookup(uploadID); ok {
		return parts, nil
	}

	ctx = context.WithoutCancel(ctx)
	v, err, _ := t.loads.Do(uploadID, func() (interface{}, error) {
		if parts, ok := t.lookup(uploadID); ok {
			return parts, nil
		}
		nums, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		metrics.RecordTrackerLoad()

		parts := NewPartSet(nums)
		t.mu.Lock()
		t.entries[uploadID] = &entry{objectKey: objectKey, parts: parts, touched: t.now()}
		n := len(t.entries)
		t.mu.Unlock()
		metrics.SetTrackerSessions(n)
		return parts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PartSet), nil
}

// RecordPart adds a confirmed part number. It returns ErrNotTracked when the
// upload has no entry.
func (t *Tracker) RecordPart(uploadID string, partNumber int) (added bool, size int, err error) {
	parts, ok := t.lookup(uploadID)
	if !ok {
		return false, 0, ErrNotTracked
	}
	added, size = parts.Add(partNumber)
	return added, size, nil
}

// Has reports whether uploadID is tracked.
func (t *Tracker) Has(uploadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[uploadID]
	return ok
}

// Tracking reports whether any upload of objectKey is tracked.
func (t *Tracker) Tracking(objectKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.objectKey == objectKey {
			return true
		}
	}
	return false
}

// Invalidate drops the entry for uploadID.
func (t *Tracker) Invalidate(uploadID string) {
	t.mu.Lock()
	delete(t.entries, uploadID)
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetTrackerSessions(n)
}

// Len returns the number of tracked uploads.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep evicts entries untouched for longer than maxAge and returns them.
func (t *Tracker) Sweep(maxAge time.Duration) []Entry {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	var evicted []Entry
	for id, e := range t.entries {
		if e.touched.Before(cutoff) {
			evicted = append(evicted, Entry{
				UploadID:  id,
				ObjectKey: e.objectKey,
				Touched:   e.touched,
				Parts:     e.parts,
			})
			delete(t.entries, id)
		}
	}
	n := len(t.entries)
	t.mu.Unlock()

	metrics.SetTrackerSessions(n)
	if len(evicted) > 0 {
		metrics.RecordSweep(len(evicted))
	}
	return evicted
}
