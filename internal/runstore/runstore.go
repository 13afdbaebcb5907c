// Package runstore keeps the latest snapshot of each bulk run so progress can
// be polled after the run has finished.
package runstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/intake"
)

// DefaultTTL is how long a finished run stays readable.
const DefaultTTL = 24 * time.Hour

var ErrNotFound = errors.New("run not found")

// Store saves run snapshots by run ID.
type Store interface {
	Save(ctx context.Context, snap bulk.Snapshot) error
	Get(ctx context.Context, runID string) (*bulk.Snapshot, error)
}

// slim drops photo data from a snapshot. Archived runs only keep photo
// metadata; the previews stay with the session.
func slim(snap bulk.Snapshot) bulk.Snapshot {
	items := make([]bulk.ItemView, len(snap.Items))
	for i, it := range snap.Items {
		photos := make([]intake.Preview, len(it.Photos))
		for j, p := range it.Photos {
			p.URL = ""
			photos[j] = p
		}
		it.Photos = photos
		if it.Generated != nil {
			g := it.Generated.Clone()
			for j := range g.Photos {
				g.Photos[j].URL = ""
			}
			it.Generated = g
		}
		items[i] = it
	}
	snap.Items = items
	return snap
}

type memoryEntry struct {
	snap    bulk.Snapshot
	expires time.Time
}

// Memory is an in-process Store. Entries expire after the TTL.
type Memory struct {
	mu   sync.RWMutex
	ttl  time.Duration
	runs map[string]memoryEntry
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, runs: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Save(ctx context.Context, snap bulk.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, e := range m.runs {
		if now.After(e.expires) {
			delete(m.runs, id)
		}
	}
	m.runs[snap.Run.ID] = memoryEntry{snap: slim(snap), expires: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Get(ctx context.Context, runID string) (*bulk.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.runs[runID]
	if !ok || m.now().After(e.expires) {
		return nil, ErrNotFound
	}
	snap := e.snap
	return &snap, nil
}
