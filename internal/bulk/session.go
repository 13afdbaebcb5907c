package bulk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
)

// DefaultMaxPhotos is the default number of photos kept per item.
const DefaultMaxPhotos = 4

var (
	ErrItemNotFound    = errors.New("bulk item not found")
	ErrItemLocked      = errors.New("bulk item is being processed")
	ErrNoEligibleItems = errors.New("add photos to at least one item before processing")
	ErrRunInProgress   = errors.New("a bulk run is already in progress")
	ErrItemNotFailed   = errors.New("only failed items can be reset")
)

// Session is the working set of bulk items. It is safe for concurrent use;
// items taking part in an active run are locked against edits.
type Session struct {
	id        string
	maxPhotos int

	mu      sync.Mutex
	items   []*item
	nextID  int
	locked  map[string]bool
	running bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMaxPhotos sets the number of photos kept per item.
func WithMaxPhotos(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.maxPhotos = n
		}
	}
}

// NewSession creates an empty session holding DefaultMaxPhotos per item
// unless WithMaxPhotos says otherwise.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		id:        uuid.NewString(),
		maxPhotos: DefaultMaxPhotos,
		locked:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID identifies the session in run snapshots.
func (s *Session) ID() string { return s.id }

func (s *Session) MaxPhotos() int { return s.maxPhotos }

// AddItem appends an empty pending item.
func (s *Session) AddItem() ItemView {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	it := &item{id: fmt.Sprintf("item_%d", s.nextID), status: StatusPending, photos: []intake.Photo{}}
	s.items = append(s.items, it)
	return it.view()
}

// RemoveItem deletes an item from the working set.
func (s *Session) RemoveItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.indexLocked(id)
	if err != nil {
		return err
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return nil
}

// SetPhotos replaces an item's photos, keeping the first MaxPhotos.
func (s *Session) SetPhotos(id string, photos []intake.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.indexLocked(id)
	if err != nil {
		return err
	}
	s.items[i].photos = s.capPhotos(nil, photos)
	return nil
}

// AppendPhotos adds photos to an item until it holds MaxPhotos. It returns
// how many were added.
func (s *Session) AppendPhotos(id string, photos []intake.Photo) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.indexLocked(id)
	if err != nil {
		return 0, err
	}
	before := len(s.items[i].photos)
	s.items[i].photos = s.capPhotos(s.items[i].photos, photos)
	return len(s.items[i].photos) - before, nil
}

func (s *Session) capPhotos(existing, added []intake.Photo) []intake.Photo {
	out := make([]intake.Photo, 0, s.maxPhotos)
	out = append(out, existing...)
	for _, p := range added {
		if len(out) >= s.maxPhotos {
			break
		}
		out = append(out, p)
	}
	return out
}

// ResetItem returns a failed item to pending so the next run retries it.
func (s *Session) ResetItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, err := s.indexLocked(id)
	if err != nil {
		return err
	}
	it := s.items[i]
	if it.status != StatusError {
		return ErrItemNotFailed
	}
	it.status = StatusPending
	it.err = ""
	it.analysis = nil
	return nil
}

// indexLocked finds an editable item. Callers must hold s.mu.
func (s *Session) indexLocked(id string) (int, error) {
	for i, it := range s.items {
		if it.id == id {
			if s.locked[id] {
				return -1, ErrItemLocked
			}
			return i, nil
		}
	}
	return -1, ErrItemNotFound
}

// Items returns all items in collection order.
func (s *Session) Items() []ItemView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewsLocked()
}

func (s *Session) viewsLocked() []ItemView {
	views := make([]ItemView, len(s.items))
	for i, it := range s.items {
		views[i] = it.view()
	}
	return views
}

// Item returns a single item.
func (s *Session) Item(id string) (ItemView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.id == id {
			return it.view(), true
		}
	}
	return ItemView{}, false
}

// Running reports whether a run is active.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// workItem is the part of an item a run works on, copied at run start.
type workItem struct {
	id     string
	photos []intake.Photo
}

// begin snapshots the eligible items in collection order and locks them.
// Pending items with at least one photo are eligible.
func (s *Session) begin() ([]workItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrRunInProgress
	}
	var work []workItem
	for _, it := range s.items {
		if it.status == StatusPending && len(it.photos) > 0 {
			work = append(work, workItem{id: it.id, photos: append([]intake.Photo(nil), it.photos...)})
		}
	}
	if len(work) == 0 {
		return nil, ErrNoEligibleItems
	}
	s.running = true
	for _, w := range work {
		s.locked[w.id] = true
	}
	return work, nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.locked = make(map[string]bool)
}

// update applies fn to a locked item and returns the views of all items.
func (s *Session) update(id string, fn func(it *item)) []ItemView {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.id == id {
			fn(it)
			break
		}
	}
	return s.viewsLocked()
}

func (s *Session) markAnalyzing(id string) []ItemView {
	return s.update(id, func(it *item) {
		it.transition(StatusAnalyzing)
	})
}

func (s *Session) markCompleted(id string, l *listing.Listing, a *llm.Analysis) []ItemView {
	return s.update(id, func(it *item) {
		it.transition(StatusCompleted)
		it.generated = l
		it.analysis = a
	})
}

func (s *Session) markFailed(id, msg string, a *llm.Analysis) []ItemView {
	return s.update(id, func(it *item) {
		it.transition(StatusError)
		it.err = msg
		it.analysis = a
	})
}

func (s *Session) views() []ItemView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewsLocked()
}
