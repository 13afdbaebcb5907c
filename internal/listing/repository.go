package listing

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog/log"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID string
	Status Status
	Type   Type
	Limit  int
}

// Match reports whether l passes the filter.
func (f Filter) Match(l *Listing) bool {
	if f.UserID != "" && l.UserID != f.UserID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.Type != "" && l.Type() != f.Type {
		return false
	}
	return true
}

// Repository persists listings.
type Repository interface {
	// Create stores a new listing and returns it with its assigned ID and timestamps.
	Create(ctx context.Context, l *Listing) (*Listing, error)
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, id string, patch Patch) (*Listing, error)
	Delete(ctx context.Context, id string) error
	// List returns matching listings, newest first.
	List(ctx context.Context, f Filter) ([]*Listing, error)
}

// Mirror is a local copy of listings kept in sync with the primary store.
type Mirror interface {
	Put(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*Listing, error)
}

// FallbackRepository writes to a primary store and mirrors every successful
// write into a local cache. Reads use the primary and fall back to the cache
// when the primary is unreachable. Write failures on the primary are returned
// unchanged; mirror failures are only logged.
type FallbackRepository struct {
	primary Repository
	cache   Mirror
}

// NewFallbackRepository creates a repository over primary backed by cache.
func NewFallbackRepository(primary Repository, cache Mirror) *FallbackRepository {
	return &FallbackRepository{primary: primary, cache: cache}
}

func (r *FallbackRepository) Create(ctx context.Context, l *Listing) (*Listing, error) {
	created, err := r.primary.Create(ctx, l)
	if err != nil {
		return nil, err
	}
	r.mirror(ctx, created)
	return created, nil
}

func (r *FallbackRepository) Get(ctx context.Context, id string) (*Listing, error) {
	l, err := r.primary.Get(ctx, id)
	if err == nil {
		r.mirror(ctx, l)
		return l, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	log.Warn().Err(err).Str("listingId", id).Msg("primary listing store unavailable, reading from cache")
	cached, cacheErr := r.cache.Get(ctx, id)
	if cacheErr != nil {
		return nil, err
	}
	return cached, nil
}

func (r *FallbackRepository) Update(ctx context.Context, id string, patch Patch) (*Listing, error) {
	updated, err := r.primary.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	r.mirror(ctx, updated)
	return updated, nil
}

func (r *FallbackRepository) Delete(ctx context.Context, id string) error {
	if err := r.primary.Delete(ctx, id); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("listingId", id).Msg("failed to remove listing from cache")
	}
	return nil
}

func (r *FallbackRepository) List(ctx context.Context, f Filter) ([]*Listing, error) {
	listings, err := r.primary.List(ctx, f)
	if err == nil {
		for _, l := range listings {
			r.mirror(ctx, l)
		}
		return listings, nil
	}
	log.Warn().Err(err).Msg("primary listing store unavailable, listing from cache")
	cached, cacheErr := r.cache.List(ctx, f)
	if cacheErr != nil {
		return nil, err
	}
	return cached, nil
}

func (r *FallbackRepository) mirror(ctx context.Context, l *Listing) {
	if err := r.cache.Put(ctx, l); err != nil {
		log.Warn().Err(err).Str("listingId", l.ID).Msg("failed to mirror listing to cache")
	}
}

// SortNewestFirst orders listings by creation time, newest first.
func SortNewestFirst(listings []*Listing) {
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].CreatedAt.After(listings[j].CreatedAt)
	})
}
