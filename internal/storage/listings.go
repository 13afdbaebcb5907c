package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shelfie/shelfie/internal/listing"
)

type listingRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Type      string `db:"type"`
	Status    string `db:"status"`
	Record    string `db:"record"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func toRow(l *listing.Listing) (listingRow, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return listingRow{}, fmt.Errorf("failed to marshal listing: %w", err)
	}
	return listingRow{
		ID:        l.ID,
		UserID:    l.UserID,
		Type:      string(l.Type()),
		Status:    string(l.Status),
		Record:    string(data),
		CreatedAt: l.CreatedAt.UnixNano(),
		UpdatedAt: l.UpdatedAt.UnixNano(),
	}, nil
}

func (r listingRow) listing() (*listing.Listing, error) {
	var l listing.Listing
	if err := json.Unmarshal([]byte(r.Record), &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal listing %s: %w", r.ID, err)
	}
	return &l, nil
}

// Create inserts a new listing. It fails if the id is already taken.
func (s *SQLiteStore) Create(ctx context.Context, l *listing.Listing) (*listing.Listing, error) {
	created := l.Clone()
	listing.PrepareForCreate(created, s.now())

	row, err := toRow(created)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO listings (id, user_id, type, status, record, created_at, updated_at)
		VALUES (:id, :user_id, :type, :status, :record, :created_at, :updated_at)
	`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert listing: %w", err)
	}
	return created, nil
}

// Put inserts or replaces a listing as-is. Used to mirror the hosted backend.
func (s *SQLiteStore) Put(ctx context.Context, l *listing.Listing) error {
	row, err := toRow(l)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO listings (id, user_id, type, status, record, created_at, updated_at)
		VALUES (:id, :user_id, :type, :status, :record, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			type = excluded.type,
			status = excluded.status,
			record = excluded.record,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, row)
	if err != nil {
		return fmt.Errorf("failed to save listing: %w", err)
	}
	return nil
}

// Get returns a listing by id, or listing.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

func (s *SQLiteStore) get(ctx context.Context, id string) (*listing.Listing, error) {
	var row listingRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM listings WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, listing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query listing: %w", err)
	}
	return row.listing()
}

// Update applies patch to the listing with the given id.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch listing.Patch) (*listing.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := patch.Apply(l, s.now().UTC()); err != nil {
		return nil, err
	}
	row, err := toRow(l)
	if err != nil {
		return nil, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE listings SET type = :type, status = :status, record = :record, updated_at = :updated_at
		WHERE id = :id
	`, row)
	if err != nil {
		return nil, fmt.Errorf("failed to update listing: %w", err)
	}
	return l, nil
}

// Delete removes a listing, returning listing.ErrNotFound if it does not exist.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM listings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return listing.ErrNotFound
	}
	return nil
}

// List returns the listings matching f, newest first.
func (s *SQLiteStore) List(ctx context.Context, f listing.Filter) ([]*listing.Listing, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}

	query := "SELECT * FROM listings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []listingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	listings := make([]*listing.Listing, 0, len(rows))
	for _, r := range rows {
		l, err := r.listing()
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// SetClock replaces the time source used for listing timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}
