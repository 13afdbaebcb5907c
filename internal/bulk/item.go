package bulk

import (
	"fmt"
	"time"

	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
)

// ItemStatus is the lifecycle state of a bulk item.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusAnalyzing ItemStatus = "analyzing"
	StatusCompleted ItemStatus = "completed"
	StatusError     ItemStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAnalyzing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible within a run.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether a run may move an item from one status to
// another: pending -> analyzing -> completed | error.
func CanTransition(from, to ItemStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusAnalyzing
	case StatusAnalyzing:
		return to == StatusCompleted || to == StatusError
	}
	return false
}

type item struct {
	id        string
	photos    []intake.Photo
	status    ItemStatus
	err       string
	generated *listing.Listing
	analysis  *llm.Analysis
}

func (it *item) transition(to ItemStatus) {
	if !CanTransition(it.status, to) {
		panic(fmt.Sprintf("bulk: invalid transition of %s from %s to %s", it.id, it.status, to))
	}
	it.status = to
}

func (it *item) view() ItemView {
	v := ItemView{
		ID:     it.id,
		Status: it.status,
		Error:  it.err,
		Photos: make([]intake.Preview, len(it.photos)),
	}
	for i, p := range it.photos {
		v.Photos[i] = p.Preview()
	}
	if it.generated != nil {
		v.Generated = it.generated.Clone()
	}
	if it.analysis != nil {
		a := *it.analysis
		v.Analysis = &a
	}
	return v
}

// ItemView is a read-only copy of a bulk item.
type ItemView struct {
	ID        string           `json:"id"`
	Status    ItemStatus       `json:"status"`
	Error     string           `json:"error,omitempty"`
	Photos    []intake.Preview `json:"photos"`
	Generated *listing.Listing `json:"generatedListing,omitempty"`
	Analysis  *llm.Analysis    `json:"analysis,omitempty"`
}

// Run is the progress of one pipeline invocation.
type Run struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId,omitempty"`
	Total       int       `json:"total"`
	Processed   int       `json:"processed"`
	Succeeded   int       `json:"succeeded"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	Canceled    bool      `json:"canceled,omitempty"`
}

// ProgressPercent returns Processed/Total as a percentage.
func (r Run) ProgressPercent() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Processed) / float64(r.Total) * 100
}

// Failed returns the number of processed items that did not succeed.
func (r Run) Failed() int {
	return r.Processed - r.Succeeded
}

// Done reports whether the run has finished.
func (r Run) Done() bool {
	return !r.CompletedAt.IsZero()
}

// Snapshot is the state of a run and its items at one point in time.
type Snapshot struct {
	Run      Run        `json:"run"`
	Progress float64    `json:"progress"`
	Failed   int        `json:"failed"`
	Items    []ItemView `json:"items"`
}

func newSnapshot(run Run, items []ItemView) Snapshot {
	return Snapshot{
		Run:      run,
		Progress: run.ProgressPercent(),
		Failed:   run.Failed(),
		Items:    items,
	}
}
