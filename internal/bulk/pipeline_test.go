package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type analyzerMock struct{ mock.Mock }

func (m *analyzerMock) Analyze(ctx context.Context, images []llm.Image) (*llm.Analysis, error) {
	args := m.Called(ctx, images)
	if fn, ok := args.Get(0).(func(context.Context) (*llm.Analysis, error)); ok {
		return fn(ctx)
	}
	a, _ := args.Get(0).(*llm.Analysis)
	return a, args.Error(1)
}

type generatorMock struct{ mock.Mock }

func (m *generatorMock) GenerateListing(ctx context.Context, req llm.GenerateRequest) (*llm.ListingDraft, error) {
	args := m.Called(ctx, req)
	d, _ := args.Get(0).(*llm.ListingDraft)
	return d, args.Error(1)
}

type pricerMock struct{ mock.Mock }

func (m *pricerMock) SuggestPrice(ctx context.Context, a *llm.Analysis, lc llm.ListingContext) (*llm.PriceSuggestion, error) {
	args := m.Called(ctx, a, lc)
	p, _ := args.Get(0).(*llm.PriceSuggestion)
	return p, args.Error(1)
}

// memRepo stores created listings in memory. Create fails for titles listed in failTitles.
type memRepo struct {
	mu         sync.Mutex
	created    []*listing.Listing
	failTitles map[string]error
}

func (r *memRepo) Create(ctx context.Context, l *listing.Listing) (*listing.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failTitles[l.Title]; err != nil {
		return nil, err
	}
	c := l.Clone()
	listing.PrepareForCreate(c, time.Now())
	r.created = append(r.created, c)
	return c, nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*listing.Listing, error) {
	return nil, listing.ErrNotFound
}

func (r *memRepo) Update(ctx context.Context, id string, p listing.Patch) (*listing.Listing, error) {
	return nil, listing.ErrNotFound
}

func (r *memRepo) Delete(ctx context.Context, id string) error { return listing.ErrNotFound }

func (r *memRepo) List(ctx context.Context, f listing.Filter) ([]*listing.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*listing.Listing(nil), r.created...), nil
}

type fixture struct {
	analyzer  *analyzerMock
	generator *generatorMock
	repo      *memRepo
	pipeline  *Pipeline
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		analyzer:  new(analyzerMock),
		generator: new(generatorMock),
		repo:      &memRepo{},
	}
	opts = append([]Option{WithCooldown(0)}, opts...)
	f.pipeline = NewPipeline(Dependencies{
		Analyzer:   f.analyzer,
		Generator:  f.generator,
		Repository: f.repo,
	}, opts...)
	return f
}

func sessionWithItems(t *testing.T, photoCounts ...int) (*Session, []string) {
	s := NewSession()
	ids := make([]string, len(photoCounts))
	for i, n := range photoCounts {
		it := s.AddItem()
		ids[i] = it.ID
		if n > 0 {
			require.NoError(t, s.SetPhotos(it.ID, makePhotos(t, n)))
		}
	}
	return s, ids
}

func chair() *llm.Analysis {
	return &llm.Analysis{Category: "Chair", Brand: "Artek", Condition: "Like New"}
}

type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) analyzingOrder() []string {
	var order []string
	for _, snap := range r.snapshots {
		for _, it := range snap.Items {
			if it.Status == StatusAnalyzing && (len(order) == 0 || order[len(order)-1] != it.ID) {
				order = append(order, it.ID)
			}
		}
	}
	return order
}

func TestRun_ScenarioOneSucceedsOneRateLimited(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, errors.New("rate limited")).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).
		Return(&llm.ListingDraft{Title: "Oak Chair", Price: 45}, nil).Once()

	run, err := f.pipeline.Run(context.Background(), s, RunOptions{ListingType: listing.TypeFacebook})
	require.NoError(t, err)

	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 2, run.Processed)
	assert.True(t, run.Done())

	first, _ := s.Item(ids[0])
	assert.Equal(t, StatusCompleted, first.Status)
	require.NotNil(t, first.Generated)
	assert.Equal(t, "Oak Chair", first.Generated.Title)
	assert.Equal(t, 45.0, first.Generated.Price)
	assert.Empty(t, first.Error)

	second, _ := s.Item(ids[1])
	assert.Equal(t, StatusError, second.Status)
	assert.Equal(t, "rate limited", second.Error)
	assert.Nil(t, second.Generated)

	require.Len(t, f.repo.created, 1)
	f.analyzer.AssertExpectations(t)
	f.generator.AssertExpectations(t)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1, 2, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, errors.New("vision unavailable")).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil).Twice()

	run, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 2, run.Succeeded)

	statuses := []ItemStatus{}
	for _, id := range ids {
		v, _ := s.Item(id)
		statuses = append(statuses, v.Status)
	}
	assert.Equal(t, []ItemStatus{StatusCompleted, StatusError, StatusCompleted}, statuses)
}

func TestRun_NoEligibleItems(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 0, 0)
	rec := &recorder{}

	run, err := f.pipeline.Run(context.Background(), s, RunOptions{OnUpdate: rec.record})
	assert.ErrorIs(t, err, ErrNoEligibleItems)
	assert.Nil(t, run)
	assert.Empty(t, rec.snapshots)
	assert.False(t, s.Running())

	for _, id := range ids {
		v, _ := s.Item(id)
		assert.Equal(t, StatusPending, v.Status)
	}
	f.analyzer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestRun_EmptySession(t *testing.T) {
	_, err := newFixture().pipeline.Run(context.Background(), NewSession(), RunOptions{})
	assert.ErrorIs(t, err, ErrNoEligibleItems)
}

func TestRun_AllItemsFailed(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, errors.New("quota exceeded")).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(&llm.Analysis{Category: "unknown"}, nil).Once()

	run, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	assert.ErrorIs(t, err, ErrAllItemsFailed)
	require.NotNil(t, run)
	assert.Equal(t, 0, run.Succeeded)
	assert.Equal(t, 2, run.Processed)

	first, _ := s.Item(ids[0])
	second, _ := s.Item(ids[1])
	assert.Equal(t, "quota exceeded", first.Error)
	assert.Equal(t, llm.ErrUnidentifiedItem.Error(), second.Error)
}

func TestRun_MonotonicProgress(t *testing.T) {
	f := newFixture()
	s, _ := sessionWithItems(t, 1, 1, 1, 1)
	rec := &recorder{}

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil).Twice()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	run, err := f.pipeline.Run(context.Background(), s, RunOptions{OnUpdate: rec.record})
	require.NoError(t, err)

	require.NotEmpty(t, rec.snapshots)
	last := -1.0
	processed := -1
	for _, snap := range rec.snapshots {
		assert.GreaterOrEqual(t, snap.Progress, last)
		assert.GreaterOrEqual(t, snap.Run.Processed, processed)
		last = snap.Progress
		processed = snap.Run.Processed
	}

	final := rec.snapshots[len(rec.snapshots)-1]
	assert.True(t, final.Run.Done())
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, 100.0, run.ProgressPercent())
	assert.Equal(t, 2, final.Failed)
}

func TestRun_PreservesCollectionOrder(t *testing.T) {
	f := newFixture()
	s := NewSession()
	var withPhotos []string
	for i := 0; i < 5; i++ {
		it := s.AddItem()
		if i != 2 {
			require.NoError(t, s.SetPhotos(it.ID, makePhotos(t, 1)))
			withPhotos = append(withPhotos, it.ID)
		}
	}
	// Removing and re-adding moves an item to the end.
	require.NoError(t, s.RemoveItem(withPhotos[0]))
	moved := s.AddItem()
	require.NoError(t, s.SetPhotos(moved.ID, makePhotos(t, 1)))
	expected := append(withPhotos[1:], moved.ID)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	rec := &recorder{}
	run, err := f.pipeline.Run(context.Background(), s, RunOptions{OnUpdate: rec.record})
	require.NoError(t, err)

	assert.Equal(t, len(expected), run.Total)
	assert.Equal(t, expected, rec.analyzingOrder())
}

func TestRun_OnlyFirstFourPhotosAreAnalyzed(t *testing.T) {
	f := newFixture()
	s := NewSession()
	it := s.AddItem()
	require.NoError(t, s.SetPhotos(it.ID, makePhotos(t, 6)))

	f.analyzer.On("Analyze", mock.Anything, mock.MatchedBy(func(images []llm.Image) bool {
		return len(images) == 4
	})).Return(chair(), nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	require.NoError(t, err)
	f.analyzer.AssertExpectations(t)

	require.Len(t, f.repo.created, 1)
	assert.Len(t, f.repo.created[0].Photos, 4)
}

func TestRun_MergesFallbacks(t *testing.T) {
	f := newFixture()
	pricer := new(pricerMock)
	f.pipeline.deps.Pricer = pricer
	s, _ := sessionWithItems(t, 1, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.MatchedBy(func(req llm.GenerateRequest) bool {
		return req.Type == listing.TypeFacebook && req.Analysis.Category == "Chair" && req.Context.Brand == "Artek"
	})).Return(&llm.ListingDraft{Title: strings.Repeat("T", 80), Keywords: []string{"chair"}}, nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).
		Return(&llm.ListingDraft{Title: "Priced", Price: 12, Category: "Seating", Condition: "Fair"}, nil).Once()
	pricer.On("SuggestPrice", mock.Anything, mock.Anything, mock.Anything).
		Return(&llm.PriceSuggestion{SuggestedPrice: 30, PriceRange: llm.PriceRange{Min: 20, Max: 40}}, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{
		ListingType: listing.TypeFacebook,
		UserID:      "u1",
		Context:     llm.ListingContext{Brand: "Artek"},
	})
	require.NoError(t, err)
	require.Len(t, f.repo.created, 2)

	l := f.repo.created[0]
	assert.Len(t, []rune(l.Title), llm.MaxTitleLength)
	assert.Equal(t, 30.0, l.Price, "pricing is used when the generator has no price")
	assert.Equal(t, "Chair", l.Category)
	assert.Equal(t, "Artek", l.Brand)
	assert.Equal(t, "Like New", l.Condition)
	assert.Equal(t, listing.StatusDraft, l.Status)
	assert.Equal(t, "u1", l.UserID)
	require.NotNil(t, l.Fb())
	assert.Equal(t, listing.FbConditionLikeNew, l.Fb().Condition)
	assert.Equal(t, 30.0, l.Fb().Price)
	assert.JSONEq(t, `{"suggestedPrice":30,"priceRange":{"min":20,"max":40},"confidence":0,"reasoning":""}`, string(l.Pricing))
	assert.Contains(t, string(l.Analysis), `"category":"Chair"`)
	assert.True(t, strings.HasPrefix(l.Photos[0].URL, "data:image/jpeg;base64,"))

	priced := f.repo.created[1]
	assert.Equal(t, 12.0, priced.Price, "generator price wins")
	assert.Equal(t, "Seating", priced.Category)
	assert.Equal(t, listing.FbConditionFair, priced.Fb().Condition)
}

func TestRun_GeneralListingDetails(t *testing.T) {
	f := newFixture()
	s, _ := sessionWithItems(t, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(&llm.Analysis{Category: "Camera", Model: "AE-1"}, nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Canon AE-1", Price: -5}, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{
		ListingType: listing.TypeGeneral,
		Context:     llm.ListingContext{YearMade: "1978", AdditionalDetails: "with strap"},
	})
	require.NoError(t, err)

	l := f.repo.created[0]
	assert.Equal(t, listing.TypeGeneral, l.Type())
	assert.Equal(t, 0.0, l.Price)
	assert.Equal(t, "Good", l.Condition)
	assert.Equal(t, &listing.GeneralDetails{Model: "AE-1", YearMade: "1978", AdditionalDetails: "with strap"}, l.General())
}

func TestRun_PassesUserToCollaborators(t *testing.T) {
	f := newFixture()
	s, _ := sessionWithItems(t, 1)

	f.analyzer.On("Analyze", mock.MatchedBy(func(ctx context.Context) bool {
		return llm.UserIDFrom(ctx) == "tg:7"
	}), mock.Anything).Return(chair(), nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{UserID: "tg:7"})
	require.NoError(t, err)
	f.analyzer.AssertExpectations(t)
}

func TestRun_FailureAfterAnalysisKeepsAnalysis(t *testing.T) {
	f := newFixture()
	f.repo.failTitles = map[string]error{"Chair": errors.New("insert failed")}
	pricer := new(pricerMock)
	f.pipeline.deps.Pricer = pricer
	s, ids := sessionWithItems(t, 1, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(nil, errors.New("generator down")).Once()
	pricer.On("SuggestPrice", mock.Anything, mock.Anything, mock.Anything).Return(&llm.PriceSuggestion{}, nil).Once()

	run, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	assert.ErrorIs(t, err, ErrAllItemsFailed)
	assert.Equal(t, 2, run.Processed)

	persist, _ := s.Item(ids[0])
	assert.Equal(t, "insert failed", persist.Error)
	require.NotNil(t, persist.Analysis)
	assert.Equal(t, "Chair", persist.Analysis.Category)

	generate, _ := s.Item(ids[1])
	assert.Equal(t, "generator down", generate.Error)
	require.NotNil(t, generate.Analysis)
}

func TestRun_MissingTitleFailsItem(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1)
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "  "}, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	assert.ErrorIs(t, err, ErrAllItemsFailed)
	v, _ := s.Item(ids[0])
	assert.Equal(t, llm.ErrMissingTitle.Error(), v.Error)
}

func TestRun_NilResultFailsItem(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1)
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	assert.ErrorIs(t, err, ErrAllItemsFailed)
	v, _ := s.Item(ids[0])
	assert.Equal(t, "analyze returned no result", v.Error)
}

func TestRun_CallTimeoutIsItemError(t *testing.T) {
	f := newFixture(WithCallTimeout(20 * time.Millisecond))
	s, ids := sessionWithItems(t, 1, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(func(ctx context.Context) (*llm.Analysis, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	run, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Succeeded)

	v, _ := s.Item(ids[0])
	assert.Equal(t, StatusError, v.Status)
	assert.Equal(t, "analyze timed out after 20ms", v.Error)
}

func TestRun_CancelBetweenItems(t *testing.T) {
	f := newFixture(WithCooldown(time.Hour))
	s, ids := sessionWithItems(t, 1, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil).Once()

	rec := &recorder{}
	run, err := f.pipeline.Run(ctx, s, RunOptions{OnUpdate: func(snap Snapshot) {
		rec.record(snap)
		if snap.Run.Processed == 1 {
			cancel()
		}
	}})

	assert.ErrorIs(t, err, ErrRunCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.True(t, run.Canceled)
	assert.True(t, run.Done())
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 3, run.Total)
	assert.False(t, s.Running())

	first, _ := s.Item(ids[0])
	assert.Equal(t, StatusCompleted, first.Status)
	for _, id := range ids[1:] {
		v, _ := s.Item(id)
		assert.Equal(t, StatusPending, v.Status)
	}

	final := rec.snapshots[len(rec.snapshots)-1]
	assert.True(t, final.Run.Canceled)
}

func TestRun_LocksItemsWhileRunning(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1, 0)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	checked := false
	_, err := f.pipeline.Run(context.Background(), s, RunOptions{OnUpdate: func(snap Snapshot) {
		if checked {
			return
		}
		checked = true
		assert.True(t, s.Running())
		assert.ErrorIs(t, s.RemoveItem(ids[0]), ErrItemLocked)
		assert.ErrorIs(t, s.SetPhotos(ids[0], nil), ErrItemLocked)
		_, appendErr := s.AppendPhotos(ids[0], makePhotos(t, 1))
		assert.ErrorIs(t, appendErr, ErrItemLocked)

		// Items outside the run stay editable.
		assert.NoError(t, s.SetPhotos(ids[1], makePhotos(t, 1)))
		added := s.AddItem()
		assert.Equal(t, "item_3", added.ID)

		_, runErr := f.pipeline.Run(context.Background(), s, RunOptions{})
		assert.ErrorIs(t, runErr, ErrRunInProgress)
	}})
	require.NoError(t, err)
	assert.True(t, checked)

	assert.False(t, s.Running())
	assert.NoError(t, s.RemoveItem(ids[0]))

	// The item that got photos during the run is processed by the next one.
	run, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Total)
}

func TestRun_RetryAfterReset(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, errors.New("flaky")).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	assert.ErrorIs(t, err, ErrAllItemsFailed)

	_, err = f.pipeline.Run(context.Background(), s, RunOptions{})
	assert.ErrorIs(t, err, ErrNoEligibleItems, "failed items are not retried automatically")

	require.NoError(t, s.ResetItem(ids[0]))
	run, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Succeeded)
}

func TestRun_Cooldown(t *testing.T) {
	f := newFixture(WithCooldown(30 * time.Millisecond))
	s, _ := sessionWithItems(t, 1, 1, 1)
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	start := time.Now()
	_, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRun_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture()
	f.pipeline.deps.Metrics = NewMetrics(reg)
	s, _ := sessionWithItems(t, 1, 1)

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil).Once()
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(nil, errors.New("nope")).Once()
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	_, err := f.pipeline.Run(context.Background(), s, RunOptions{})
	require.NoError(t, err)

	m := f.pipeline.deps.Metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues(string(StatusCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.items.WithLabelValues(string(StatusError))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(outcomeSucceeded)))
	assert.Equal(t, 3, testutil.CollectAndCount(m.callDuration), "analyze, generate and persist series")
}

func TestRun_SnapshotIncludesRunIdentity(t *testing.T) {
	f := newFixture()
	s, _ := sessionWithItems(t, 1)
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	rec := &recorder{}
	run, err := f.pipeline.Run(context.Background(), s, RunOptions{OnUpdate: rec.record})
	require.NoError(t, err)

	for i, snap := range rec.snapshots {
		assert.Equal(t, run.ID, snap.Run.ID, fmt.Sprint("snapshot ", i))
		assert.Equal(t, s.ID(), snap.Run.SessionID)
	}
}

func TestRun_PricingFailureKeepsItem(t *testing.T) {
	tests := []struct {
		name    string
		pricing *llm.PriceSuggestion
		err     error
	}{
		{"error", nil, errors.New("pricing quota exceeded")},
		{"no suggestion", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			pricer := new(pricerMock)
			f.pipeline.deps.Pricer = pricer
			s, ids := sessionWithItems(t, 1, 1)

			f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
			f.generator.On("GenerateListing", mock.Anything, mock.Anything).
				Return(&llm.ListingDraft{Title: "Oak Chair", Price: 45}, nil).Once()
			f.generator.On("GenerateListing", mock.Anything, mock.Anything).
				Return(&llm.ListingDraft{Title: "Unpriced Chair"}, nil).Once()
			pricer.On("SuggestPrice", mock.Anything, mock.Anything, mock.Anything).Return(tt.pricing, tt.err)

			run, err := f.pipeline.Run(context.Background(), s, RunOptions{})
			require.NoError(t, err)
			assert.Equal(t, 2, run.Succeeded)

			for _, id := range ids {
				v, _ := s.Item(id)
				assert.Equal(t, StatusCompleted, v.Status)
			}
			require.Len(t, f.repo.created, 2)
			assert.Equal(t, 45.0, f.repo.created[0].Price, "generated price is kept")
			assert.Equal(t, 0.0, f.repo.created[1].Price, "no price falls back to 0")
			assert.Empty(t, f.repo.created[0].Pricing)
		})
	}
}

func TestRun_CancelDuringLastItem(t *testing.T) {
	f := newFixture()
	s, ids := sessionWithItems(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(func(ctx context.Context) (*llm.Analysis, error) {
		cancel()
		return nil, ctx.Err()
	}, nil)

	run, err := f.pipeline.Run(ctx, s, RunOptions{})

	assert.ErrorIs(t, err, ErrRunCanceled)
	assert.NotErrorIs(t, err, ErrAllItemsFailed)
	require.NotNil(t, run)
	assert.True(t, run.Canceled)
	assert.True(t, run.Done())
	assert.Equal(t, 1, run.Processed)

	v, _ := s.Item(ids[0])
	assert.Equal(t, StatusError, v.Status, "the aborted item is failed")
}

func TestRun_RecordsOwner(t *testing.T) {
	f := newFixture()
	s, _ := sessionWithItems(t, 1)
	f.analyzer.On("Analyze", mock.Anything, mock.Anything).Return(chair(), nil)
	f.generator.On("GenerateListing", mock.Anything, mock.Anything).Return(&llm.ListingDraft{Title: "Chair"}, nil)

	rec := &recorder{}
	run, err := f.pipeline.Run(context.Background(), s, RunOptions{UserID: "alice", OnUpdate: rec.record})
	require.NoError(t, err)

	assert.Equal(t, "alice", run.UserID)
	for _, snap := range rec.snapshots {
		assert.Equal(t, "alice", snap.Run.UserID)
	}
}
