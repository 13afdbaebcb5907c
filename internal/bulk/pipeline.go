package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
)

const (
	DefaultCooldown    = 500 * time.Millisecond
	DefaultCallTimeout = 60 * time.Second
)

var (
	ErrAllItemsFailed = errors.New("no items were processed successfully")
	ErrRunCanceled    = errors.New("bulk run canceled")
)

// Run outcomes used as metric labels.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeCanceled  = "canceled"
)

// Dependencies are the collaborators of a Pipeline. Pricer and Metrics are
// optional.
type Dependencies struct {
	Analyzer   llm.Analyzer
	Generator  llm.ListingGenerator
	Pricer     llm.PriceSuggester
	Repository listing.Repository
	Metrics    *Metrics
}

// Pipeline turns bulk items into draft listings one item at a time.
type Pipeline struct {
	deps        Dependencies
	cooldown    time.Duration
	callTimeout time.Duration
	now         func() time.Time
}

type Option func(*Pipeline)

// WithCooldown sets the pause between items.
func WithCooldown(d time.Duration) Option {
	return func(p *Pipeline) { p.cooldown = d }
}

// WithCallTimeout bounds each call to an external collaborator.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.callTimeout = d }
}

// WithClock sets the time source for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(deps Dependencies, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:        deps,
		cooldown:    DefaultCooldown,
		callTimeout: DefaultCallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunOptions configure a single run.
type RunOptions struct {
	ListingType listing.Type
	UserID      string
	Context     llm.ListingContext
	Style       llm.StylePreferences
	// OnUpdate receives a snapshot after every state change. It is called
	// from the goroutine executing Run.
	OnUpdate func(Snapshot)
}

// Run processes every pending item that has photos, in collection order.
// A failing item is marked as failed and the run moves on.
//
// The returned error is ErrNoEligibleItems or ErrRunInProgress when the run
// could not start, ErrRunCanceled when ctx ended early and ErrAllItemsFailed
// when nothing succeeded. The Run is returned whenever the run started.
func (p *Pipeline) Run(ctx context.Context, s *Session, opts RunOptions) (*Run, error) {
	work, err := s.begin()
	if err != nil {
		return nil, err
	}
	defer s.end()

	if opts.ListingType == "" {
		opts.ListingType = listing.TypeFacebook
	}
	ctx = llm.WithUserID(ctx, opts.UserID)

	run := &Run{
		ID:        uuid.NewString(),
		SessionID: s.ID(),
		UserID:    opts.UserID,
		Total:     len(work),
		StartedAt: p.now(),
	}
	logger := log.With().Str("runId", run.ID).Str("userId", opts.UserID).Logger()
	logger.Info().Int("total", run.Total).Str("type", string(opts.ListingType)).Msg("bulk run started")

	notify := func(items []ItemView) {
		if opts.OnUpdate != nil {
			opts.OnUpdate(newSnapshot(*run, items))
		}
	}

	for i, w := range work {
		if ctx.Err() != nil {
			return p.cancel(run, s, notify, ctx.Err())
		}

		notify(s.markAnalyzing(w.id))

		l, analysis, err := p.process(ctx, w, opts)
		var items []ItemView
		if err != nil {
			logger.Warn().Err(err).Str("itemId", w.id).Msg("bulk item failed")
			items = s.markFailed(w.id, err.Error(), analysis)
			p.deps.Metrics.item(StatusError)
		} else {
			logger.Info().Str("itemId", w.id).Str("listingId", l.ID).Msg("bulk item completed")
			items = s.markCompleted(w.id, l, analysis)
			run.Succeeded++
			p.deps.Metrics.item(StatusCompleted)
		}
		run.Processed++
		notify(items)

		if i < len(work)-1 && p.cooldown > 0 {
			if err := sleep(ctx, p.cooldown); err != nil {
				return p.cancel(run, s, notify, err)
			}
		}
	}

	// A cancel that aborted the last item's call is still a cancel.
	if ctx.Err() != nil {
		return p.cancel(run, s, notify, ctx.Err())
	}

	run.CompletedAt = p.now()
	notify(s.views())

	logger.Info().
		Int("total", run.Total).
		Int("succeeded", run.Succeeded).
		Dur("duration", run.CompletedAt.Sub(run.StartedAt)).
		Msg("bulk run finished")

	if run.Succeeded == 0 {
		p.deps.Metrics.run(outcomeFailed, run.CompletedAt.Sub(run.StartedAt))
		return run, ErrAllItemsFailed
	}
	p.deps.Metrics.run(outcomeSucceeded, run.CompletedAt.Sub(run.StartedAt))
	return run, nil
}

func (p *Pipeline) cancel(run *Run, s *Session, notify func([]ItemView), cause error) (*Run, error) {
	run.Canceled = true
	run.CompletedAt = p.now()
	notify(s.views())
	log.Info().Str("runId", run.ID).Int("processed", run.Processed).Int("total", run.Total).Msg("bulk run canceled")
	p.deps.Metrics.run(outcomeCanceled, run.CompletedAt.Sub(run.StartedAt))
	return run, fmt.Errorf("%w: %w", ErrRunCanceled, cause)
}

// process runs analyze, generate, price and persist for a single item. The
// analysis is returned even when a later step fails.
func (p *Pipeline) process(ctx context.Context, w workItem, opts RunOptions) (*listing.Listing, *llm.Analysis, error) {
	images := analysisImages(w.photos)

	analysis, err := call(ctx, p, "analyze", func(ctx context.Context) (*llm.Analysis, error) {
		return p.deps.Analyzer.Analyze(ctx, images)
	})
	if err != nil {
		return nil, nil, err
	}
	if err := llm.NormalizeAnalysis(analysis); err != nil {
		return nil, analysis, err
	}

	lc := opts.Context
	draft, err := call(ctx, p, "generate", func(ctx context.Context) (*llm.ListingDraft, error) {
		return p.deps.Generator.GenerateListing(ctx, llm.GenerateRequest{
			Images:   images,
			Analysis: analysis,
			Context:  lc,
			Type:     opts.ListingType,
			Style:    opts.Style,
		})
	})
	if err != nil {
		return nil, analysis, err
	}
	if err := llm.NormalizeDraft(draft); err != nil {
		return nil, analysis, err
	}

	var pricing *llm.PriceSuggestion
	if p.deps.Pricer != nil {
		pricing, err = call(ctx, p, "price", func(ctx context.Context) (*llm.PriceSuggestion, error) {
			return p.deps.Pricer.SuggestPrice(ctx, analysis, lc)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, analysis, err
			}
			log.Warn().Err(err).Str("itemId", w.id).Msg("price suggestion failed, using generated price")
			pricing = nil
		}
	}

	record := mergeRecord(w, analysis, draft, pricing, opts)
	created, err := call(ctx, p, "persist", func(ctx context.Context) (*listing.Listing, error) {
		return p.deps.Repository.Create(ctx, record)
	})
	if err != nil {
		return nil, analysis, err
	}
	return created, analysis, nil
}

// call runs fn under the per-call timeout. A timeout is reported by name;
// any other error is returned unchanged.
func call[T any](ctx context.Context, p *Pipeline, name string, fn func(context.Context) (*T, error)) (*T, error) {
	callCtx := ctx
	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	start := time.Now()
	v, err := fn(callCtx)
	p.deps.Metrics.call(name, time.Since(start))

	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", name, p.callTimeout)
		}
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%s returned no result", name)
	}
	return v, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// analysisImages shrinks photos before they are sent to the model. A photo
// that cannot be shrunk is sent as uploaded.
func analysisImages(photos []intake.Photo) []llm.Image {
	images := make([]llm.Image, 0, len(photos))
	for _, p := range photos {
		f := p.File()
		if small, err := intake.Compress(f, intake.AnalysisMaxSide, intake.AnalysisQuality); err == nil {
			f = small
		}
		images = append(images, llm.Image{Data: f.Data, MIMEType: f.DetectMIMEType()})
	}
	return images
}

// mergeRecord builds the listing to persist. Fields the generator left empty
// fall back to the analysis.
func mergeRecord(w workItem, a *llm.Analysis, d *llm.ListingDraft, pricing *llm.PriceSuggestion, opts RunOptions) *listing.Listing {
	price := d.Price
	if price <= 0 && pricing != nil {
		price = pricing.SuggestedPrice
	}

	l := &listing.Listing{
		UserID:      opts.UserID,
		Title:       d.Title,
		Description: d.Description,
		Price:       price,
		Status:      listing.StatusDraft,
		Category:    firstNonEmpty(d.Category, a.Category, listing.DefaultCategory),
		Brand:       firstNonEmpty(d.Brand, a.Brand),
		Condition:   firstNonEmpty(d.Condition, a.Condition, string(listing.DefaultFbCondition)),
		Keywords:    d.Keywords,
		Photos:      make([]listing.Photo, 0, len(w.photos)),
	}
	for _, p := range w.photos {
		pv := p.Preview()
		l.Photos = append(l.Photos, listing.Photo{URL: pv.URL, Name: pv.Name, Size: pv.Size, Type: pv.Type})
	}
	if raw, err := json.Marshal(a); err == nil {
		l.Analysis = raw
	}
	if pricing != nil {
		if raw, err := json.Marshal(pricing); err == nil {
			l.Pricing = raw
		}
	}

	if opts.ListingType == listing.TypeFacebook {
		l.Details = &listing.FbDetails{
			Title:       l.Title,
			Price:       l.Price,
			Condition:   listing.ToFbCondition(l.Condition),
			Category:    l.Category,
			Description: l.Description,
		}
	} else {
		l.Details = &listing.GeneralDetails{
			Model:             firstNonEmpty(opts.Context.Model, a.Model),
			YearMade:          opts.Context.YearMade,
			AdditionalDetails: opts.Context.AdditionalDetails,
		}
	}
	listing.Normalize(l)
	return l
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
