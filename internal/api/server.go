// Package api serves the listing, bulk and settings HTTP API.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
	"github.com/shelfie/shelfie/internal/runstore"
	"github.com/shelfie/shelfie/internal/storage"
)

// Deps are the services behind the API.
type Deps struct {
	Listings listing.Repository
	LLM      llm.Client
	Pipeline *bulk.Pipeline
	Runs     runstore.Store
	Settings *storage.SettingsService
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type Options struct {
	// JWTSecret verifies bearer tokens. When empty every request runs as
	// LocalUserID.
	JWTSecret      string
	AllowedOrigins []string
	MaxPhotos      int
	// SessionTTL is how long an idle bulk session is kept. Zero uses
	// DefaultSessionTTL.
	SessionTTL     time.Duration
}

// Server holds the HTTP handlers and the bulk sessions created through them.
type Server struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
	sessions *sessionRegistry

	// runCtx is the parent of background runs. Close cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxPhotos <= 0 {
		opts.MaxPhotos = bulk.DefaultMaxPhotos
	}
	if deps.Runs == nil {
		deps.Runs = runstore.NewMemory(runstore.DefaultTTL)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:      deps,
		opts:      opts,
		validate:  validator.New(),
		sessions:  newSessionRegistry(opts.SessionTTL),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Handler builds the gin engine with all routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(requestLogger(), recovery(), corsMiddleware(s.opts.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api", auth(s.opts.JWTSecret))

	listings := api.Group("/listings")
	listings.GET("", s.listListings)
	listings.POST("", s.createListing)
	listings.GET("/stats", s.listingStats)
	listings.GET("/export", s.exportListings)
	listings.GET("/:id", s.getListing)
	listings.PATCH("/:id", s.updateListing)
	listings.DELETE("/:id", s.deleteListing)

	api.POST("/analyze", s.analyze)
	api.POST("/generate", s.generate)

	sessions := api.Group("/bulk/sessions")
	sessions.POST("", s.createSession)
	sessions.GET("/:id", s.getSession)
	sessions.DELETE("/:id", s.deleteSession)
	sessions.POST("/:id/items", s.addItem)
	sessions.DELETE("/:id/items/:itemId", s.removeItem)
	sessions.PUT("/:id/items/:itemId/photos", s.setPhotos)
	sessions.POST("/:id/items/:itemId/photos", s.appendPhotos)
	sessions.POST("/:id/items/:itemId/reset", s.resetItem)
	sessions.POST("/:id/run", s.startRun)
	sessions.POST("/:id/cancel", s.cancelSessionRun)
	api.GET("/bulk/runs/:runId", s.getRun)

	api.GET("/settings", s.getSettings)
	api.PUT("/settings", s.updateSettings)
	api.PUT("/settings/api-key", s.setAPIKey)

	return r
}

// Close cancels background runs and waits up to timeout for them to stop.
func (s *Server) Close(timeout time.Duration) {
	s.cancelRun()
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("bulk runs did not stop in time")
	}
}

// Serve runs an HTTP server on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("stopping http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Close(5 * time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}
