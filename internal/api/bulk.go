package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
	"github.com/shelfie/shelfie/internal/runstore"
)

var errNoActiveRun = errors.New("no bulk run in progress")

type sessionEntry struct {
	session *bulk.Session
	owner   string
	created time.Time

	// lastUsed is guarded by the registry mutex.
	lastUsed time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	lastRunID string
}

func (e *sessionEntry) setRun(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRunID = runID
	e.cancel = cancel
}

// clearRun forgets the cancel func of runID. A newer run is left alone.
func (e *sessionEntry) clearRun(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRunID == runID {
		e.cancel = nil
	}
}

// cancelRun cancels the active run and reports whether there was one.
func (e *sessionEntry) cancelRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

func (e *sessionEntry) runID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRunID
}

// DefaultSessionTTL is how long an idle bulk session is kept.
const DefaultSessionTTL = 2 * time.Hour

// sessionRegistry holds the bulk sessions created over HTTP. Sessions idle for
// longer than ttl are dropped unless a run is active.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	ttl      time.Duration
	now      func() time.Time
}

func newSessionRegistry(ttl time.Duration) *sessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &sessionRegistry{sessions: make(map[string]*sessionEntry), ttl: ttl, now: time.Now}
}

func (r *sessionRegistry) add(e *sessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sweepLocked(now)
	e.lastUsed = now
	r.sessions[e.session.ID()] = e
}

// get returns the owner's session and marks it as used.
func (r *sessionRegistry) get(id, owner string) (*sessionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.sweepLocked(now)
	e, ok := r.sessions[id]
	if !ok || e.owner != owner {
		return nil, errSessionNotFound
	}
	e.lastUsed = now
	return e, nil
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) sweepLocked(now time.Time) {
	for id, e := range r.sessions {
		if now.Sub(e.lastUsed) > r.ttl && !e.session.Running() {
			delete(r.sessions, id)
			log.Info().Str("sessionId", id).Str("userId", e.owner).Msg("expired idle bulk session")
		}
	}
}

type sessionView struct {
	ID        string          `json:"id"`
	MaxPhotos int             `json:"maxPhotos"`
	Running   bool            `json:"running"`
	LastRunID string          `json:"lastRunId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Items     []bulk.ItemView `json:"items"`
}

func viewSession(e *sessionEntry) sessionView {
	return sessionView{
		ID:        e.session.ID(),
		MaxPhotos: e.session.MaxPhotos(),
		Running:   e.session.Running(),
		LastRunID: e.runID(),
		CreatedAt: e.created,
		Items:     e.session.Items(),
	}
}

func (s *Server) entry(c *gin.Context) (*sessionEntry, bool) {
	e, err := s.sessions.get(c.Param("id"), currentUser(c))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return e, true
}

func (s *Server) createSession(c *gin.Context) {
	e := &sessionEntry{
		session: bulk.NewSession(bulk.WithMaxPhotos(s.opts.MaxPhotos)),
		owner:   currentUser(c),
		created: time.Now(),
	}
	s.sessions.add(e)
	log.Info().Str("sessionId", e.session.ID()).Str("userId", e.owner).Msg("bulk session created")
	c.JSON(http.StatusCreated, viewSession(e))
}

func (s *Server) getSession(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewSession(e))
}

// deleteSession drops a session. A run in progress is canceled.
func (s *Server) deleteSession(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	e.cancelRun()
	s.sessions.remove(e.session.ID())
	c.Status(http.StatusNoContent)
}

func (s *Server) addItem(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusCreated, e.session.AddItem())
}

func (s *Server) removeItem(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	if err := e.session.RemoveItem(c.Param("itemId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type photosResponse struct {
	Item     bulk.ItemView   `json:"item"`
	Added    int             `json:"added"`
	Rejected []rejectionView `json:"rejected,omitempty"`
}

// setPhotos replaces an item's photos with the upload.
func (s *Server) setPhotos(c *gin.Context) {
	s.storePhotos(c, func(sess *bulk.Session, id string, photos []intake.Photo) (int, error) {
		if err := sess.SetPhotos(id, photos); err != nil {
			return 0, err
		}
		return min(len(photos), sess.MaxPhotos()), nil
	})
}

// appendPhotos adds the upload to an item's photos.
func (s *Server) appendPhotos(c *gin.Context) {
	s.storePhotos(c, func(sess *bulk.Session, id string, photos []intake.Photo) (int, error) {
		return sess.AppendPhotos(id, photos)
	})
}

func (s *Server) storePhotos(c *gin.Context, store func(*bulk.Session, string, []intake.Photo) (int, error)) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	itemID := c.Param("itemId")
	if _, exists := e.session.Item(itemID); !exists {
		writeError(c, bulk.ErrItemNotFound)
		return
	}
	photos, rejected, err := acceptUploads(c)
	if err != nil {
		writeError(c, err)
		return
	}
	added, err := store(e.session, itemID, photos)
	if err != nil {
		writeError(c, err)
		return
	}
	item, _ := e.session.Item(itemID)
	c.JSON(http.StatusOK, photosResponse{Item: item, Added: added, Rejected: rejectionViews(rejected)})
}

func (s *Server) resetItem(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	itemID := c.Param("itemId")
	if err := e.session.ResetItem(itemID); err != nil {
		writeError(c, err)
		return
	}
	item, _ := e.session.Item(itemID)
	c.JSON(http.StatusOK, item)
}

type runRequest struct {
	Type    listing.Type          `json:"type" validate:"omitempty,oneof=fb general"`
	Context llm.ListingContext    `json:"context"`
	Style   *llm.StylePreferences `json:"style"`
}

type runStarted struct {
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`
	Total     int    `json:"total"`
}

// startRun starts a bulk run in the background and answers once the first
// item has been picked up. Progress is published to the run store.
func (s *Server) startRun(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	var req runRequest
	if c.Request.ContentLength != 0 && !s.bindJSON(c, &req) {
		return
	}
	userID := currentUser(c)
	opts := bulk.RunOptions{
		ListingType: req.Type,
		UserID:      userID,
		Context:     req.Context,
		Style:       s.userStyle(userID),
	}
	if req.Style != nil {
		opts.Style = *req.Style
	}

	// The run keeps the request's values (user, access token) but not its
	// deadline; it ends when canceled or when the server closes.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	stop := context.AfterFunc(s.runCtx, cancel)

	started := make(chan runStarted, 1)
	failed := make(chan error, 1)
	var once sync.Once
	opts.OnUpdate = func(snap bulk.Snapshot) {
		once.Do(func() {
			e.setRun(snap.Run.ID, cancel)
			started <- runStarted{RunID: snap.Run.ID, SessionID: snap.Run.SessionID, Total: snap.Run.Total}
		})
		if err := s.deps.Runs.Save(context.WithoutCancel(ctx), snap); err != nil {
			log.Warn().Err(err).Str("runId", snap.Run.ID).Msg("failed to save run snapshot")
		}
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer stop()
		defer cancel()

		run, err := s.deps.Pipeline.Run(ctx, e.session, opts)
		if run == nil {
			failed <- err
			return
		}
		e.clearRun(run.ID)
		if err != nil {
			log.Warn().Err(err).Str("runId", run.ID).Msg("bulk run ended with error")
		}
	}()

	select {
	case st := <-started:
		c.JSON(http.StatusAccepted, st)
	case err := <-failed:
		writeError(c, err)
	}
}

func (s *Server) cancelSessionRun(c *gin.Context) {
	e, ok := s.entry(c)
	if !ok {
		return
	}
	if !e.cancelRun() {
		abortError(c, http.StatusConflict, "NO_RUN_IN_PROGRESS", errNoActiveRun.Error())
		return
	}
	log.Info().Str("sessionId", e.session.ID()).Str("runId", e.runID()).Msg("bulk run cancel requested")
	c.JSON(http.StatusAccepted, gin.H{"runId": e.runID(), "canceled": true})
}

// getRun returns the latest archived snapshot of a run. Runs started by
// another user are reported as missing.
func (s *Server) getRun(c *gin.Context) {
	snap, err := s.deps.Runs.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if snap.Run.UserID != currentUser(c) {
		writeError(c, runstore.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}
