package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shelfie/shelfie/internal/listing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler logs the type and text of every message it handles.
// A message with text "PANIC" panics and "BLOCK" waits for release.
type recordingHandler struct {
	mu      sync.Mutex
	seen    []string
	started chan struct{}
	release chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *recordingHandler) HandleSessionMessage(ctx context.Context, session *UserSession, msg SessionMessage) {
	h.mu.Lock()
	h.seen = append(h.seen, msg.Type+":"+msg.Text)
	h.mu.Unlock()

	switch msg.Text {
	case "PANIC":
		panic("handler exploded")
	case "BLOCK":
		close(h.started)
		<-h.release
	}
}

func (h *recordingHandler) log() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func newWorkerSession(id int64, handler MessageHandler) *UserSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &UserSession{
		userId:  id,
		inbox:   make(chan SessionMessage, 10),
		ctx:     ctx,
		cancel:  cancel,
		handler: handler,
	}
	s.StartWorker()
	return s
}

func TestUserSession_UserID(t *testing.T) {
	s := &UserSession{userId: 4242}
	assert.Equal(t, "tg:4242", s.UserID())
}

func TestWorker_ProcessesInOrder(t *testing.T) {
	handler := newRecordingHandler()
	session := newWorkerSession(1, handler)
	defer session.Stop()

	session.Send(SessionMessage{Type: "text", Text: "/bulk"})
	session.Send(SessionMessage{Type: "photo"})
	session.Send(SessionMessage{Type: "run_update"})
	session.SendSync(SessionMessage{Type: "run_done"})

	assert.Equal(t, []string{"text:/bulk", "photo:", "run_update:", "run_done:"}, handler.log())
}

func TestWorker_SurvivesHandlerPanic(t *testing.T) {
	handler := newRecordingHandler()
	session := newWorkerSession(1, handler)
	defer session.Stop()

	session.SendSync(SessionMessage{Type: "text", Text: "PANIC"})
	session.SendSync(SessionMessage{Type: "text", Text: "/status"})

	assert.Equal(t, []string{"text:PANIC", "text:/status"}, handler.log())
}

func TestWorker_SendSyncWaitsForHandler(t *testing.T) {
	handler := newRecordingHandler()
	session := newWorkerSession(1, handler)
	defer session.Stop()

	done := make(chan struct{})
	go func() {
		session.SendSync(SessionMessage{Type: "text", Text: "BLOCK"})
		close(done)
	}()

	select {
	case <-handler.started:
	case <-time.After(time.Second):
		t.Fatal("handler did not start")
	}
	select {
	case <-done:
		t.Fatal("SendSync returned before the handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(handler.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendSync did not return")
	}
}

func TestWorker_StopReleasesQueuedSenders(t *testing.T) {
	handler := newRecordingHandler()
	session := newWorkerSession(1, handler)

	go session.SendSync(SessionMessage{Type: "text", Text: "BLOCK"})
	<-handler.started

	var waiters sync.WaitGroup
	for range 3 {
		waiters.Add(1)
		go func() {
			defer waiters.Done()
			session.SendSync(SessionMessage{Type: "text", Text: "queued"})
		}()
	}

	require.Eventually(t, func() bool { return len(session.inbox) == 3 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		session.Stop()
		close(stopped)
	}()
	close(handler.release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	released := make(chan struct{})
	go func() {
		waiters.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("queued SendSync callers were not released")
	}
}

func TestUserSession_StopWaitsForRuns(t *testing.T) {
	session := newWorkerSession(1, newRecordingHandler())

	runCtx, cancelRun := context.WithCancel(session.ctx)
	defer cancelRun()
	finished := make(chan struct{})
	session.runs.Add(1)
	go func() {
		defer session.runs.Done()
		<-runCtx.Done()
		time.Sleep(20 * time.Millisecond)
		close(finished)
	}()

	session.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop returned before the run finished")
	}
}

func TestUserSession_BulkLifecycle(t *testing.T) {
	s := &UserSession{userId: 1}
	assert.False(t, s.IsInBulkMode())

	s.StartBulkSession(listing.TypeFacebook, 3)
	require.True(t, s.IsInBulkMode())
	assert.Equal(t, listing.TypeFacebook, s.bulk.ListingType)
	assert.False(t, s.bulk.Running())

	s.bulk.Session.AddItem()
	item := s.bulk.Session.AddItem()
	assert.Equal(t, 2, s.bulk.itemNumber(item.ID))
	assert.Equal(t, 0, s.bulk.itemNumber("missing"))

	runCtx, cancel := context.WithCancel(context.Background())
	s.bulk.cancelRun = cancel
	timerFired := make(chan struct{})
	s.bulk.AlbumBuffer = &AlbumBuffer{Timer: time.AfterFunc(50*time.Millisecond, func() { close(timerFired) })}
	assert.True(t, s.bulk.Running())

	s.EndBulkSession()

	assert.False(t, s.IsInBulkMode())
	assert.ErrorIs(t, runCtx.Err(), context.Canceled)
	select {
	case <-timerFired:
		t.Fatal("album timer fired after the session ended")
	case <-time.After(100 * time.Millisecond):
	}

	// Ending twice is harmless.
	s.EndBulkSession()
}
