package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/listing"
)

// SessionMessage represents a message to be processed by the session worker.
type SessionMessage struct {
	Type string
	Ctx  context.Context
	Done chan struct{} // Closed when processing is complete (for synchronous dispatch)

	// Message data (only one is set based on Type)
	Message     *tgbotapi.Message
	Text        string
	AlbumBuffer *AlbumBuffer // For album_timeout messages

	// Bulk run data
	Snapshot  *bulk.Snapshot // For run_update messages
	RunResult *BulkRunResult // For run_done messages
}

// BulkRunResult is the outcome of a background pipeline run.
type BulkRunResult struct {
	SessionID string
	Run       *bulk.Run
	Err       error
}

// MessageSender abstracts the ability to send Telegram messages.
// This interface decouples UserSession from the full Bot struct,
// improving testability.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// AlbumPhoto holds a photo from an album with its Telegram data.
type AlbumPhoto struct {
	FileID       string
	FileUniqueID string
}

// AlbumBuffer collects photos from a Telegram album (MediaGroup) before processing.
type AlbumBuffer struct {
	MediaGroupID  string
	Photos        []AlbumPhoto
	Timer         *time.Timer
	FirstReceived time.Time
}

// BulkState is the Telegram side of a bulk session: which item photos go to
// and which message shows progress.
type BulkState struct {
	Session     *bulk.Session
	ListingType listing.Type

	// CurrentItemID receives single photos. Empty means the next photo
	// starts a new item.
	CurrentItemID string
	AlbumBuffer   *AlbumBuffer

	StatusMessageID int
	LastSnapshot    *bulk.Snapshot
	cancelRun       context.CancelFunc
}

// Running reports whether a pipeline run started from this chat is active.
func (b *BulkState) Running() bool {
	return b.cancelRun != nil
}

// itemNumber returns the 1-based position of an item, or 0 when it is gone.
func (b *BulkState) itemNumber(id string) int {
	for i, it := range b.Session.Items() {
		if it.ID == id {
			return i + 1
		}
	}
	return 0
}

// MessageHandler is the interface for processing session messages.
// This allows the session to dispatch to external handlers without circular dependencies.
type MessageHandler interface {
	HandleSessionMessage(ctx context.Context, session *UserSession, msg SessionMessage)
}

// UserSession represents a user's session with the bot.
//
// Threading model:
//   - Each session has a dedicated worker goroutine that processes messages sequentially
//   - Message handlers are called only from the worker and can access session
//     state without locks
//   - Pipeline runs execute on their own goroutine and report back through the
//     inbox as run_update and run_done messages
type UserSession struct {
	userId int64
	sender MessageSender

	// Worker channel for sequential message processing
	inbox   chan SessionMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runs    sync.WaitGroup
	handler MessageHandler // Set after construction to avoid circular deps

	bulk *BulkState
}

// UserID returns the owner id used for listings and settings.
func (s *UserSession) UserID() string {
	return "tg:" + strconv.FormatInt(s.userId, 10)
}

// --- Bulk session methods ---

// IsInBulkMode returns true if the session is in bulk listing mode.
// Called from session worker - no locking needed.
func (s *UserSession) IsInBulkMode() bool {
	return s.bulk != nil
}

// StartBulkSession starts a new bulk listing session.
// Called from session worker - no locking needed.
func (s *UserSession) StartBulkSession(t listing.Type, maxPhotos int) {
	s.bulk = &BulkState{
		Session:     bulk.NewSession(bulk.WithMaxPhotos(maxPhotos)),
		ListingType: t,
	}
	log.Info().Int64("userId", s.userId).Str("sessionId", s.bulk.Session.ID()).Msg("started bulk session")
}

// EndBulkSession ends the current bulk listing session, canceling any run.
// Called from session worker - no locking needed.
func (s *UserSession) EndBulkSession() {
	if s.bulk == nil {
		return
	}
	if s.bulk.cancelRun != nil {
		s.bulk.cancelRun()
	}
	if s.bulk.AlbumBuffer != nil && s.bulk.AlbumBuffer.Timer != nil {
		s.bulk.AlbumBuffer.Timer.Stop()
	}
	s.bulk = nil
	log.Info().Int64("userId", s.userId).Msg("ended bulk session")
}

func (s *UserSession) replyWithError(err error) tgbotapi.Message {
	log.Error().Stack().Err(err).Send()
	return s._reply(formatReplyText(MsgUnexpectedErr, escapeMarkdown(err.Error())))
}

// sendTypingAction sends a "typing" chat action to show the user that the bot is processing.
// The typing indicator automatically expires after ~5 seconds in Telegram.
func (s *UserSession) sendTypingAction() {
	action := tgbotapi.NewChatAction(s.userId, tgbotapi.ChatTyping)
	// Use Request instead of Send because sendChatAction returns a boolean, not a Message
	_, err := s.sender.Request(action)
	if err != nil {
		log.Debug().Err(err).Int64("userId", s.userId).Msg("failed to send typing action")
	}
}

func (s *UserSession) replyWithMessage(msg tgbotapi.MessageConfig) tgbotapi.Message {
	msg.ChatID = s.userId
	sent, err := s.sender.Send(msg)
	if err != nil {
		log.Error().Stack().
			Interface("msg", msg).
			Err(fmt.Errorf("failed to send reply message: %w", err)).Send()
	} else {
		log.Debug().Int("messageId", sent.MessageID).Msg("sent message")
	}

	return sent
}

func (s *UserSession) _reply(text string) tgbotapi.Message {
	msg := tgbotapi.MessageConfig{
		Text:      text,
		ParseMode: tgbotapi.ModeMarkdown,
	}
	return s.replyWithMessage(msg)
}

func (s *UserSession) reply(text string, a ...any) tgbotapi.Message {
	return s._reply(formatReplyText(text, a...))
}

// editMessage replaces the text of a message sent earlier.
func (s *UserSession) editMessage(messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(s.userId, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	if _, err := s.sender.Request(edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// --- Worker methods ---

// StartWorker starts the session's message processing worker goroutine.
// Must be called after setting the handler.
func (s *UserSession) StartWorker() {
	s.wg.Add(1)
	go s.runWorker()
}

// SetHandler sets the message handler for this session.
func (s *UserSession) SetHandler(handler MessageHandler) {
	s.handler = handler
}

// runWorker is the main worker loop that processes messages sequentially.
func (s *UserSession) runWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			// Drain any remaining messages and signal completion
			for {
				select {
				case msg := <-s.inbox:
					if msg.Done != nil {
						close(msg.Done)
					}
				default:
					return
				}
			}
		case msg := <-s.inbox:
			s.processMessage(msg)
		}
	}
}

// processMessage handles a single message from the inbox.
func (s *UserSession) processMessage(msg SessionMessage) {
	defer func() {
		// Recover from any panics to keep the worker running
		if r := recover(); r != nil {
			log.Error().
				Int64("userId", s.userId).
				Interface("panic", r).
				Msg("recovered from panic in session worker")
		}
		if msg.Done != nil {
			close(msg.Done)
		}
	}()

	if s.handler == nil {
		log.Error().Int64("userId", s.userId).Msg("session handler not set")
		return
	}

	s.handler.HandleSessionMessage(msg.Ctx, s, msg)
}

// Send queues a message for processing by the worker.
// This is non-blocking - it returns immediately after queuing.
func (s *UserSession) Send(msg SessionMessage) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
		if msg.Done != nil {
			close(msg.Done)
		}
	}
}

// SendSync queues a message and waits for it to be processed.
// Returns when the message has been fully processed by the worker.
func (s *UserSession) SendSync(msg SessionMessage) {
	msg.Done = make(chan struct{})
	s.Send(msg)
	<-msg.Done
}

// Stop cancels running pipeline runs, stops the worker and waits for both.
func (s *UserSession) Stop() {
	s.cancel()
	s.runs.Wait()
	s.wg.Wait()
}
