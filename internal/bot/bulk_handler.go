package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/intake"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/llm"
)

const (
	// bulkAlbumBufferTimeout is how long to wait for more photos in an album
	bulkAlbumBufferTimeout = 1500 * time.Millisecond
	// maxAlbumPhotos is the Telegram album limit
	maxAlbumPhotos = 10
	// statusTitleLength bounds titles shown in the status message
	statusTitleLength = 40
	// archiveTimeout bounds a single run snapshot write
	archiveTimeout = 5 * time.Second
)

// BulkHandler handles bulk listing operations.
type BulkHandler struct {
	tg           BotAPI
	services     Services
	albumTimeout time.Duration
}

// NewBulkHandler creates a new bulk handler.
func NewBulkHandler(tg BotAPI, services Services) *BulkHandler {
	return &BulkHandler{
		tg:           tg,
		services:     services,
		albumTimeout: bulkAlbumBufferTimeout,
	}
}

func typeLabel(t listing.Type) string {
	if t == listing.TypeGeneral {
		return "general listings"
	}
	return "Facebook Marketplace"
}

// HandleBulkCommand enters bulk listing mode. The optional argument selects
// the listing type.
func (h *BulkHandler) HandleBulkCommand(session *UserSession, args []string) {
	if session.IsInBulkMode() {
		session.reply(MsgBulkAlreadyActive)
		return
	}

	t := listing.TypeFacebook
	if len(args) > 0 {
		parsed, err := listing.ParseType(args[0])
		if err != nil {
			session.reply(MsgBulkInvalidType)
			return
		}
		t = parsed
	}

	session.StartBulkSession(t, h.services.MaxPhotos)
	session.reply(MsgBulkStarted, typeLabel(t))
}

// HandlePhoto processes a photo in bulk mode.
func (h *BulkHandler) HandlePhoto(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	if !session.IsInBulkMode() {
		session.reply(MsgBulkNotActive)
		return
	}

	largest := message.Photo[len(message.Photo)-1]
	photo := AlbumPhoto{FileID: largest.FileID, FileUniqueID: largest.FileUniqueID}

	if message.MediaGroupID != "" {
		h.bufferAlbumPhoto(ctx, session, photo, message.MediaGroupID)
		return
	}
	h.addPhotos(ctx, session, []AlbumPhoto{photo}, false)
}

// bufferAlbumPhoto buffers photos from an album before processing.
func (h *BulkHandler) bufferAlbumPhoto(ctx context.Context, session *UserSession, photo AlbumPhoto, mediaGroupID string) {
	b := session.bulk

	// Initialize or update album buffer
	if b.AlbumBuffer == nil || b.AlbumBuffer.MediaGroupID != mediaGroupID {
		// If there's an existing buffer, flush it first
		h.flushAlbum(ctx, session)
		b.AlbumBuffer = &AlbumBuffer{
			MediaGroupID:  mediaGroupID,
			FirstReceived: time.Now(),
		}
	}

	// Add photo to buffer (respect max limit)
	if len(b.AlbumBuffer.Photos) < maxAlbumPhotos {
		b.AlbumBuffer.Photos = append(b.AlbumBuffer.Photos, photo)
	}

	// Reset or start timer
	if b.AlbumBuffer.Timer != nil {
		b.AlbumBuffer.Timer.Stop()
	}

	albumBuffer := b.AlbumBuffer
	b.AlbumBuffer.Timer = time.AfterFunc(h.albumTimeout, func() {
		session.Send(SessionMessage{
			Type:        "album_timeout",
			Ctx:         session.ctx,
			AlbumBuffer: albumBuffer,
		})
	})
}

// ProcessAlbumTimeout turns a completed album into one item.
func (h *BulkHandler) ProcessAlbumTimeout(ctx context.Context, session *UserSession, albumBuffer *AlbumBuffer) {
	b := session.bulk
	if b == nil || b.AlbumBuffer != albumBuffer {
		return
	}
	h.flushAlbum(ctx, session)
}

// flushAlbum processes a pending album buffer right away.
func (h *BulkHandler) flushAlbum(ctx context.Context, session *UserSession) {
	b := session.bulk
	if b == nil || b.AlbumBuffer == nil {
		return
	}
	buffer := b.AlbumBuffer
	b.AlbumBuffer = nil
	if buffer.Timer != nil {
		buffer.Timer.Stop()
	}
	if len(buffer.Photos) > 0 {
		h.addPhotos(ctx, session, buffer.Photos, true)
	}
}

// addPhotos downloads photos and adds them to an item. Albums always start a
// new item; single photos go to the current item.
func (h *BulkHandler) addPhotos(ctx context.Context, session *UserSession, photos []AlbumPhoto, newItem bool) {
	b := session.bulk
	session.sendTypingAction()

	files := make([]intake.File, 0, len(photos))
	for _, p := range photos {
		f, err := downloadPhoto(ctx, h.tg, p)
		if err != nil {
			log.Warn().Err(err).Str("fileID", p.FileID).Msg("photo download failed")
			session.reply(MsgBulkPhotoFailed, escapeMarkdown(err.Error()))
			continue
		}
		files = append(files, f)
	}

	accepted, rejected := intake.Batch(ctx, files)
	for _, r := range rejected {
		session.reply(MsgBulkPhotoFailed, escapeMarkdown(r.Reason()))
	}
	if len(accepted) == 0 {
		return
	}

	if newItem || b.CurrentItemID == "" {
		b.CurrentItemID = b.Session.AddItem().ID
	}
	added, err := b.Session.AppendPhotos(b.CurrentItemID, accepted)
	if errors.Is(err, bulk.ErrItemLocked) || errors.Is(err, bulk.ErrItemNotFound) {
		// The current item is part of a run or was removed; start a new one.
		b.CurrentItemID = b.Session.AddItem().ID
		added, err = b.Session.AppendPhotos(b.CurrentItemID, accepted)
	}
	if err != nil {
		session.replyWithError(err)
		return
	}

	view, _ := b.Session.Item(b.CurrentItemID)
	number := b.itemNumber(b.CurrentItemID)
	log.Info().
		Int64("userId", session.userId).
		Str("itemId", view.ID).
		Int("added", added).
		Int("photos", len(view.Photos)).
		Msg("photos added to bulk item")

	if added < len(accepted) {
		session.reply(MsgBulkPhotoCapped, number, b.Session.MaxPhotos())
	}
	if added > 0 {
		session.reply(MsgBulkItemPhotos, number, pluralize("photo", "photos", len(view.Photos)))
	}
}

// HandleNewCommand closes the current item so the next photo starts a new one.
func (h *BulkHandler) HandleNewCommand(ctx context.Context, session *UserSession) {
	if !session.IsInBulkMode() {
		session.reply(MsgBulkNotActive)
		return
	}
	h.flushAlbum(ctx, session)
	b := session.bulk
	b.CurrentItemID = ""
	session.reply(MsgBulkNewItem, len(b.Session.Items())+1)
}

// HandleProcessCommand starts a pipeline run over the pending items. Failed
// items from earlier runs are retried.
func (h *BulkHandler) HandleProcessCommand(ctx context.Context, session *UserSession) {
	if !session.IsInBulkMode() {
		session.reply(MsgBulkNotActive)
		return
	}
	b := session.bulk
	if b.Running() {
		session.reply(MsgBulkRunning)
		return
	}
	h.flushAlbum(ctx, session)

	for _, it := range b.Session.Items() {
		if it.Status == bulk.StatusError {
			if err := b.Session.ResetItem(it.ID); err != nil {
				log.Warn().Err(err).Str("itemId", it.ID).Msg("failed to reset bulk item")
			}
		}
	}

	userID := session.UserID()
	style := llm.DefaultStyle()
	if h.services.Settings != nil {
		style = h.services.Settings.User(userID).AI
	}

	runCtx, cancel := context.WithCancel(session.ctx)
	b.cancelRun = cancel
	b.StatusMessageID = 0
	b.LastSnapshot = nil
	b.CurrentItemID = ""

	s := b.Session
	opts := bulk.RunOptions{
		ListingType: b.ListingType,
		UserID:      userID,
		Style:       style,
		OnUpdate: func(snap bulk.Snapshot) {
			h.archive(runCtx, snap)
			session.Send(SessionMessage{Type: "run_update", Ctx: runCtx, Snapshot: &snap})
		},
	}

	session.runs.Add(1)
	go func() {
		defer session.runs.Done()
		defer cancel()
		run, err := h.services.Pipeline.Run(runCtx, s, opts)
		session.Send(SessionMessage{
			Type:      "run_done",
			Ctx:       session.ctx,
			RunResult: &BulkRunResult{SessionID: s.ID(), Run: run, Err: err},
		})
	}()
}

// archive stores a snapshot for later lookup. Failures only cost the archive.
func (h *BulkHandler) archive(ctx context.Context, snap bulk.Snapshot) {
	if h.services.Runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := h.services.Runs.Save(ctx, snap); err != nil {
		log.Warn().Err(err).Str("runId", snap.Run.ID).Msg("failed to archive run snapshot")
	}
}

// HandleRunUpdate shows the latest snapshot in the progress message, editing
// it in place after the first update.
func (h *BulkHandler) HandleRunUpdate(session *UserSession, snap *bulk.Snapshot) {
	b := session.bulk
	if b == nil || snap == nil || snap.Run.SessionID != b.Session.ID() {
		return
	}
	b.LastSnapshot = snap

	text := formatStatusMessage(b.ListingType, snap.Items, &snap.Run)
	if b.StatusMessageID == 0 {
		msg := tgbotapi.NewMessage(session.userId, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		sent := session.replyWithMessage(msg)
		b.StatusMessageID = sent.MessageID
		return
	}
	if err := session.editMessage(b.StatusMessageID, text); err != nil {
		log.Debug().Err(err).Int("messageId", b.StatusMessageID).Msg("failed to update status message")
	}
}

// HandleRunDone reports the outcome of a run.
func (h *BulkHandler) HandleRunDone(session *UserSession, res *BulkRunResult) {
	b := session.bulk
	if b == nil || res == nil || res.SessionID != b.Session.ID() {
		return
	}
	if b.cancelRun != nil {
		b.cancelRun()
		b.cancelRun = nil
	}

	switch {
	case errors.Is(res.Err, bulk.ErrNoEligibleItems):
		session.reply(MsgBulkNoEligibleItems)
	case errors.Is(res.Err, bulk.ErrRunInProgress):
		session.reply(MsgBulkRunning)
	case errors.Is(res.Err, bulk.ErrRunCanceled):
		session.reply(MsgBulkRunCanceled, pluralize("listing", "listings", res.Run.Succeeded))
	case errors.Is(res.Err, bulk.ErrAllItemsFailed):
		session.reply(MsgBulkRunAllFailed)
	case res.Err != nil:
		session.replyWithError(res.Err)
	default:
		session.reply(MsgBulkRunFinished, pluralize("listing", "listings", res.Run.Succeeded), res.Run.Failed())
	}
}

// HandleCancelCommand stops the active run after the current item.
func (h *BulkHandler) HandleCancelCommand(session *UserSession) {
	b := session.bulk
	if b == nil || !b.Running() {
		session.reply(MsgBulkNoRun)
		return
	}
	b.cancelRun()
	session.reply(MsgBulkCancelling)
}

// HandleStatusCommand sends a fresh status message. While a run is active,
// later progress updates edit this message.
func (h *BulkHandler) HandleStatusCommand(session *UserSession) {
	b := session.bulk
	if b == nil {
		session.reply(MsgBulkNotActive)
		return
	}

	var run *bulk.Run
	if b.Running() && b.LastSnapshot != nil {
		run = &b.LastSnapshot.Run
	}
	msg := tgbotapi.NewMessage(session.userId, formatStatusMessage(b.ListingType, b.Session.Items(), run))
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent := session.replyWithMessage(msg)
	if b.Running() {
		b.StatusMessageID = sent.MessageID
	}
}

// HandleDoneCommand leaves bulk mode. Generated listings stay saved.
func (h *BulkHandler) HandleDoneCommand(session *UserSession) {
	if !session.IsInBulkMode() {
		session.reply(MsgBulkNotActive)
		return
	}
	session.EndBulkSession()
	session.reply(MsgBulkEnded)
}

func statusEmoji(s bulk.ItemStatus) string {
	switch s {
	case bulk.StatusAnalyzing:
		return "⏳"
	case bulk.StatusCompleted:
		return "✅"
	case bulk.StatusError:
		return "❌"
	}
	return "🖼"
}

// formatStatusMessage formats the bulk session status. run is nil outside of
// a pipeline run.
func formatStatusMessage(t listing.Type, items []bulk.ItemView, run *bulk.Run) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(MsgBulkStatusHeader, typeLabel(t)))

	if len(items) == 0 {
		sb.WriteString(MsgBulkNoItems)
	}
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. %s ", i+1, statusEmoji(it.Status))
		switch it.Status {
		case bulk.StatusAnalyzing:
			sb.WriteString("analyzing...")
		case bulk.StatusCompleted:
			if it.Generated != nil {
				sb.WriteString(escapeMarkdown(truncate(it.Generated.Title, statusTitleLength)))
				if it.Generated.Price > 0 {
					fmt.Fprintf(&sb, " (%.0f)", it.Generated.Price)
				}
			}
		case bulk.StatusError:
			sb.WriteString(escapeMarkdown(it.Error))
		default:
			sb.WriteString(pluralize("photo", "photos", len(it.Photos)))
		}
		sb.WriteString("\n")
	}

	if run != nil {
		fmt.Fprintf(&sb, MsgBulkRunProgress, run.Processed, run.Total, run.ProgressPercent())
	}
	return sb.String()
}
