package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/export"
	"github.com/shelfie/shelfie/internal/listing"
)

// recentListingsLimit is the number of listings /listings shows
const recentListingsLimit = 10

// ListingsHandler shows and exports a user's saved listings.
type ListingsHandler struct {
	tg       BotAPI
	listings listing.Repository
	now      func() time.Time
}

func NewListingsHandler(tg BotAPI, listings listing.Repository) *ListingsHandler {
	return &ListingsHandler{tg: tg, listings: listings, now: time.Now}
}

// HandleListingsCommand lists the user's newest listings.
func (h *ListingsHandler) HandleListingsCommand(ctx context.Context, session *UserSession) {
	listings, err := h.listings.List(ctx, listing.Filter{UserID: session.UserID(), Limit: recentListingsLimit})
	if err != nil {
		session.replyWithError(fmt.Errorf("failed to list listings: %w", err))
		return
	}
	if len(listings) == 0 {
		session.reply(MsgListingsEmpty)
		return
	}

	var sb strings.Builder
	sb.WriteString(MsgListingsHeader)
	for i, l := range listings {
		fmt.Fprintf(&sb, "%d. *%s*", i+1, escapeMarkdown(truncate(l.Title, statusTitleLength)))
		if l.Price > 0 {
			fmt.Fprintf(&sb, " (%.0f)", l.Price)
		}
		fmt.Fprintf(&sb, " `%s` %s\n", l.Type(), l.Status)
	}
	msg := tgbotapi.NewMessage(session.userId, sb.String())
	msg.ParseMode = tgbotapi.ModeMarkdown
	session.replyWithMessage(msg)
}

// HandleExportCommand sends the user's listings as a spreadsheet. Arguments
// are an optional format and type filter in any order.
func (h *ListingsHandler) HandleExportCommand(ctx context.Context, session *UserSession, args []string) {
	format, filter := export.FormatXLSX, export.FilterAll
	for _, arg := range args {
		if f, err := export.ParseFormat(arg); err == nil {
			format = f
			continue
		}
		if f, err := export.ParseFilter(arg); err == nil {
			filter = f
			continue
		}
		session.reply(MsgExportUsage)
		return
	}

	session.sendTypingAction()
	listings, err := h.listings.List(ctx, listing.Filter{UserID: session.UserID()})
	if err != nil {
		session.replyWithError(fmt.Errorf("failed to list listings: %w", err))
		return
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, listings, filter); err != nil {
		if errors.Is(err, export.ErrNothingToExport) {
			session.reply(MsgExportNothing)
			return
		}
		session.replyWithError(err)
		return
	}

	doc := tgbotapi.NewDocument(session.userId, tgbotapi.FileBytes{
		Name:  export.Filename(format, filter, h.now()),
		Bytes: buf.Bytes(),
	})
	if _, err := h.tg.Send(doc); err != nil {
		session.replyWithError(fmt.Errorf("failed to send export: %w", err))
		return
	}
	log.Info().Int64("userId", session.userId).Str("format", string(format)).Str("filter", string(filter)).Int("listings", len(listings)).Msg("sent export")
}
