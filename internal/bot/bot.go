package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shelfie/shelfie/internal/bulk"
	"github.com/shelfie/shelfie/internal/listing"
	"github.com/shelfie/shelfie/internal/runstore"
	"github.com/shelfie/shelfie/internal/storage"
)

// BotAPI defines the interface for Telegram bot API operations.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// AccessStore is the whitelist of Telegram users besides the admin.
type AccessStore interface {
	IsUserAllowed(telegramID int64) (bool, error)
	AddAllowedUser(telegramID, addedBy int64) error
	RemoveAllowedUser(telegramID int64) error
	GetAllowedUsers() ([]storage.AllowedUser, error)
}

// Services are the shared components behind the bot. Settings and Runs are
// optional.
type Services struct {
	Pipeline  *bulk.Pipeline
	Listings  listing.Repository
	Settings  *storage.SettingsService
	Runs      runstore.Store
	MaxPhotos int
}

// Bot is the main Telegram bot handler.
type Bot struct {
	tg      BotAPI
	state   BotState
	access  AccessStore
	adminID int64

	bulkHandler *BulkHandler
	listings    *ListingsHandler
}

// NewBot creates a new Bot instance.
func NewBot(tg BotAPI, access AccessStore, adminID int64, services Services) *Bot {
	bot := &Bot{
		tg:      tg,
		access:  access,
		adminID: adminID,
	}

	bot.state = bot.NewBotState()
	bot.bulkHandler = NewBulkHandler(tg, services)
	bot.listings = NewListingsHandler(tg, services.Listings)

	return bot
}

// HandleUpdate is the main message router.
// It dispatches messages to the appropriate session worker for sequential processing.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, false)
}

// handleUpdateSync is like handleUpdate but waits for message processing to complete.
// Used in tests where we need synchronous behavior.
func (b *Bot) handleUpdateSync(ctx context.Context, update tgbotapi.Update) {
	b.dispatchUpdate(ctx, update, true)
}

// dispatchUpdate routes updates to the appropriate session worker.
// If sync is true, it waits for message processing to complete.
func (b *Bot) dispatchUpdate(ctx context.Context, update tgbotapi.Update, sync bool) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	userId := update.Message.From.ID

	// Check if user is allowed (admin always allowed)
	// MUST be before getUserSession to prevent memory exhaustion from random user IDs
	if userId != b.adminID {
		allowed, err := b.access.IsUserAllowed(userId)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userId).Msg("whitelist check failed")
			return // Fail closed
		}
		if !allowed {
			return // Silent drop
		}
	}

	session := b.state.getUserSession(userId)

	msgType := "text"
	if len(update.Message.Photo) > 0 {
		msgType = "photo"
	}
	log.Info().Str("text", update.Message.Text).Str("type", msgType).Int64("userId", userId).Msg("got message")

	msg := SessionMessage{
		Type:    msgType,
		Ctx:     ctx,
		Message: update.Message,
	}
	if sync {
		session.SendSync(msg)
	} else {
		session.Send(msg)
	}
}

// HandleSessionMessage implements MessageHandler interface.
// This is called by the session worker goroutine for sequential processing.
// No mutex locking is needed here since only one goroutine accesses session state.
func (b *Bot) HandleSessionMessage(ctx context.Context, session *UserSession, msg SessionMessage) {
	switch msg.Type {
	case "photo":
		b.bulkHandler.HandlePhoto(ctx, session, msg.Message)
	case "text":
		b.handleCommand(ctx, session, msg.Message)
	case "album_timeout":
		b.bulkHandler.ProcessAlbumTimeout(msg.Ctx, session, msg.AlbumBuffer)
	case "run_update":
		b.bulkHandler.HandleRunUpdate(session, msg.Snapshot)
	case "run_done":
		b.bulkHandler.HandleRunDone(session, msg.RunResult)
	}
}

// handleCommand processes bot commands.
// Called from session worker - no locking needed.
func (b *Bot) handleCommand(ctx context.Context, session *UserSession, message *tgbotapi.Message) {
	command, args := parseCommand(message.Text)
	switch command {
	case "/start", "/help":
		session.reply(MsgStartPrompt)
	case "/bulk":
		b.bulkHandler.HandleBulkCommand(session, args)
	case "/new":
		b.bulkHandler.HandleNewCommand(ctx, session)
	case "/process":
		b.bulkHandler.HandleProcessCommand(ctx, session)
	case "/cancel":
		b.bulkHandler.HandleCancelCommand(session)
	case "/status":
		b.bulkHandler.HandleStatusCommand(session)
	case "/done":
		b.bulkHandler.HandleDoneCommand(session)
	case "/listings":
		b.listings.HandleListingsCommand(ctx, session)
	case "/export":
		b.listings.HandleExportCommand(ctx, session, args)
	case "/admin":
		b.handleAdminCommand(session, args)
	default:
		if session.IsInBulkMode() {
			session.reply(MsgSendPhotosOrDone)
			return
		}
		session.reply(MsgUnknownCommand)
	}
}

// handleAdminCommand handles /admin command with subcommands.
// Only the admin user can use this command (defense in depth check).
func (b *Bot) handleAdminCommand(session *UserSession, parts []string) {
	// Defense in depth: verify caller is admin even though whitelist check passed
	if session.userId != b.adminID {
		return // Silent drop for non-admin users
	}

	if len(parts) < 2 || parts[0] != "users" {
		session.reply(MsgAdminUsage)
		return
	}
	b.handleAdminUsersCommand(session, parts[1], parts[2:])
}

// handleAdminUsersCommand handles /admin users subcommands.
func (b *Bot) handleAdminUsersCommand(session *UserSession, action string, args []string) {
	switch action {
	case "add":
		if len(args) < 1 {
			session.reply(MsgAdminUserAddUsage)
			return
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			session.reply(MsgAdminUserInvalidID)
			return
		}
		if err := b.access.AddAllowedUser(userID, session.userId); err != nil {
			session.replyWithError(err)
			return
		}
		session.reply(MsgAdminUserAdded, userID)

	case "remove":
		if len(args) < 1 {
			session.reply(MsgAdminUserRemoveUsage)
			return
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			session.reply(MsgAdminUserInvalidID)
			return
		}
		if err := b.access.RemoveAllowedUser(userID); err != nil {
			session.replyWithError(err)
			return
		}
		session.reply(MsgAdminUserRemoved, userID)

	case "list":
		users, err := b.access.GetAllowedUsers()
		if err != nil {
			session.replyWithError(err)
			return
		}
		if len(users) == 0 {
			session.reply(MsgAdminNoUsers)
			return
		}
		var sb strings.Builder
		sb.WriteString(MsgAdminAllowedUsers)
		for _, u := range users {
			sb.WriteString(fmt.Sprintf("• `%d` (added %s)\n", u.TelegramID, u.AddedAt.Format("2006-01-02")))
		}
		session.reply(sb.String())

	default:
		session.reply(MsgAdminUsage)
	}
}

// Shutdown stops every session worker and the runs they started.
func (b *Bot) Shutdown() {
	b.state.Shutdown()
}

// Run receives updates until ctx is canceled. Each update is dispatched on
// its own goroutine; per-user ordering is kept by the session workers.
func Run(ctx context.Context, tg *tgbotapi.BotAPI, b *Bot) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := tg.GetUpdatesChan(updateConfig)

	var wg sync.WaitGroup
	defer func() {
		log.Info().Msg("waiting for active handlers to finish")
		wg.Wait()
		b.Shutdown()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping bot update loop")
			tg.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				log.Warn().Msg("updates channel closed")
				return nil
			}
			wg.Add(1)
			go func(u tgbotapi.Update) {
				defer wg.Done()
				b.HandleUpdate(ctx, u)
			}(update)
		}
	}
}
