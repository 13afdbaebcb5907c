package bot

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// menuCommands is the Telegram command menu. /start, /help and /admin work
// but are left out of it.
var menuCommands = []tgbotapi.BotCommand{
	{Command: "bulk", Description: "Start a bulk session (fb or general)"},
	{Command: "new", Description: "Start the next item"},
	{Command: "process", Description: "Generate listings for the collected items"},
	{Command: "status", Description: "Show bulk session progress"},
	{Command: "cancel", Description: "Stop the running generation"},
	{Command: "done", Description: "End the bulk session"},
	{Command: "listings", Description: "Show your latest listings"},
	{Command: "export", Description: "Export listings as XLSX or CSV"},
}

// RegisterCommands publishes the command menu. Failures are logged only.
func RegisterCommands(tg BotAPI) {
	if _, err := tg.Request(tgbotapi.NewSetMyCommands(menuCommands...)); err != nil {
		log.Error().Err(err).Msg("failed to set bot commands")
		return
	}
	log.Info().Int("count", len(menuCommands)).Msg("registered bot commands")
}
