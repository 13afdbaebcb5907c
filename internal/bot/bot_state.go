package bot

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// sessionInboxSize bounds how many updates queue up behind a busy worker.
const sessionInboxSize = 10

// BotState owns the per-user sessions. Sessions live until Shutdown.
type BotState struct {
	bot      *Bot
	mu       sync.Mutex
	sessions map[int64]*UserSession
}

func (b *Bot) NewBotState() BotState {
	return BotState{
		bot:      b,
		sessions: make(map[int64]*UserSession),
	}
}

// getUserSession returns the user's session, starting its worker on first use.
func (bs *BotState) getUserSession(userId int64) *UserSession {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if session, ok := bs.sessions[userId]; ok {
		return session
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &UserSession{
		userId: userId,
		sender: bs.bot.tg,
		inbox:  make(chan SessionMessage, sessionInboxSize),
		ctx:    ctx,
		cancel: cancel,
	}
	session.SetHandler(bs.bot)
	session.StartWorker()
	bs.sessions[userId] = session
	log.Info().Int64("userId", userId).Msg("new user session created")
	return session
}

// Shutdown stops every session in parallel and waits for their workers and
// pipeline runs.
func (bs *BotState) Shutdown() {
	bs.mu.Lock()
	sessions := make([]*UserSession, 0, len(bs.sessions))
	for _, session := range bs.sessions {
		sessions = append(sessions, session)
	}
	bs.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.Stop()
		}()
	}
	wg.Wait()
	log.Info().Int("count", len(sessions)).Msg("stopped all session workers")
}
