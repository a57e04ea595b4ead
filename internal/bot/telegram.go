package bot

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const pollTimeoutSeconds = 60

type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Runner long-polls Telegram and feeds commands to a Service.
type Runner struct {
	api     botAPI
	service *Service
}

func NewRunner(token string, service *Service) (*Runner, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram: %w", err)
	}
	log.Info().Str("bot", api.Self.UserName).Msg("bot: authorized")
	return &Runner{api: api, service: service}, nil
}

// Run processes updates until ctx is cancelled, then waits for in-flight
// handlers to finish.
func (r *Runner) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	updates := r.api.GetUpdatesChan(cfg)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			r.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.handleUpdate(ctx, update)
			}()
		}
	}
}

func (r *Runner) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	reply := r.service.Dispatch(ctx, msg.Command(), Sender{
		TelegramID: msg.From.ID,
		Handle:     msg.From.UserName,
	})
	if reply.Text == "" {
		return
	}

	out := tgbotapi.NewMessage(msg.Chat.ID, reply.Text)
	if reply.Markdown {
		out.ParseMode = tgbotapi.ModeMarkdown
	}
	if _, err := r.api.Send(out); err != nil {
		log.Warn().Err(err).Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).Msg("bot: send reply failed")
	}
}
