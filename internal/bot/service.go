package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rogeecn/marzban-bot/internal/account"
	"github.com/rogeecn/marzban-bot/internal/marzban"
	"github.com/rs/zerolog/log"
)

const (
	defaultTrialDays    = 1
	defaultTrialLimitMB = 500
	timeLayout          = "2006-01-02 15:04 UTC"
)

const (
	msgWelcome       = "Welcome to the VPN bot. Commands:\n- /profile: profile and subscription\n- /trial: get trial access"
	msgNotRegistered = "You are not registered yet. Send /start."
	msgStartFirst    = "Send /start first."
	msgNoRemote      = "There is no active access on the panel. Use /trial or purchase a plan."
	msgProfileFailed = "Could not load your profile right now. Try again later."
	msgAlreadyActive = "You already have active access."
	msgTrialFailed   = "Could not grant trial access. Try again later."
	msgInternal      = "Something went wrong. Try again later."
)

// Store is the part of the local store the commands use.
type Store interface {
	EnsureUser(ctx context.Context, telegramID int64, handle string) (*account.User, bool, error)
	FindUserByTelegramID(ctx context.Context, telegramID int64) (*account.User, error)
	ActiveSubscription(ctx context.Context, userID uint) (*account.Subscription, error)
	CreateSubscription(ctx context.Context, sub *account.Subscription) error
}

// Panel is the part of the panel client the commands use.
type Panel interface {
	GetUser(ctx context.Context, username string) (*marzban.User, error)
	CreateUser(ctx context.Context, username string, limits marzban.Limits) error
}

type Options struct {
	TrialDays    int
	TrialLimitMB int64
}

// Reply is the text sent back to the chat.
type Reply struct {
	Text     string
	Markdown bool
}

// Sender identifies who issued a command.
type Sender struct {
	TelegramID int64
	Handle     string
}

// Service implements the chat commands independently of the transport.
type Service struct {
	store        Store
	panel        Panel
	trialDays    int
	trialLimitMB int64
	now          func() time.Time
}

func NewService(store Store, panel Panel, opts Options) *Service {
	if opts.TrialDays <= 0 {
		opts.TrialDays = defaultTrialDays
	}
	if opts.TrialLimitMB <= 0 {
		opts.TrialLimitMB = defaultTrialLimitMB
	}
	return &Service{
		store:        store,
		panel:        panel,
		trialDays:    opts.TrialDays,
		trialLimitMB: opts.TrialLimitMB,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch routes a command name (without the leading slash) to its handler.
// Unknown commands yield an empty reply. Unexpected failures are logged and
// turned into a generic message.
func (s *Service) Dispatch(ctx context.Context, command string, from Sender) Reply {
	var (
		reply Reply
		err   error
	)
	switch strings.ToLower(command) {
	case "start", "help":
		reply, err = s.Start(ctx, from)
	case "profile":
		reply, err = s.Profile(ctx, from)
	case "trial":
		reply, err = s.Trial(ctx, from)
	default:
		return Reply{}
	}
	if err != nil {
		log.Error().Err(err).Str("command", command).Int64("telegram_id", from.TelegramID).Msg("bot: command failed")
		return Reply{Text: msgInternal}
	}
	return reply
}

// Start registers the sender on first contact and prints the command list.
func (s *Service) Start(ctx context.Context, from Sender) (Reply, error) {
	user, created, err := s.store.EnsureUser(ctx, from.TelegramID, from.Handle)
	if err != nil {
		return Reply{}, fmt.Errorf("start: %w", err)
	}
	if created {
		log.Info().
			Int64("telegram_id", from.TelegramID).
			Str("username", user.MarzbanUsername).
			Msg("bot: user registered")
	}
	return Reply{Text: msgWelcome}, nil
}

// Profile shows the remote usage and the local subscription.
func (s *Service) Profile(ctx context.Context, from Sender) (Reply, error) {
	user, err := s.store.FindUserByTelegramID(ctx, from.TelegramID)
	if errors.Is(err, account.ErrNotFound) {
		return Reply{Text: msgNotRegistered}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("profile: %w", err)
	}

	remote, err := s.panel.GetUser(ctx, user.MarzbanUsername)
	if errors.Is(err, marzban.ErrNotFound) {
		return Reply{Text: msgNoRemote}, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("username", user.MarzbanUsername).Msg("bot: load remote profile failed")
		return Reply{Text: msgProfileFailed}, nil
	}

	sub, err := s.store.ActiveSubscription(ctx, user.ID)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		return Reply{}, fmt.Errorf("profile: %w", err)
	}

	lines := []string{
		"*Profile*",
		fmt.Sprintf("Account: `%s`", user.MarzbanUsername),
	}
	if expireAt, ok := remote.ExpireTime(); ok {
		lines = append(lines, fmt.Sprintf("Expires: `%s`", expireAt.Format(timeLayout)))
	}
	lines = append(lines, fmt.Sprintf("Used: `%s`", humanize.IBytes(uint64(max(remote.UsedTraffic, 0)))))
	if remote.DataLimit != nil && *remote.DataLimit > 0 {
		lines = append(lines, fmt.Sprintf("Limit: `%s`", humanize.IBytes(uint64(*remote.DataLimit))))
	}
	if sub != nil {
		lines = append(lines, fmt.Sprintf("Subscription: `%s` until `%s`", sub.Kind(), sub.EndAt.UTC().Format(timeLayout)))
	}

	return Reply{Text: strings.Join(lines, "\n"), Markdown: true}, nil
}

// Trial grants a time and traffic limited trial. The panel account is
// provisioned before the local subscription is stored, so a panel failure
// leaves no local record behind.
func (s *Service) Trial(ctx context.Context, from Sender) (Reply, error) {
	user, err := s.store.FindUserByTelegramID(ctx, from.TelegramID)
	if errors.Is(err, account.ErrNotFound) {
		return Reply{Text: msgStartFirst}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("trial: %w", err)
	}

	if _, err := s.store.ActiveSubscription(ctx, user.ID); err == nil {
		return Reply{Text: msgAlreadyActive}, nil
	} else if !errors.Is(err, account.ErrNotFound) {
		return Reply{}, fmt.Errorf("trial: %w", err)
	}

	startAt := s.now()
	endAt := startAt.AddDate(0, 0, s.trialDays)
	limits := marzban.NewLimits(s.trialLimitMB*1024*1024, endAt)

	if err := s.panel.CreateUser(ctx, user.MarzbanUsername, limits); err != nil {
		log.Warn().Err(err).Str("username", user.MarzbanUsername).Msg("bot: provision trial failed")
		return Reply{Text: msgTrialFailed}, nil
	}

	sub := &account.Subscription{
		UserID:  user.ID,
		IsTrial: true,
		StartAt: startAt,
		EndAt:   endAt,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, account.ErrActiveExists) {
			return Reply{Text: msgAlreadyActive}, nil
		}
		return Reply{}, fmt.Errorf("trial: %w", err)
	}

	log.Info().
		Str("username", user.MarzbanUsername).
		Uint("subscription_id", sub.ID).
		Time("end_at", endAt).
		Msg("bot: trial granted")
	return Reply{Text: fmt.Sprintf("Trial access granted for %d day(s), limit %d MB. See /profile", s.trialDays, s.trialLimitMB)}, nil
}
