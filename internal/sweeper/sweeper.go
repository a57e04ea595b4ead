package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rogeecn/marzban-bot/internal/account"
	"github.com/rs/zerolog/log"
)

const (
	defaultInitialDelay = 60 * time.Second
	defaultInterval     = 5 * time.Minute
	defaultBatchSize    = 100
)

// Store is the slice of the local store the sweeper needs.
type Store interface {
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]account.Subscription, error)
	ExpireSubscriptions(ctx context.Context, ids []uint, now time.Time) (int64, error)
}

// Revoker removes the remote account backing an expired subscription.
type Revoker interface {
	DeleteUser(ctx context.Context, username string) error
}

type Options struct {
	InitialDelay time.Duration
	Interval     time.Duration
	BatchSize    int
}

// Report summarizes one run.
type Report struct {
	RunID        string `json:"run_id"`
	Found        int    `json:"found"`
	Revoked      int    `json:"revoked"`
	RevokeFailed int    `json:"revoke_failed"`
	Expired      int64  `json:"expired"`
}

// Sweeper periodically revokes remote accounts of subscriptions whose end
// time has passed and marks them expired locally.
type Sweeper struct {
	store        Store
	revoker      Revoker
	initialDelay time.Duration
	interval     time.Duration
	batchSize    int
	now          func() time.Time

	runMu sync.Mutex

	stopChan chan struct{}
	doneChan chan struct{}

	mu      sync.Mutex
	running bool
}

func New(store Store, revoker Revoker, opts Options) *Sweeper {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Sweeper{
		store:        store,
		revoker:      revoker,
		initialDelay: opts.InitialDelay,
		interval:     opts.Interval,
		batchSize:    opts.BatchSize,
		now:          func() time.Time { return time.Now().UTC() },
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Debug().Msg("sweeper: start ignored because it is already running")
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	log.Info().
		Dur("initial_delay", s.initialDelay).
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Msg("sweeper: started")
	go s.loop()
}

// Stop halts the schedule and waits for an in-flight run to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		log.Debug().Msg("sweeper: stop ignored because it is not running")
		return
	}
	s.running = false
	stopChan := s.stopChan
	doneChan := s.doneChan
	s.mu.Unlock()

	close(stopChan)
	<-doneChan
	log.Info().Msg("sweeper: stopped")
}

func (s *Sweeper) loop() {
	defer close(s.doneChan)

	delay := time.NewTimer(s.initialDelay)
	defer delay.Stop()

	select {
	case <-delay.C:
	case <-s.stopChan:
		return
	}
	s.tick()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sweeper) tick() {
	// Runs are not cancelled by Stop; they finish on their own.
	if _, err := s.RunOnce(context.Background()); err != nil {
		log.Warn().Err(err).Msg("sweeper: run failed")
	}
}

// RunOnce performs a single sweep. Remote revocation is best effort: a
// failed delete is logged and the subscription is expired anyway. All local
// transitions of the run are committed together.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := Report{RunID: uuid.NewString()}
	now := s.now()

	subs, err := s.store.ListExpiredActive(ctx, now, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("sweep: %w", err)
	}
	report.Found = len(subs)
	if len(subs) == 0 {
		log.Debug().Str("run_id", report.RunID).Msg("sweeper: no expired subscriptions")
		return report, nil
	}

	ids := make([]uint, 0, len(subs))
	for _, sub := range subs {
		// The store already filters on end time; re-check so a misbehaving
		// store can never expire a subscription early.
		if !sub.EndAt.Before(now) {
			continue
		}
		ids = append(ids, sub.ID)

		username := sub.User.MarzbanUsername
		if err := s.revoker.DeleteUser(ctx, username); err != nil {
			report.RevokeFailed++
			log.Warn().
				Err(err).
				Str("run_id", report.RunID).
				Uint("subscription_id", sub.ID).
				Str("username", username).
				Msg("sweeper: revoke remote account failed, expiring locally anyway")
			continue
		}
		report.Revoked++
		log.Info().
			Str("run_id", report.RunID).
			Uint("subscription_id", sub.ID).
			Str("username", username).
			Msg("sweeper: remote account revoked")
	}

	expired, err := s.store.ExpireSubscriptions(ctx, ids, now)
	if err != nil {
		return report, fmt.Errorf("sweep: %w", err)
	}
	report.Expired = expired

	log.Info().
		Str("run_id", report.RunID).
		Int("found", report.Found).
		Int("revoked", report.Revoked).
		Int("revoke_failed", report.RevokeFailed).
		Int64("expired", report.Expired).
		Msg("sweeper: expired subscriptions cleaned")
	return report, nil
}
