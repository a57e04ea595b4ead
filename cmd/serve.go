package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rogeecn/marzban-bot/internal/bot"
	"github.com/rogeecn/marzban-bot/internal/config"
	"github.com/rogeecn/marzban-bot/internal/server"
	"github.com/rogeecn/marzban-bot/internal/sweeper"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

type serveRunner interface {
	Start() error
	Stop(ctx context.Context) error
}

type serveSweeper interface {
	Start()
	Stop()
	RunOnce(ctx context.Context) (sweeper.Report, error)
}

type botRunner interface {
	Run(ctx context.Context) error
}

var (
	serveAdminHost string
	serveAdminPort int
)

var (
	newServeServer = func(cfg *config.Config, panel server.Panel, sweep server.SweepRunner) serveRunner {
		return server.New(cfg, panel, sweep)
	}
	newServeSweeper = func(cfg *config.Config, store sweeper.Store, revoker sweeper.Revoker) serveSweeper {
		return sweeper.New(store, revoker, sweeper.Options{
			InitialDelay: cfg.SweepInitialDelay,
			Interval:     cfg.SweepInterval,
			BatchSize:    cfg.SweepBatchSize,
		})
	}
	newServeBot = func(token string, svc *bot.Service) (botRunner, error) {
		return bot.NewRunner(token, svc)
	}
	signalNotifyContext = signal.NotifyContext
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动机器人、到期回收任务与管理接口",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAdminHost, "admin-host", "", "管理接口监听地址 (默认: 从 ADMIN_HOST 读取)")
	serveCmd.Flags().IntVar(&serveAdminPort, "admin-port", 0, "管理接口监听端口 (默认: 从 ADMIN_PORT 读取)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadRuntime()
	if err != nil {
		return err
	}
	if serveAdminHost != "" {
		cfg.AdminHost = serveAdminHost
	}
	if serveAdminPort > 0 {
		cfg.AdminPort = serveAdminPort
	}
	log.Info().
		Str("log_level", cfg.LogLevel).
		Msg("logger initialized")

	store, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	panel := newPanelClient(cfg)

	sweep := newServeSweeper(cfg, store, panel)
	sweep.Start()
	defer sweep.Stop()
	log.Info().Msg("expiration sweeper attached to serve lifecycle")

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var botDone chan error
	if cfg.BotToken != "" {
		svc := bot.NewService(store, panel, bot.Options{
			TrialDays:    cfg.TrialDays,
			TrialLimitMB: cfg.TrialLimitMB,
		})
		runner, err := newServeBot(cfg.BotToken, svc)
		if err != nil {
			return err
		}
		botDone = make(chan error, 1)
		go func() {
			botDone <- runner.Run(ctx)
		}()
	} else {
		log.Warn().Msg("BOT_TOKEN is empty, telegram bot disabled")
	}

	var srv serveRunner
	var startErrCh chan error
	if cfg.AdminEnabled() {
		srv = newServeServer(cfg, panel, sweep)
		startErrCh = make(chan error, 1)
		go func() {
			startErrCh <- srv.Start()
		}()
	} else {
		log.Info().Msg("ADMIN_TOKEN is empty, admin api disabled")
	}

	select {
	case err := <-startErrCh:
		if err != nil {
			log.Error().Err(err).Msg("admin server exited with error")
		}
		stop()
		waitBot(botDone)
		return err
	case err := <-botDone:
		if err != nil {
			log.Error().Err(err).Msg("bot exited with error")
		}
		stop()
		if srv != nil {
			if stopErr := stopServer(srv, startErrCh); stopErr != nil && err == nil {
				err = stopErr
			}
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	var shutdownErr error
	if srv != nil {
		shutdownErr = stopServer(srv, startErrCh)
	}
	waitBot(botDone)
	return shutdownErr
}

func stopServer(srv serveRunner, startErrCh <-chan error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("admin server shutdown failed")
		return err
	}

	select {
	case err := <-startErrCh:
		if err != nil {
			log.Error().Err(err).Msg("admin server exited after shutdown with error")
		}
		return err
	case <-time.After(shutdownTimeout):
		log.Error().Msg("admin server shutdown timed out")
		return fmt.Errorf("shutdown timeout")
	}
}

func waitBot(botDone <-chan error) {
	if botDone == nil {
		return
	}
	select {
	case err := <-botDone:
		if err != nil {
			log.Error().Err(err).Msg("bot exited with error")
		}
	case <-time.After(shutdownTimeout):
		log.Error().Msg("bot shutdown timed out")
	}
}
