package cmd

import (
	"context"
	"fmt"

	"github.com/rogeecn/marzban-bot/internal/account"
	"github.com/rogeecn/marzban-bot/internal/config"
	"github.com/rogeecn/marzban-bot/internal/marzban"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "marzban-bot",
	Short:         "Marzban VPN 账号开通与到期回收服务",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// loadRuntime reads the configuration and installs the global logger.
func loadRuntime() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log.Logger = config.InitLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// openStore connects to the configured database and brings the schema up
// to date.
func openStore(ctx context.Context, cfg *config.Config) (*account.Store, error) {
	store, err := account.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newPanelClient(cfg *config.Config) *marzban.Client {
	client := marzban.NewClient(marzban.Options{
		BaseURL:  cfg.MarzbanURL,
		APIKey:   cfg.MarzbanAPIKey,
		Username: cfg.MarzbanUsername,
		Password: cfg.MarzbanPassword,
	})
	if !client.Configured() {
		log.Warn().Msg("MARZBAN_API_URL is empty, panel calls will fail")
	}
	return client
}
