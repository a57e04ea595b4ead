package cmd

import (
	"context"
	"fmt"

	"github.com/rogeecn/marzban-bot/internal/sweeper"
	"github.com/spf13/cobra"
)

var sweepBatchSize int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "立即执行一次到期订阅回收",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().IntVar(&sweepBatchSize, "batch-size", 0, "单次处理上限 (默认: 从 SWEEP_BATCH_SIZE 读取)")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRuntime()
	if err != nil {
		return err
	}
	if sweepBatchSize > 0 {
		cfg.SweepBatchSize = sweepBatchSize
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sweep := sweeper.New(store, newPanelClient(cfg), sweeper.Options{BatchSize: cfg.SweepBatchSize})
	report, err := sweep.RunOnce(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:           %s\n", report.RunID)
	fmt.Fprintf(out, "Found:         %d\n", report.Found)
	fmt.Fprintf(out, "Revoked:       %d\n", report.Revoked)
	fmt.Fprintf(out, "Revoke failed: %d\n", report.RevokeFailed)
	fmt.Fprintf(out, "Expired:       %d\n", report.Expired)
	return nil
}
