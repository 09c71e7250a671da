package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push unsynced confirmations to the attendance service",
	Long: `Push every confirmation not yet acknowledged by the attendance service.
Only items the service lists as accepted are marked synced; the rest stay
queued for the next run.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := openPipeline(cfg, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.engine.Sync(context.Background())
	printSyncResult(res, nil)
	if err != nil {
		return fmt.Errorf("sync incomplete: %w", err)
	}
	return nil
}
