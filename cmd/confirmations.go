package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/database"
)

var confirmationsCmd = &cobra.Command{
	Use:   "confirmations",
	Short: "Show the local attendance record",
	Long: `Show confirmations from the local store.

Examples:
  # Recent sessions
  facetrack confirmations

  # Confirmations of one session
  facetrack confirmations --session session_4f1c...

  # Everything still waiting to be pushed
  facetrack confirmations --unsynced`,
	RunE: runConfirmations,
}

func init() {
	rootCmd.AddCommand(confirmationsCmd)

	confirmationsCmd.Flags().String("session", "", "Show confirmations of this session")
	confirmationsCmd.Flags().Bool("unsynced", false, "Show confirmations not yet synced")
	confirmationsCmd.Flags().Int("limit", 20, "Number of sessions to list")
}

func runConfirmations(cmd *cobra.Command, args []string) error {
	sessionID := mustGetString(cmd, "session")
	unsynced := mustGetBool(cmd, "unsynced")
	if sessionID != "" && unsynced {
		return errors.New("--session and --unsynced are mutually exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := database.Open(&cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var list []attendance.Confirmation
	switch {
	case sessionID != "":
		list, err = store.ConfirmationsBySession(ctx, sessionID)
	case unsynced:
		list, err = store.UnsyncedConfirmations(ctx)
	default:
		return listSessions(ctx, store, mustGetInt(cmd, "limit"))
	}
	if err != nil {
		return fmt.Errorf("reading confirmations: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tID\tNAME\tDETECTIONS\tCONFIDENCE\tCONFIRMED\tSYNCED")
	for _, c := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\t%t\n", c.SessionID, c.IdentityID, c.DisplayName,
			c.DetectionCount, c.AvgConfidence, c.ConfirmedAt.Local().Format(time.DateTime), c.Synced)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d confirmations\n", len(list))
	return nil
}

func listSessions(ctx context.Context, store database.Store, limit int) error {
	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSCHEDULE\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.ScheduleID, s.StartedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
