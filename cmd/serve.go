package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facetrack/internal/session"
	"github.com/kozaktomas/facetrack/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API and wait for sessions",
	Long: `Start the control API. Sessions are started and stopped remotely with
POST /api/v1/session/start and POST /api/v1/session/stop.

Unsynced confirmations left by an earlier run are pushed on startup.`,
	RunE: runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a recognition session",
	Long: `Load the roster, open the camera and run a recognition session until
interrupted. The control API is served alongside unless --no-api is given.

Examples:
  # Session for schedule 17
  facetrack run --schedule-id 17 --subject "Algorithms" --section B

  # Resume a session after a restart
  facetrack run --schedule-id 17 --session-id session_4f1c...`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)

	for _, c := range []*cobra.Command{serveCmd, runCmd} {
		c.Flags().Int("port", 8090, "Port to listen on")
		c.Flags().String("host", "0.0.0.0", "Host to bind to")
	}

	runCmd.Flags().String("schedule-id", "", "Schedule the session belongs to (required)")
	runCmd.Flags().String("session-id", "", "Session id (generated when empty)")
	runCmd.Flags().String("subject", "", "Class subject, stored with the session")
	runCmd.Flags().String("section", "", "Class section, stored with the session")
	runCmd.Flags().Bool("no-api", false, "Do not serve the control API")
	runCmd.Flags().Duration("stats-interval", time.Minute, "How often to print session statistics (0 disables)")
	_ = runCmd.MarkFlagRequired("schedule-id")
}

func runServe(cmd *cobra.Command, args []string) error {
	return servePipeline(cmd, nil, true, 0)
}

func runRun(cmd *cobra.Command, args []string) error {
	classInfo, err := json.Marshal(map[string]string{
		"subject": mustGetString(cmd, "subject"),
		"section": mustGetString(cmd, "section"),
	})
	if err != nil {
		return fmt.Errorf("encoding class info: %w", err)
	}
	interval, err := cmd.Flags().GetDuration("stats-interval")
	if err != nil {
		return fmt.Errorf("reading --stats-interval: %w", err)
	}

	req := &session.StartRequest{
		SessionID:  mustGetString(cmd, "session-id"),
		ScheduleID: mustGetString(cmd, "schedule-id"),
		ClassInfo:  classInfo,
	}
	return servePipeline(cmd, req, !mustGetBool(cmd, "no-api"), interval)
}

// servePipeline loads everything, resumes sync, optionally starts a session
// and blocks until interrupted.
func servePipeline(cmd *cobra.Command, start *session.StartRequest, withAPI bool, statsInterval time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg.Web.Host, &cfg.Web.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := openPipeline(cfg, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	p.loadRegistry(ctx)
	ctrl := p.newController()

	fmt.Println("Pushing confirmations left by earlier runs...")
	printSyncResult(ctrl.Resume(ctx))

	var server *web.Server
	serverErr := make(chan error, 1)
	if withAPI {
		server = web.NewServer(&cfg.Web, ctrl, p.store, p.registry)
		go func() { serverErr <- server.Start() }()
		fmt.Printf("Control API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	}

	ended := make(chan struct{})
	if start != nil {
		sess, err := ctrl.Start(ctx, *start)
		if err != nil {
			return fmt.Errorf("starting session: %w", err)
		}
		fmt.Printf("Session %s started for schedule %s\n", sess.ID, sess.ScheduleID)
		if !withAPI {
			// Without the API nobody can restart a session that ended on its own.
			go func() {
				ctrl.Wait(ctx)
				close(ended)
			}()
		}
		if statsInterval > 0 {
			go printStats(ctx, ctrl, statsInterval)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case <-sigChan:
		fmt.Println("\nShutting down...")
	case <-ended:
		fmt.Println("Session ended")
	case err := <-serverErr:
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := ctrl.Stop(shutdownCtx); err != nil {
		fmt.Printf("Error stopping session: %v\n", err)
	}
	if st := ctrl.Status(); st.LastError != "" {
		fmt.Printf("Last error: %s\n", st.LastError)
	}
	printSyncResult(p.engine.Sync(shutdownCtx))

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}
	return nil
}

func printStats(ctx context.Context, ctrl *session.Controller, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := ctrl.Status()
			if st.Stats == nil {
				continue
			}
			fmt.Printf("[%s] frames=%d detections=%d identities=%d confirmed=%d pending_writes=%d\n",
				time.Now().Format(time.TimeOnly), st.Frames, st.Stats.TotalDetections,
				st.Stats.UniqueIdentities, st.Stats.Confirmed, st.PendingWrites)
		}
	}
}
