package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/facetrack/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "facetrack",
	Short: "Face recognition attendance for class sessions",
	Long: `Facetrack watches a camera during a class session, matches faces against
the enrolled roster and turns repeated sightings into confirmed attendance.
Confirmations are stored locally first and pushed to the attendance service
whenever it is reachable.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (.yaml, or legacy face_config.json/.jsonc)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig loads the configuration selected by --config or FACETRACK_CONFIG.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
