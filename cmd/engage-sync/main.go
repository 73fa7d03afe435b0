// Command engage-sync runs the offline sync agent for the engagement
// platform and offers one-shot queue maintenance.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"engage/offline/internal/config"
	"engage/offline/internal/logging"
)

var (
	configPath string
	logLevel   string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "engage-sync",
	Short: "Offline-first sync agent for the engagement platform",
	Long: `engage-sync keeps a local cache of platform entities and a durable
queue of writes made while the platform was unreachable, and replays the
queue when connectivity returns.

Run "engage-sync serve" to start the agent with its local gateway.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv("ENGAGE_CONFIG", configPath); err != nil {
				return err
			}
		}
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded
		logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	queueCmd.AddCommand(queueListCmd, queueClearCmd)
	rootCmd.AddCommand(serveCmd, statusCmd, queueCmd, drainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
