// Package cli implements the leafmark maintenance CLI: inspecting and
// repairing the local persistence core that backs the reader UI.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leafmark/leafmark/internal/config"
	"github.com/leafmark/leafmark/internal/logging"
)

var (
	cfgFile string
	dataDir string
	verbose bool
	cfg     *config.Config
	logger  *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "leafmark",
	Short: "Local persistence core for the leafmark document reader",
	Long: `Leafmark manages the document reader's local state: the encrypted
secret vault holding the completion-API key, the versioned per-document
state store, and the sync files that carry reading progress between
devices.

All data stays on this machine except what you explicitly bind to a
sync file.`,
	Version: "1.0.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if dataDir != "" {
			cfg.DataDir = dataDir
			cfg.StatePath = filepath.Join(dataDir, "state.db")
		}

		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/leafmark/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory override")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(doctorCmd)
}

func initConfig() {
	if cfgFile != "" {
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get home directory: %v\n", err)
		os.Exit(1)
	}

	cfgFile = filepath.Join(home, ".config", "leafmark", "config.yaml")
}
