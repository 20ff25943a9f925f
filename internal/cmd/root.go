package cmd

import (
	"github.com/peterje/perfhint/internal/config"
	"github.com/peterje/perfhint/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "perfhint",
	Short: "CPU performance hints for periodic workloads",
	Long: `perfhint runs hintd, the service behind the perfhint Go API. Applications
open hint sessions for their worker threads, report how long each cycle took
against a target, and hintd raises or lowers the threads' CPU boost to match.`,
	SilenceUsage: true,
}

var cfgFile string

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.perfhint/config.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.New(), cfgFile)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}
