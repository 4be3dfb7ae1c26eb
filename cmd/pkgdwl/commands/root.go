package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lwm2mcore/pkgdwl/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is the level of the default logger, set from the log-level flag.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "pkgdwl",
	Short: "LWM2M update package downloader",
	Long:  `Downloads DWL firmware and software packages, verifies their checksum and stores the payload image.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := config.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		LogLevel.Set(level)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/downloads.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/pkgdwl", "Working directory for images")
	rootCmd.PersistentFlags().Uint32("chunk-size", 4096, "Largest single read from the package source")
	rootCmd.PersistentFlags().Uint64("max-package-size", 512*1024*1024, "Max package size in bytes")
	rootCmd.PersistentFlags().Duration("http-timeout", 0, "HTTP response header timeout (0 uses the default)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "chunk-size",
		"max-package-size", "http-timeout", "s3-region", "log-level",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
