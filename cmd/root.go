// Package cmd wires the nightwatch CLI: the long-running gateway, the
// nested worker commands it spawns against project checkouts, and the
// board/migration utilities.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nightwatchhq/nightwatch/internal/config"
)

// Version is set at build time via
// -ldflags "-X github.com/nightwatchhq/nightwatch/cmd.Version=v1.0.0".
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "nightwatch",
	Short: "Night Watch — an engineering team that lives in your chat",
	Long: "Night Watch runs a roster of engineer personas in Slack or Discord: " +
		"they review PRs, triage build failures, audit code on a schedule, and " +
		"talk to each other like a team would.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.nightwatch/config.json5 or $NIGHTWATCH_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(workerCmd("run", "Implement a task or issue in the current project"))
	rootCmd.AddCommand(workerCmd("review", "Review a pull request in the current project"))
	rootCmd.AddCommand(workerCmd("qa", "Run a QA pass over the current project"))
	rootCmd.AddCommand(workerCmd("audit", "Audit the current project and write logs/audit-report.md"))
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// configPath resolves the config file: flag > env > default location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("NIGHTWATCH_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json5"
	}
	return filepath.Join(home, ".nightwatch", "config.json5")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("nightwatch", Version)
		},
	}
}
