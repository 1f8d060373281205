// Package cli implements the sysagent command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/sysagent/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/sysagent/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                             _\n" +
		"  ___ _   _ ___  __ _  __ _  ___ _ __ | |_\n" +
		" / __| | | / __|/ _` |/ _` |/ _ \\ '_ \\| __|\n" +
		" \\__ \\ |_| \\__ \\ (_| | (_| |  __/ | | | |_\n" +
		" |___/\\__, |___/\\__,_|\\__, |\\___|_| |_|\\__|\n" +
		"      |___/           |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "sysagent",
	Short: "sysagent - autonomous system administration agent",
	Long: color.CyanString(logo) + "\nAn LLM agent that works inside a sandboxed workspace container, " +
		"asks before it runs anything outside its whitelist, and wakes up on a schedule.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func printHeader(out io.Writer, title string) {
	fmt.Fprintln(out, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(out, title)
		fmt.Fprintln(out, "─────────────────────")
	}
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.LogConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

// loadConfig loads the configuration and installs logging on stderr.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log, os.Stderr)
	return cfg, nil
}
