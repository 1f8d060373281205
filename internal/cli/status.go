package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/sysagent/internal/config"
	"github.com/KafClaw/sysagent/internal/scheduler"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sysagent %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and runtime status",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		printHeader(out, "sysagent status")
		fmt.Fprintf(out, "Version:   %s\n", version)

		path, _ := config.ConfigPath()
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(out, "Config:    ✓ %s\n", path)
		} else {
			fmt.Fprintf(out, "Config:    ✗ not found (run 'sysagent config init')\n")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Model.APIKey != "" {
			fmt.Fprintf(out, "Model:     %s (API key ✓)\n", cfg.Model.Name)
		} else {
			fmt.Fprintf(out, "Model:     %s (no API key)\n", cfg.Model.Name)
		}
		fmt.Fprintf(out, "Runtime:   %s, container %s\n", cfg.Container.Runtime, cfg.Container.Name)
		fmt.Fprintf(out, "Workspace: %s\n", config.ExpandHome(cfg.Paths.Workspace))
		fmt.Fprintf(out, "Whitelist: %v\n", cfg.Agent.Whitelist)
		fmt.Fprintf(out, "Wake:      every %s\n", cfg.Scheduler.WakeInterval)

		lock := scheduler.NewFileLock(cfg.LockPath())
		acquired, err := lock.TryLock()
		switch {
		case err != nil:
			fmt.Fprintf(out, "Scheduler: ? %v\n", err)
		case acquired:
			lock.Unlock()
			fmt.Fprintln(out, "Scheduler: ✗ not running")
		default:
			fmt.Fprintln(out, "Scheduler: ✓ running")
		}
		return nil
	},
}
