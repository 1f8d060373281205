package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/sysagent/internal/config"
	"github.com/KafClaw/sysagent/internal/sandbox"
)

var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage the workspace container",
}

var containerEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create or start the workspace container",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ws, err := loadWorkspace()
		if err != nil {
			return err
		}
		if err := ws.Ensure(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s workspace ready (%s, root %s)\n",
			color.GreenString("✓"), cfg.Container.Runtime, ws.Root())
		return nil
	},
}

var containerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the workspace container is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ws, err := loadWorkspace()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		c, ok := ws.(*sandbox.Container)
		if !ok {
			fmt.Fprintf(out, "local workspace at %s (no container)\n", ws.Root())
			return nil
		}
		running, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		state := color.RedString("stopped")
		if running {
			state = color.GreenString("running")
		}
		fmt.Fprintf(out, "%s container %s: %s\n", cfg.Container.Runtime, c.Name(), state)
		return nil
	},
}

func init() {
	containerCmd.AddCommand(containerEnsureCmd)
	containerCmd.AddCommand(containerStatusCmd)
	rootCmd.AddCommand(containerCmd)
}

func loadWorkspace() (*config.Config, sandbox.Workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	ws, err := newWorkspace(cfg, config.ExpandHome(cfg.Paths.Workspace))
	if err != nil {
		return nil, nil, err
	}
	return cfg, ws, nil
}
