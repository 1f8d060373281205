package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KafClaw/sysagent/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect or reset persisted conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := sessionManager()
		if err != nil {
			return err
		}
		list, err := mgr.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintf(out, "No sessions in %s\n", mgr.Dir())
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(out, "%-12s %4d messages  updated %s\n", s.Key, s.Messages, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset <key>",
	Short: "Forget a persisted conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := sessionManager()
		if err != nil {
			return err
		}
		if err := mgr.Reset(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s reset\n", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsResetCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionManager() (*session.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.NewManager(cfg.SessionsDir())
}
