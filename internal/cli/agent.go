package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/KafClaw/sysagent/internal/agent"
	"github.com/KafClaw/sysagent/internal/approval"
	"github.com/KafClaw/sysagent/internal/scheduler"
)

var (
	agentMessage   string
	agentSessionID string
	agentHeartbeat bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a single turn in the terminal",
	Long: "Run one turn against the workspace and print the answer. Capabilities outside " +
		"the whitelist are confirmed interactively.",
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Message to send to the agent")
	agentCmd.Flags().StringVarP(&agentSessionID, "session", "s", scheduler.HumanSession, "Session key for persisted history")
	agentCmd.Flags().BoolVar(&agentHeartbeat, "heartbeat", false, "Run a heartbeat turn instead of a message")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	input := strings.TrimSpace(agentMessage)
	session := agentSessionID
	switch {
	case agentHeartbeat:
		input = scheduler.WakePrompt(time.Now())
		session = scheduler.HeartbeatSession
	case input == "":
		return errors.New("--message is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printHeader(out, "sysagent agent")

	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if err := st.ensure(ctx); err != nil {
		return fmt.Errorf("failed to start workspace: %w", err)
	}

	loop := st.loop(approval.NewTerminalReviewer(os.Stdin, out))
	fmt.Fprintf(out, "sysagent (%s)\n", cfg.Model.Name)
	fmt.Fprintln(out, "Thinking...")

	res := loop.RunTurn(ctx, agent.Turn{
		Input:      input,
		SessionKey: session,
		TraceID:    uuid.NewString(),
	})
	for _, inv := range res.Invocations {
		status := color.GreenString(inv.Decision.String())
		if !inv.Decision.IsApproved() {
			status = color.YellowString(inv.Decision.String())
		}
		fmt.Fprintf(out, "  %s %s (%s)\n", status, inv.Call.Name, inv.Duration.Round(time.Millisecond))
	}
	if !res.OK() {
		if res.Err != nil {
			return fmt.Errorf("turn %s: %s: %w", res.TraceID, res.Outcome, res.Err)
		}
		return fmt.Errorf("turn %s: %s after %d model call(s)", res.TraceID, res.Outcome, res.Iterations)
	}
	fmt.Fprintln(out, "\n"+res.Text)
	fmt.Fprintf(out, "\n%s tokens in %d model call(s)\n",
		color.New(color.Faint).Sprint(res.Usage.TotalTokens), res.Iterations)
	return nil
}
