package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/sysagent/internal/timeline"
)

var (
	eventsKind  string
	eventsTrace string
	eventsSince time.Duration
	eventsLimit int
	eventsJSON  bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent entries of the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, err := timeline.Open(cfg.EventLog.Driver, cfg.EventLogPath())
		if err != nil {
			return err
		}
		defer svc.Close()

		filter := timeline.Filter{Kind: eventsKind, TraceID: eventsTrace, Limit: eventsLimit}
		if eventsSince > 0 {
			since := time.Now().Add(-eventsSince)
			filter.Since = &since
		}
		records, err := svc.List(cmd.Context(), filter)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if eventsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "No events.")
			return nil
		}
		for _, r := range records {
			fmt.Fprintf(out, "%s  %-12s %-10s %-8s %s\n",
				r.Timestamp.Local().Format("2006-01-02 15:04:05"),
				r.Kind, r.Outcome, shortID(r.TraceID), preview(string(r.Payload), 100))
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "Only show this kind (tool_use, turn, schedule, approval, delivery, llm_response)")
	eventsCmd.Flags().StringVar(&eventsTrace, "trace", "", "Only show events of one turn")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only show events newer than this (e.g. 1h)")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "Maximum number of events")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(eventsCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
