package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/sysagent/internal/api"
	"github.com/KafClaw/sysagent/internal/approval"
	"github.com/KafClaw/sysagent/internal/bus"
	"github.com/KafClaw/sysagent/internal/channels"
	"github.com/KafClaw/sysagent/internal/config"
	"github.com/KafClaw/sysagent/internal/scheduler"
)

// inboxRetention is how long API replies stay retrievable.
const inboxRetention = time.Hour

var (
	serveInitialHeartbeat bool
	serveMute             bool
	serveNoAPI            bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long: "Run the agent: heartbeats every wake interval, human input from the HTTP API, " +
		"Slack messages over Socket Mode when an app token is set, " +
		"confirmations through the API or the approval prompt channel.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveInitialHeartbeat, "initial-heartbeat", false, "Run a heartbeat immediately on start")
	serveCmd.Flags().BoolVar(&serveMute, "mute", false, "Do not deliver heartbeat reports")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "Do not start the HTTP API")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("initial-heartbeat") {
		cfg.Scheduler.InitialHeartbeat = serveInitialHeartbeat
	}
	if cmd.Flags().Changed("mute") {
		cfg.Scheduler.Mute = serveMute
	}
	if serveNoAPI {
		cfg.Gateway.Enabled = false
	}

	out := cmd.OutOrStdout()
	printHeader(out, "sysagent serve")

	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	router, notifier, err := buildRouter(cfg, out)
	if err != nil {
		return err
	}
	inbox := channels.NewInbox(inboxRetention)
	router.Register(inbox)

	approvals := approval.NewManager(st.events, notifier)
	loop := st.loop(approvals)
	queue := bus.NewQueue(cfg.Scheduler.QueueCapacity)
	sched := scheduler.New(scheduler.Config{
		WakeInterval:     cfg.Scheduler.WakeInterval,
		InitialHeartbeat: cfg.Scheduler.InitialHeartbeat,
		Mute:             cfg.Scheduler.Mute,
		NotifyHint:       notifyHint(cfg),
		LockPath:         cfg.LockPath(),
	}, queue, loop,
		scheduler.WithDeliverer(router),
		scheduler.WithEnsure(st.ensure),
		scheduler.WithRecorder(st.recorder),
	)

	listener, err := slackListener(cfg, router, queue, approvals)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// Restore default signal handling so a second interrupt kills the
		// process while a turn is still finishing.
		stop()
	}()

	if err := config.EnsureDir(cfg.DataDir()); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if err := st.ensure(ctx); err != nil {
		return fmt.Errorf("failed to start workspace: %w", err)
	}

	fmt.Fprintf(out, "Model:     %s\n", cfg.Model.Name)
	fmt.Fprintf(out, "Workspace: %s (%s)\n", st.workspace.Root(), cfg.Container.Runtime)
	fmt.Fprintf(out, "Channels:  %v (default %s)\n", router.Names(), router.Fallback())
	if listener != nil {
		fmt.Fprintln(out, "Inbound:   slack (socket mode)")
	}
	if cfg.Gateway.Enabled {
		fmt.Fprintf(out, "API:       http://%s\n", cfg.APIAddr())
	}
	fmt.Fprintln(out, color.GreenString("Running. Press Ctrl+C to stop."))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer queue.Close()
		return sched.Run(gctx)
	})
	if cfg.Gateway.Enabled {
		srv := api.NewServer(api.Options{
			Queue:     queue,
			Inbox:     inbox,
			Approvals: approvals,
			Events:    st.events,
			AuthToken: cfg.Gateway.AuthToken,
		})
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.APIAddr())
		})
	}

	if listener != nil {
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	err = g.Wait()
	slog.Info("Shutdown complete")
	return err
}

// buildRouter registers the configured output channels and picks who
// receives approval prompts: Slack when configured, otherwise the console.
func buildRouter(cfg *config.Config, out io.Writer) (*channels.Router, approval.Notifier, error) {
	router := channels.NewRouter(cfg.Channels.Default)
	console := channels.NewConsoleChannel(out)
	router.Register(console)
	router.Register(channels.NullChannel{})

	var notifier approval.Notifier = approval.NotifyFunc(func(ctx context.Context, text string) error {
		return console.Send(ctx, "approval", text)
	})
	if sc := cfg.Channels.Slack; sc.Enabled {
		slackCh, err := channels.NewSlackChannel(channels.SlackConfig{
			BotToken: sc.BotToken,
			APIBase:  sc.APIBase,
			Channel:  sc.NotifyChannel,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("slack: %w", err)
		}
		router.Register(slackCh)
		if sc.NotifyChannel != "" {
			notifier = slackCh
		}
	}
	return router, notifier, nil
}

// slackListener builds the Socket Mode listener when Slack has an app token.
// It returns nil when inbound Slack is not configured.
func slackListener(cfg *config.Config, router *channels.Router, queue *bus.Queue, approvals channels.ReplyHandler) (*channels.SlackListener, error) {
	sc := cfg.Channels.Slack
	if !sc.Enabled || sc.AppToken == "" {
		return nil, nil
	}
	replies, _ := router.Lookup("slack")
	l, err := channels.NewSlackListener(channels.SlackListenerConfig{
		BotToken: sc.BotToken,
		AppToken: sc.AppToken,
		APIBase:  sc.APIBase,
		Channels: sc.ListenChannels,
	}, channels.NewIntake(queue, approvals), replies)
	if err != nil {
		return nil, fmt.Errorf("slack listener: %w", err)
	}
	return l, nil
}

// notifyHint is where heartbeat reports go.
func notifyHint(cfg *config.Config) string {
	if sc := cfg.Channels.Slack; sc.Enabled && sc.NotifyChannel != "" {
		return "slack:" + sc.NotifyChannel
	}
	return cfg.Channels.Default
}
