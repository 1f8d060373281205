package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/KafClaw/sysagent/internal/agent"
	"github.com/KafClaw/sysagent/internal/approval"
	"github.com/KafClaw/sysagent/internal/config"
	"github.com/KafClaw/sysagent/internal/provider"
	"github.com/KafClaw/sysagent/internal/sandbox"
	"github.com/KafClaw/sysagent/internal/session"
	"github.com/KafClaw/sysagent/internal/skills"
	"github.com/KafClaw/sysagent/internal/timeline"
	"github.com/KafClaw/sysagent/internal/tools"
	"github.com/KafClaw/sysagent/internal/web"
)

// stack holds the components shared by serve and agent: the event log,
// the workspace with its capabilities, conversation storage and the model.
type stack struct {
	cfg       *config.Config
	events    *timeline.Service
	recorder  timeline.Recorder
	workspace sandbox.Workspace
	registry  *tools.Registry
	skills    *skills.Loader
	sessions  *session.Manager
	provider  provider.LLMProvider
	closers   []io.Closer
}

func openStack(cfg *config.Config) (*stack, error) {
	s := &stack{cfg: cfg}
	if err := s.openEvents(); err != nil {
		return nil, err
	}

	wsDir := config.ExpandHome(cfg.Paths.Workspace)
	skillsDir := config.ExpandHome(cfg.Paths.Skills)
	warn, err := config.EnsureWorkspace(wsDir, skillsDir)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if warn != "" {
		slog.Warn("Workspace initialised with warnings", "warning", warn)
	}

	ws, err := newWorkspace(cfg, wsDir)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.workspace = ws
	s.skills = skills.NewLoader(skillsDir)

	boundary := sandbox.New(ws, sandbox.Options{
		OutputLimit: cfg.Tools.OutputLimit,
		MaxResults:  cfg.Tools.MaxResults,
		Web:         web.NewClient(),
		Skills:      s.skills,
	})
	s.registry = tools.NewRegistry(cfg.Tools.Timeout)
	if err := sandbox.RegisterDefaults(s.registry, boundary, cfg.Tools.Timeout); err != nil {
		s.Close()
		return nil, fmt.Errorf("register capabilities: %w", err)
	}

	sessions, err := session.NewManager(cfg.SessionsDir())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("sessions: %w", err)
	}
	s.sessions = sessions

	policy := provider.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Model.MaxRetries
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		slog.Warn("Model call failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
	}
	s.provider = provider.NewOpenAIProvider(cfg.Model.APIKey, cfg.Model.APIBase, cfg.Model.Name,
		provider.WithRetryPolicy(policy))
	return s, nil
}

// openEvents opens the sqlite event log and the optional mirrors.
func (s *stack) openEvents() error {
	cfg := s.cfg.EventLog
	events, err := timeline.Open(cfg.Driver, s.cfg.EventLogPath())
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	s.events = events
	s.closers = append(s.closers, events)

	sinks := []timeline.Recorder{events}
	if cfg.JSONLPath != "" {
		w, err := timeline.NewJSONLWriter(config.ExpandHome(cfg.JSONLPath))
		if err != nil {
			s.Close()
			return err
		}
		sinks = append(sinks, w)
	}
	if cfg.HTTPURL != "" {
		sinks = append(sinks, timeline.NewHTTPStream(cfg.HTTPURL, cfg.HTTPAPIKey))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := timeline.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, k)
		s.closers = append(s.closers, k)
	}
	s.recorder = timeline.Multi(sinks...)
	return nil
}

func newWorkspace(cfg *config.Config, dir string) (sandbox.Workspace, error) {
	if cfg.Container.Runtime == "local" {
		return sandbox.NewLocal(dir)
	}
	return sandbox.NewContainer(sandbox.ContainerConfig{
		Runtime: cfg.Container.Runtime,
		Name:    cfg.Container.Name,
		Image:   cfg.Container.Image,
		HostDir: dir,
		Shell:   cfg.Container.Shell,
	}), nil
}

// loop builds the agent loop around reviewer.
func (s *stack) loop(reviewer approval.Reviewer) *agent.Loop {
	return agent.NewLoop(agent.LoopOptions{
		Provider:  s.provider,
		Registry:  s.registry,
		Gate:      approval.NewGate(reviewer, approval.WithTimeout(s.cfg.Agent.ConfirmTimeout)),
		Whitelist: approval.NewWhitelist(s.cfg.Agent.Whitelist...),
		Recorder:  s.recorder,
		Sessions:  s.sessions,
		Prompt:    agent.NewPromptBuilder(s.workspace.Root(), s.registry, s.skills),
		Observer: agent.ObserverFunc(func(t agent.Transition) {
			slog.Debug("Turn transition", "trace_id", t.TraceID, "iteration", t.Iteration, "from", t.From, "to", t.To)
		}),
		Model:               s.cfg.Model.Name,
		MaxIterations:       s.cfg.Agent.MaxToolIterations,
		MaxTokens:           s.cfg.Model.MaxTokens,
		Temperature:         s.cfg.Model.Temperature,
		PersistConversation: s.cfg.Agent.PersistConversation,
		CompressAfter:       s.cfg.Agent.CompressAfter,
	})
}

// ensure readies the workspace, logging how long it took.
func (s *stack) ensure(ctx context.Context) error {
	start := time.Now()
	if err := s.workspace.Ensure(ctx); err != nil {
		return err
	}
	slog.Debug("Workspace ready", "root", s.workspace.Root(), "took", time.Since(start))
	return nil
}

func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
