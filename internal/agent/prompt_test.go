package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/sysagent/internal/skills"
	"github.com/KafClaw/sysagent/internal/tools"
)

type fakeCatalog []skills.Summary

func (c fakeCatalog) Discover() []skills.Summary { return c }

func TestPromptBuilderIncludesCatalogues(t *testing.T) {
	reg := tools.NewRegistry(0)
	_ = reg.Register(tools.Capability{
		Name:        "run_command",
		Description: "Run a shell command in the workspace container",
		Handler:     func(ctx context.Context, args map[string]any) tools.Result { return tools.Success(nil) },
	})
	b := NewPromptBuilder("/srv/agent/workspace", reg, fakeCatalog{{Name: "weather", Description: "Look up forecasts"}})
	b.now = func() time.Time { return time.Date(2026, 3, 9, 10, 30, 0, 0, time.UTC) }

	prompt := b.Build()
	for _, want := range []string{
		"2026-03-09 10:30:00 UTC (Monday)",
		"Yesterday: 2026-03-08 (Sunday)",
		"/srv/agent/workspace",
		"- run_command: Run a shell command in the workspace container",
		"- weather: Look up forecasts",
		"use_skill",
		NoReportMarker,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPromptBuilderWithoutCatalogues(t *testing.T) {
	prompt := NewPromptBuilder("ws", nil, nil).Build()
	if strings.Contains(prompt, "# Skills") || strings.Contains(prompt, "# Tools") {
		t.Errorf("empty catalogues should be omitted")
	}
}
