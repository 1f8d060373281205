package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/KafClaw/sysagent/internal/skills"
	"github.com/KafClaw/sysagent/internal/tools"
)

// NoReportMarker ends a heartbeat answer that should not be delivered.
const NoReportMarker = "NO_REPORT"

// SkillCatalog lists the skills available to the agent.
type SkillCatalog interface {
	Discover() []skills.Summary
}

// PromptSource produces the system prompt for a turn.
type PromptSource interface {
	Build() string
}

// PromptBuilder assembles the system prompt from runtime info, the
// workspace layout, the capability catalogue and the skills catalogue.
type PromptBuilder struct {
	workspace string
	registry  *tools.Registry
	skills    SkillCatalog
	now       func() time.Time
}

// NewPromptBuilder creates a PromptBuilder. registry and catalog may be nil.
func NewPromptBuilder(workspace string, registry *tools.Registry, catalog SkillCatalog) *PromptBuilder {
	return &PromptBuilder{
		workspace: workspace,
		registry:  registry,
		skills:    catalog,
		now:       time.Now,
	}
}

// Build constructs the full system prompt. It is rebuilt for every turn so
// the clock and the skills list are current.
func (b *PromptBuilder) Build() string {
	var parts []string

	parts = append(parts, b.identity())
	parts = append(parts, workspaceGuide)
	if summary := b.toolsSummary(); summary != "" {
		parts = append(parts, "# Tools\n\n"+summary)
	}
	if summary := b.skillsSummary(); summary != "" {
		parts = append(parts, "# Skills\n\n"+summary)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

func (b *PromptBuilder) identity() string {
	t := b.now()

	// Pre-compute date references so the model never has to do date arithmetic
	yesterday := t.AddDate(0, 0, -1)
	tomorrow := t.AddDate(0, 0, 1)
	dateRef := fmt.Sprintf("- Yesterday: %s (%s)\n- Today: %s (%s)\n- Tomorrow: %s (%s)",
		yesterday.Format("2006-01-02"), yesterday.Format("Monday"),
		t.Format("2006-01-02"), t.Format("Monday"),
		tomorrow.Format("2006-01-02"), tomorrow.Format("Monday"))

	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# sysagent

You are an autonomous system agent. You wake up periodically to perform tasks
and you answer messages from your human operator.

Every command and file operation runs inside an isolated workspace container.
Some capabilities need the operator's confirmation; a declined call comes back
with status "declined" and the operator's reason. Adjust your plan to the
reason instead of retrying the same call.

## Current Time
%s

## Date Reference (use these, do not compute dates yourself)
%s

## Runtime
%s

## Workspace
Your working directory is /workspace (host path: %s).
Relative paths resolve against /workspace. Files there persist between wakeups.`,
		t.Format("2006-01-02 15:04:05 MST (Monday)"), dateRef, runtimeInfo, b.workspacePath())
}

const workspaceGuide = `# Working Memory

- /workspace/CONTEXT.md: high-level goals and project state. Summarize, do not append forever.
- /workspace/TODO.md: active tasks and priorities. Update after every session.
- /workspace/journal/YYYY-MM-DD.md: append-only log of what you did and the outcome.
- /workspace/tmp/: scratch space. Clean it up when done.

## Reporting
When you were woken by a heartbeat, only report significant changes, finished
tasks, or blockers that need the operator. If nothing is worth reporting, end
your answer with ` + NoReportMarker + `.
When the operator sent you a message, always answer it directly.`

func (b *PromptBuilder) toolsSummary() string {
	if b.registry == nil {
		return ""
	}
	defs := b.registry.List()
	if len(defs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("You have the following tools available:\n")
	for _, d := range defs {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", d.Name, d.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) skillsSummary() string {
	if b.skills == nil {
		return ""
	}
	summaries := b.skills.Discover()
	if len(summaries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available specialized skills:\n")
	for _, s := range summaries {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", s.Name, s.Description))
	}
	sb.WriteString("\nUse the `use_skill` tool for detailed instructions.")
	return sb.String()
}

func (b *PromptBuilder) workspacePath() string {
	wsPath := b.workspace
	if strings.HasPrefix(wsPath, "~") {
		home, _ := os.UserHomeDir()
		wsPath = filepath.Join(home, wsPath[1:])
	}
	if abs, err := filepath.Abs(wsPath); err == nil {
		wsPath = abs
	}
	return wsPath
}
