package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/sysagent/internal/skills"
	"github.com/KafClaw/sysagent/internal/tools"
	"github.com/KafClaw/sysagent/internal/web"
)

const (
	// DefaultOutputLimit caps stdout and stderr handed back to the model.
	DefaultOutputLimit = 5000
	// DefaultReadLimit is the page size of read_file.
	DefaultReadLimit = 200
)

// WebClient performs network capabilities.
type WebClient interface {
	Fetch(ctx context.Context, url string) (string, error)
	Search(ctx context.Context, query string, maxResults int) ([]web.SearchResult, error)
}

// SkillSource loads skill instructions.
type SkillSource interface {
	Load(name string) (*skills.Skill, error)
}

// Options configures a Boundary. Nil Web or Skills make those variants
// report ResourceUnavailable.
type Options struct {
	OutputLimit int
	// MaxResults is the search result count when the call names none.
	MaxResults  int
	Web         WebClient
	Skills      SkillSource
}

// Boundary executes capability calls against one workspace.
type Boundary struct {
	ws          Workspace
	web         WebClient
	skills      SkillSource
	outputLimit int
	maxResults  int
}

// New creates a Boundary over ws.
func New(ws Workspace, opts Options) *Boundary {
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = web.DefaultMaxResults
	}
	return &Boundary{
		ws:          ws,
		web:         opts.Web,
		skills:      opts.Skills,
		outputLimit: opts.OutputLimit,
		maxResults:  opts.MaxResults,
	}
}

// Workspace returns the backing workspace.
func (b *Boundary) Workspace() Workspace { return b.ws }

// Execute runs call and classifies any failure. It never panics on a
// workspace error; the deadline on ctx bounds the call.
func (b *Boundary) Execute(ctx context.Context, call Call) tools.Result {
	switch c := call.(type) {
	case ShellCall:
		return b.shell(ctx, c)
	case ReadFileCall:
		return b.readFile(ctx, c)
	case WriteFileCall:
		return b.writeFile(ctx, c)
	case EditFileCall:
		return b.editFile(ctx, c)
	case FetchCall:
		return b.fetch(ctx, c)
	case SearchCall:
		return b.search(ctx, c)
	case SkillCall:
		return b.skill(c)
	default:
		return tools.Fail(tools.KindHandlerError, "unsupported call %T", call)
	}
}

func (b *Boundary) shell(ctx context.Context, c ShellCall) tools.Result {
	if strings.TrimSpace(c.Command) == "" {
		return tools.Fail(tools.KindIOError, "command is required")
	}
	slog.Debug("Executing in workspace", "command", c.Command)
	out, err := b.ws.Exec(ctx, c.Command)
	if err != nil {
		return classify(err, "command")
	}
	payload := map[string]any{
		"stdout":    truncate(out.Stdout, b.outputLimit),
		"stderr":    truncate(out.Stderr, b.outputLimit),
		"exit_code": out.ExitCode,
	}
	if out.ExitCode != 0 {
		return tools.NonZeroExit(out.ExitCode, payload)
	}
	return tools.Success(payload)
}

func (b *Boundary) readFile(ctx context.Context, c ReadFileCall) tools.Result {
	data, err := b.ws.ReadFile(ctx, c.Path)
	if err != nil {
		return classify(err, "read "+c.Path)
	}
	start := c.StartLine
	if start < 1 {
		start = 1
	}
	limit := c.Limit
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	lines := splitLines(string(data))
	total := len(lines)
	var content string
	if start <= total {
		end := start - 1 + limit
		if end > total {
			end = total
		}
		content = strings.Join(lines[start-1:end], "")
	}
	return tools.Success(map[string]any{
		"content":        content,
		"total_lines":    total,
		"start_line":     start,
		"returned_lines": len(splitLines(content)),
	})
}

func (b *Boundary) writeFile(ctx context.Context, c WriteFileCall) tools.Result {
	if err := b.ws.WriteFile(ctx, c.Path, []byte(c.Content)); err != nil {
		return classify(err, "write "+c.Path)
	}
	return tools.Success(map[string]any{
		"path":          c.Path,
		"bytes_written": len(c.Content),
	})
}

func (b *Boundary) editFile(ctx context.Context, c EditFileCall) tools.Result {
	if len(c.Edits) == 0 {
		return tools.Fail(tools.KindIOError, "at least one edit is required")
	}
	data, err := b.ws.ReadFile(ctx, c.Path)
	if err != nil {
		return classify(err, "read "+c.Path)
	}
	content, err := ApplyEdits(string(data), c.Edits)
	if err != nil {
		return tools.Fail(tools.KindIOError, "%s: %v (file left unmodified)", c.Path, err)
	}
	if err := b.ws.WriteFile(ctx, c.Path, []byte(content)); err != nil {
		return classify(err, "write "+c.Path)
	}
	return tools.Success(map[string]any{
		"path":          c.Path,
		"edits_applied": len(c.Edits),
	})
}

// ApplyEdits applies each edit in order. Every search block must occur
// exactly once in the text as it stands when the edit is applied.
func ApplyEdits(content string, edits []Edit) (string, error) {
	for i, e := range edits {
		if e.Search == "" {
			return "", fmt.Errorf("edit %d: search block is empty", i+1)
		}
		switch n := strings.Count(content, e.Search); n {
		case 0:
			return "", fmt.Errorf("edit %d: search block not found; use read_file to verify content", i+1)
		case 1:
			content = strings.Replace(content, e.Search, e.Replace, 1)
		default:
			return "", fmt.Errorf("edit %d: search block matches %d times; add context to make it unique", i+1, n)
		}
	}
	return content, nil
}

func (b *Boundary) fetch(ctx context.Context, c FetchCall) tools.Result {
	if b.web == nil {
		return tools.Fail(tools.KindResourceUnavailable, "network access is not configured")
	}
	text, err := b.web.Fetch(ctx, c.URL)
	if err != nil {
		return classify(err, "fetch "+c.URL)
	}
	return tools.Success(map[string]any{"output": text})
}

func (b *Boundary) search(ctx context.Context, c SearchCall) tools.Result {
	if b.web == nil {
		return tools.Fail(tools.KindResourceUnavailable, "network access is not configured")
	}
	max := c.MaxResults
	if max <= 0 {
		max = b.maxResults
	}
	results, err := b.web.Search(ctx, c.Query, max)
	if err != nil {
		return classify(err, "search")
	}
	hits := make([]map[string]any, 0, len(results))
	for _, r := range results {
		hits = append(hits, map[string]any{"title": r.Title, "url": r.URL, "snippet": r.Snippet})
	}
	return tools.Success(map[string]any{"results": hits})
}

func (b *Boundary) skill(c SkillCall) tools.Result {
	if b.skills == nil {
		return tools.Fail(tools.KindResourceUnavailable, "skills are not configured")
	}
	s, err := b.skills.Load(c.Name)
	if err != nil {
		if errors.Is(err, skills.ErrSkillNotFound) {
			return tools.Fail(tools.KindIOError, "skill '%s' not found", c.Name)
		}
		return classify(err, "load skill "+c.Name)
	}
	return tools.Success(map[string]any{
		"skill": map[string]any{
			"name":         s.Name,
			"skill_dir":    s.Dir,
			"description":  s.Description,
			"instructions": s.Instructions,
		},
	})
}

func classify(err error, what string) tools.Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return tools.Fail(tools.KindTimeout, "%s timed out", what)
	case errors.Is(err, ErrUnavailable):
		return tools.Fail(tools.KindResourceUnavailable, "%s: %v", what, err)
	default:
		return tools.Fail(tools.KindIOError, "%s: %v", what, err)
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-limit)
}
