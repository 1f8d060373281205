package sandbox

import (
	"context"
	"time"

	"github.com/KafClaw/sysagent/internal/tools"
)

const pathDescription = "Path to the file (relative to /workspace or absolute)."

// RegisterDefaults registers the workspace, network and skill capabilities
// on reg, all routed through b. A zero timeout uses the registry default.
func RegisterDefaults(reg *tools.Registry, b *Boundary, timeout time.Duration) error {
	caps := []tools.Capability{
		{
			Name:        "run_command",
			Description: "Execute a shell command inside the workspace and return stdout, stderr and the exit code.",
			Schema: object(map[string]any{
				"command": str("The shell command to execute in the workspace container."),
			}, "command"),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				return b.Execute(ctx, ShellCall{Command: tools.GetString(args, "command", "")})
			},
		},
		{
			Name:        "read_file",
			Description: "Read a text file from the workspace. Long files are paginated with start_line and limit.",
			Schema: object(map[string]any{
				"filename":   str(pathDescription),
				"start_line": integer("The line number to start reading from (default: 1). Use this for pagination."),
				"limit":      integer("The maximum number of lines to read (default: 200)."),
			}, "filename"),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				return b.Execute(ctx, ReadFileCall{
					Path:      tools.GetString(args, "filename", ""),
					StartLine: tools.GetInt(args, "start_line", 1),
					Limit:     tools.GetInt(args, "limit", DefaultReadLimit),
				})
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the workspace. Parent directories are created.",
			Schema: object(map[string]any{
				"filename": str(pathDescription),
				"content":  str("The content to write."),
			}, "filename", "content"),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				return b.Execute(ctx, WriteFileCall{
					Path:    tools.GetString(args, "filename", ""),
					Content: tools.GetString(args, "content", ""),
				})
			},
		},
		{
			Name:        "edit_file",
			Description: "Apply search-and-replace edits to a workspace file. Each search block must match exactly once.",
			Schema: object(map[string]any{
				"filename": str(pathDescription),
				"edits": map[string]any{
					"type":        "array",
					"description": "A list of one or more search-and-replace operations to apply sequentially.",
					"minItems":    1,
					"items": object(map[string]any{
						"search":  str("The exact snippet to look for. Must be a literal match, including whitespace and comments."),
						"replace": str("The new text to put in place of the search block."),
					}, "search", "replace"),
				},
			}, "filename", "edits"),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				return b.Execute(ctx, EditFileCall{
					Path:  tools.GetString(args, "filename", ""),
					Edits: editsArg(args["edits"]),
				})
			},
		},
		{
			Name:        "fetch",
			Description: "Download a web page and return its readable text.",
			Schema: object(map[string]any{
				"url": str("The URL of the web page to fetch."),
			}, "url"),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				return b.Execute(ctx, FetchCall{URL: tools.GetString(args, "url", "")})
			},
		},
		{
			Name:        "web_search",
			Description: "Search the web and return titles, URLs and snippets of the top results.",
			Schema: object(map[string]any{
				"query": str("The search query."),
			}, "query"),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				return b.Execute(ctx, SearchCall{Query: tools.GetString(args, "query", "")})
			},
		},
		{
			Name:        "use_skill",
			Description: "Load the instructions of a skill listed in the system prompt.",
			Schema: object(map[string]any{
				"skill_name": str("The name of the skill to load."),
			}, "skill_name"),
			Handler: func(ctx context.Context, args map[string]any) tools.Result {
				return b.Execute(ctx, SkillCall{Name: tools.GetString(args, "skill_name", "")})
			},
		},
	}
	for _, c := range caps {
		c.Timeout = timeout
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func editsArg(v any) []Edit {
	items, _ := v.([]any)
	edits := make([]Edit, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		edits = append(edits, Edit{
			Search:  tools.GetString(m, "search", ""),
			Replace: tools.GetString(m, "replace", ""),
		})
	}
	return edits
}
