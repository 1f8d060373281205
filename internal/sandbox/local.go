package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// DenyPatterns are refused by the host workspace. The container variant has
// no such list: it is isolated from the host.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`,
	`\bdd\b.*\bof=/dev/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`>\s*/dev/sd`,
	`\bchmod\s+-R\s+777\s+/`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
	`\binit\s+[0-6]\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

// Local is a workspace rooted at a host directory. It is meant for
// development and tests; production deployments use Container.
type Local struct {
	root  string
	shell string
	deny  []*regexp.Regexp
}

// NewLocal creates a host workspace rooted at dir (created if missing).
func NewLocal(dir string) (*Local, error) {
	root, err := filepath.Abs(expandHome(dir))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	deny := make([]*regexp.Regexp, 0, len(DenyPatterns))
	for _, p := range DenyPatterns {
		if re, err := regexp.Compile(p); err == nil {
			deny = append(deny, re)
		}
	}
	return &Local{root: root, shell: "sh", deny: deny}, nil
}

func (l *Local) Root() string { return l.root }

// Ensure creates the root directory.
func (l *Local) Ensure(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *Local) Exec(ctx context.Context, command string) (ExecOutput, error) {
	for _, re := range l.deny {
		if re.MatchString(command) {
			return ExecOutput{}, fmt.Errorf("%w: command blocked by host workspace policy", ErrUnavailable)
		}
	}
	if _, err := os.Stat(l.root); err != nil {
		return ExecOutput{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return runProcess(ctx, nil, l.shell, "-c", "cd "+shellQuote(l.root)+" && "+command)
}

func (l *Local) ReadFile(ctx context.Context, p string) ([]byte, error) {
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (l *Local) WriteFile(ctx context.Context, p string, data []byte) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// resolve maps a model-supplied path onto the host root. Relative paths and
// /workspace-prefixed paths land in the same place.
func (l *Local) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := path.Clean(filepath.ToSlash(p))
	switch {
	case clean == ContainerWorkdir || strings.HasPrefix(clean, ContainerWorkdir+"/"):
		clean = strings.TrimPrefix(strings.TrimPrefix(clean, ContainerWorkdir), "/")
	case path.IsAbs(clean):
		if isWithin(l.root, filepath.FromSlash(clean)) {
			return filepath.FromSlash(clean), nil
		}
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	full := filepath.Join(l.root, filepath.FromSlash(clean))
	if !isWithin(l.root, full) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return full, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		home, _ := os.UserHomeDir()
		p = filepath.Join(home, p[1:])
	}
	return p
}

func isWithin(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
