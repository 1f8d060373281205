package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
)

// ContainerWorkdir is where the workspace volume is mounted.
const ContainerWorkdir = "/workspace"

// runtimeErrorCode is the exit status podman and docker use when the
// runtime itself failed (no such container, daemon down).
const runtimeErrorCode = 125

// ContainerConfig selects the runtime and container backing a workspace.
type ContainerConfig struct {
	Runtime string // podman or docker
	Name    string
	Image   string
	HostDir string // mounted at ContainerWorkdir
	Workdir string
	Shell   string
}

// Container runs every call inside a long-lived container via
// `<runtime> exec`.
type Container struct {
	cfg ContainerConfig
}

// NewContainer fills defaults for an unset runtime, workdir and shell.
func NewContainer(cfg ContainerConfig) *Container {
	if cfg.Runtime == "" {
		cfg.Runtime = "podman"
	}
	if cfg.Workdir == "" {
		cfg.Workdir = ContainerWorkdir
	}
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	if cfg.HostDir == "" {
		cfg.HostDir = "./workspace"
	}
	return &Container{cfg: cfg}
}

func (c *Container) Root() string { return c.cfg.Workdir }

// Name returns the container name.
func (c *Container) Name() string { return c.cfg.Name }

func (c *Container) Exec(ctx context.Context, command string) (ExecOutput, error) {
	return c.exec(ctx, nil, c.cfg.Shell, "-c", command)
}

func (c *Container) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rel, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	out, err := c.exec(ctx, nil, "cat", "--", rel)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("read %s: %s", p, firstLine(out.Stderr, "exit code "+fmt.Sprint(out.ExitCode)))
	}
	return []byte(out.Stdout), nil
}

func (c *Container) WriteFile(ctx context.Context, p string, data []byte) error {
	rel, err := c.resolve(p)
	if err != nil {
		return err
	}
	// Content travels over stdin so no quoting or size limits apply.
	script := `mkdir -p "$(dirname "$1")" && cat > "$1"`
	out, err := c.exec(ctx, bytes.NewReader(data), "sh", "-c", script, "sh", rel)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("write %s: %s", p, firstLine(out.Stderr, "exit code "+fmt.Sprint(out.ExitCode)))
	}
	return nil
}

// resolve maps a model-supplied path to one relative to the container
// workdir. Absolute paths must lie under the workdir.
func (c *Container) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	root := path.Clean(c.cfg.Workdir)
	clean := path.Clean(p)
	if path.IsAbs(clean) {
		if clean != root && !strings.HasPrefix(clean, root+"/") {
			return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
		}
		clean = strings.TrimPrefix(strings.TrimPrefix(clean, root), "/")
		if clean == "" {
			clean = "."
		}
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return clean, nil
}

func (c *Container) exec(ctx context.Context, stdin io.Reader, args ...string) (ExecOutput, error) {
	full := []string{"exec"}
	if stdin != nil {
		full = append(full, "-i")
	}
	full = append(full, "-w", c.cfg.Workdir, c.cfg.Name)
	full = append(full, args...)

	out, err := runProcess(ctx, stdin, c.cfg.Runtime, full...)
	if err != nil {
		return out, err
	}
	if out.ExitCode == runtimeErrorCode {
		return out, fmt.Errorf("%w: %s", ErrUnavailable, firstLine(out.Stderr, "container runtime error"))
	}
	return out, nil
}

// Ensure makes the workspace container run: an existing running container
// is reused, a stopped one is started, otherwise a new one is created with
// the host directory mounted at ContainerWorkdir.
func (c *Container) Ensure(ctx context.Context) error {
	if _, err := exec.LookPath(c.cfg.Runtime); err != nil {
		return fmt.Errorf("%w: container runtime %q not found in PATH", ErrUnavailable, c.cfg.Runtime)
	}
	filter := "name=^" + c.cfg.Name + "$"

	running, err := runProcess(ctx, nil, c.cfg.Runtime, "ps", "-q", "-f", filter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(running.Stdout) != "" {
		slog.Debug("Workspace container already running", "container", c.cfg.Name)
		return nil
	}

	all, err := runProcess(ctx, nil, c.cfg.Runtime, "ps", "-aq", "-f", filter)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(all.Stdout) != "" {
		slog.Info("Starting stopped workspace container", "container", c.cfg.Name)
		out, err := runProcess(ctx, nil, c.cfg.Runtime, "start", c.cfg.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if out.ExitCode != 0 {
			return fmt.Errorf("%w: start %s: %s", ErrUnavailable, c.cfg.Name, firstLine(out.Stderr, "failed"))
		}
		return nil
	}

	hostDir, err := filepath.Abs(expandHome(c.cfg.HostDir))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	slog.Info("Creating workspace container", "container", c.cfg.Name, "image", c.cfg.Image, "host_dir", hostDir)
	out, err := runProcess(ctx, nil, c.cfg.Runtime,
		"run", "-d",
		"--name", c.cfg.Name,
		"-v", hostDir+":"+ContainerWorkdir,
		"-i",
		c.cfg.Image,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("%w: create %s: %s", ErrUnavailable, c.cfg.Name, firstLine(out.Stderr, "failed"))
	}
	return nil
}

// Status reports whether the container is running.
func (c *Container) Status(ctx context.Context) (bool, error) {
	out, err := runProcess(ctx, nil, c.cfg.Runtime, "ps", "-q", "-f", "name=^"+c.cfg.Name+"$")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out.Stdout) != "", nil
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
