package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

var (
	// ErrUnavailable marks failures of the workspace itself (runtime
	// missing, container stopped) as opposed to the command it ran.
	ErrUnavailable = errors.New("workspace unavailable")
	// ErrOutsideWorkspace is returned for paths that escape the root.
	ErrOutsideWorkspace = errors.New("path outside workspace")
)

// ExecOutput is the captured result of a finished process.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Workspace is the isolated storage and process environment a Boundary
// drives. Relative paths always resolve against the same root.
type Workspace interface {
	// Exec runs command through a shell in the workspace root. A non-zero
	// exit is reported in ExecOutput, not as an error.
	Exec(ctx context.Context, command string) (ExecOutput, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// Ensure makes the workspace ready to accept calls.
	Ensure(ctx context.Context) error
	// Root is the path the model should treat as the workspace root.
	Root() string
}

// waitDelay bounds how long a killed process may keep its pipes open.
const waitDelay = 2 * time.Second

func runProcess(ctx context.Context, stdin io.Reader, name string, args ...string) (ExecOutput, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return out, fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, name)
		}
		return out, err
	}
	return out, nil
}
