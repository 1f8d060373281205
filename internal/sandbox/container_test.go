package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/sysagent/internal/tools"
)

// fakeRuntime answers ps/start/run from env flags and runs exec'd commands
// on the host inside $FAKE_ROOT. Every invocation is appended to $FAKE_LOG.
const fakeRuntime = `#!/bin/sh
echo "$*" >> "$FAKE_LOG"
case "$1" in
ps)
  if [ "$2" = "-q" ] && [ -n "$FAKE_RUNNING" ]; then echo abc123; fi
  if [ "$2" = "-aq" ] && [ -n "$FAKE_EXISTS" ]; then echo abc123; fi
  exit 0
  ;;
start|run)
  exit 0
  ;;
exec)
  if [ -n "$FAKE_DOWN" ]; then
    echo "Error: no container with name or ID found" >&2
    exit 125
  fi
  shift
  [ "$1" = "-i" ] && shift
  [ "$1" = "-w" ] && shift 2
  shift
  cd "$FAKE_ROOT" && exec "$@"
  ;;
esac
exit 1
`

func installFakeRuntime(t *testing.T) (root, logPath string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "fakectl"), []byte(fakeRuntime), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	root = filepath.Join(dir, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))
	logPath = filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_ROOT", root)
	t.Setenv("FAKE_LOG", logPath)
	t.Setenv("FAKE_RUNNING", "")
	t.Setenv("FAKE_EXISTS", "")
	t.Setenv("FAKE_DOWN", "")
	return root, logPath
}

func readCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newFakeContainer(t *testing.T) *Container {
	return NewContainer(ContainerConfig{
		Runtime: "fakectl",
		Name:    "sys-agent-workspace",
		Image:   "sys-agent-workspace:latest",
		HostDir: t.TempDir(),
		Shell:   "sh",
	})
}

func TestContainerEnsureReusesRunning(t *testing.T) {
	_, logPath := installFakeRuntime(t)
	t.Setenv("FAKE_RUNNING", "1")

	require.NoError(t, newFakeContainer(t).Ensure(context.Background()))
	assert.Equal(t, []string{"ps -q -f name=^sys-agent-workspace$"}, readCalls(t, logPath))
}

func TestContainerEnsureStartsStopped(t *testing.T) {
	_, logPath := installFakeRuntime(t)
	t.Setenv("FAKE_EXISTS", "1")

	require.NoError(t, newFakeContainer(t).Ensure(context.Background()))
	calls := readCalls(t, logPath)
	require.Len(t, calls, 3)
	assert.Equal(t, "start sys-agent-workspace", calls[2])
}

func TestContainerEnsureCreates(t *testing.T) {
	_, logPath := installFakeRuntime(t)
	c := newFakeContainer(t)

	require.NoError(t, c.Ensure(context.Background()))
	calls := readCalls(t, logPath)
	require.Len(t, calls, 3)
	assert.True(t, strings.HasPrefix(calls[2], "run -d --name sys-agent-workspace -v "), calls[2])
	assert.True(t, strings.HasSuffix(calls[2], ":/workspace -i sys-agent-workspace:latest"), calls[2])
}

func TestContainerEnsureMissingRuntime(t *testing.T) {
	c := NewContainer(ContainerConfig{Runtime: "no-such-runtime-xyz", Name: "x"})
	err := c.Ensure(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestContainerBoundaryRoundTrip(t *testing.T) {
	root, logPath := installFakeRuntime(t)
	b := New(newFakeContainer(t), Options{})
	ctx := context.Background()

	res := b.Execute(ctx, WriteFileCall{Path: "dir/f.txt", Content: "it's \"quoted\"\n$HOME\n"})
	require.True(t, res.OK(), res.Encode())

	data, err := os.ReadFile(filepath.Join(root, "dir", "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "it's \"quoted\"\n$HOME\n", string(data))

	res = b.Execute(ctx, ReadFileCall{Path: "dir/f.txt"})
	require.True(t, res.OK(), res.Encode())
	assert.Equal(t, "it's \"quoted\"\n$HOME\n", res.Payload["content"])

	res = b.Execute(ctx, ShellCall{Command: "ls dir"})
	require.True(t, res.OK(), res.Encode())
	assert.Equal(t, "f.txt\n", res.Payload["stdout"])

	calls := readCalls(t, logPath)
	assert.True(t, strings.HasPrefix(calls[0], "exec -i -w /workspace sys-agent-workspace sh -c"), calls[0])
	assert.True(t, strings.HasPrefix(calls[len(calls)-1], "exec -w /workspace sys-agent-workspace sh -c ls dir"), calls[len(calls)-1])
}

func TestContainerResolve(t *testing.T) {
	c := NewContainer(ContainerConfig{Name: "x"})
	tests := []struct {
		in   string
		want string
		bad  bool
	}{
		{in: "a.txt", want: "a.txt"},
		{in: "dir/../b.txt", want: "b.txt"},
		{in: "/workspace/dir/c.txt", want: "dir/c.txt"},
		{in: "/workspace", want: "."},
		{in: "../outside.txt", bad: true},
		{in: "/workspace/../../x", bad: true},
		{in: "/etc/passwd", bad: true},
		{in: "/workspacex/a", bad: true},
		{in: " ", bad: true},
	}
	for _, tc := range tests {
		got, err := c.resolve(tc.in)
		if tc.bad {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestContainerPathEscapeIsIOError(t *testing.T) {
	_, logPath := installFakeRuntime(t)
	b := New(newFakeContainer(t), Options{})

	for _, p := range []string{"../outside.txt", "/etc/passwd"} {
		res := b.Execute(context.Background(), WriteFileCall{Path: p, Content: "x"})
		require.False(t, res.OK(), p)
		assert.Equal(t, tools.KindIOError, res.Failure.Kind, p)

		res = b.Execute(context.Background(), ReadFileCall{Path: p})
		require.False(t, res.OK(), p)
		assert.Equal(t, tools.KindIOError, res.Failure.Kind, p)
	}
	assert.Empty(t, readCalls(t, logPath), "rejected paths never reach the runtime")
}

func TestContainerDownIsUnavailable(t *testing.T) {
	installFakeRuntime(t)
	t.Setenv("FAKE_DOWN", "1")
	b := New(newFakeContainer(t), Options{})

	res := b.Execute(context.Background(), ShellCall{Command: "ls"})
	require.False(t, res.OK())
	assert.Equal(t, tools.KindResourceUnavailable, res.Failure.Kind)

	res = b.Execute(context.Background(), ReadFileCall{Path: "a.txt"})
	require.False(t, res.OK())
	assert.Equal(t, tools.KindResourceUnavailable, res.Failure.Kind)
}

func TestContainerStatus(t *testing.T) {
	installFakeRuntime(t)
	c := newFakeContainer(t)

	running, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, running)

	t.Setenv("FAKE_RUNNING", "1")
	running, err = c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, running)
}
