package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrexodia/procrun/command"
	"github.com/mrexodia/procrun/supervisor"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		arg     string
		want    step
		wantErr bool
	}{
		{arg: "server", want: step{action: "run", name: "server"}},
		{arg: "server:keepalive", want: step{action: "run", name: "server", keepalive: true}},
		{arg: "stop:server", want: step{action: "stop", name: "server"}},
		{arg: "wait:server", want: step{action: "wait", name: "server"}},
		{arg: "stop:", wantErr: true},
		{arg: "server:forever", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseStep(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseValues(t *testing.T) {
	values, err := parseValues([]string{"target=release", "name=my app", "empty="})
	require.NoError(t, err)
	assert.Equal(t, command.Values{"target": "release", "name": "my app", "empty": ""}, values)

	_, err = parseValues([]string{"novalue"})
	assert.Error(t, err)
}

func TestExitStatus(t *testing.T) {
	assert.Equal(t, 3, exitStatus(&reportedError{err: &supervisor.ExitError{Name: "x", Code: 3}}))
	assert.Equal(t, 1, exitStatus(&reportedError{err: supervisor.ErrErrorOutput}))
	assert.Equal(t, 1, exitStatus(errors.New("boom")))
}

func execute(t *testing.T, tasks string, args ...string) (string, string, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tasks), 0644))

	var stdout, stderr bytes.Buffer
	c := newCLI()
	defer c.close()

	root := c.rootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"-f", path}, args...))

	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestCLI_Run(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	stdout, _, err := execute(t, `
tasks:
  hello:
    exec: echo hello
    options:
      passArgs: [who]
`, "run", "hello", "-o", "who=world")
	require.NoError(t, err)
	assert.Equal(t, "hello --who=world\n", stdout)
}

func TestCLI_RunFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	_, stderr, err := execute(t, `
tasks:
  broken:
    exec: exit 5
`, "run", "broken")

	var exitErr *supervisor.ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 5, exitStatus(err))
	assert.Contains(t, stderr, "✖ broken: broken exited with code 5")
}

func TestCLI_RunStopWait(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	_, stderr, err := execute(t, `
tasks:
  server:
    exec: sleep 30
    options:
      wait: false
      ready: false
`, "run", "server", "stop:server", "wait:server")
	require.NoError(t, err)
	assert.Contains(t, stderr, "✔ server: stopped\n")
	assert.Contains(t, stderr, "✔ server: already stopped\n")
}

func TestCLI_ReentrantRunSkipsNonIterable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}

	stdout, stderr, err := execute(t, `
tasks:
  first:
    exec: echo first
    options:
      iterable: true
  second:
    exec: echo second
`, "run")
	require.NoError(t, err)
	assert.Equal(t, "first\n", stdout)
	assert.Contains(t, stderr, "! second: skipping task that is not iterable")
}

func TestCLI_UnknownTask(t *testing.T) {
	_, _, err := execute(t, "tasks: {}\n", "run", "missing")
	assert.ErrorContains(t, err, "task not found")
}

func TestCLI_StopUnknown(t *testing.T) {
	_, stderr, err := execute(t, "tasks: {}\n", "stop", "ghost")
	require.NoError(t, err)
	assert.Contains(t, stderr, "✔ ghost: already stopped")
}

func TestCLI_List(t *testing.T) {
	stdout, _, err := execute(t, "tasks: {}\n", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "NAME")
	assert.Contains(t, stdout, "STATUS")
}
