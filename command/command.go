package command

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/joho/godotenv"

	"github.com/mrexodia/procrun/config"
)

// Resolver looks up externally supplied option values forwarded via passArgs
type Resolver interface {
	Option(name string) (string, bool)
}

// Values is a Resolver backed by a map
type Values map[string]string

// Option implements Resolver
func (v Values) Option(name string) (string, bool) {
	value, ok := v[name]
	return value, ok
}

// Command is a fully built invocation, ready to be turned into an exec.Cmd
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     []string

	// Verbatim passes Args to the OS without further escaping (Windows only)
	Verbatim bool
}

var (
	needsQuoting = regexp.MustCompile(`[ "'$&\\]`)
	escapeChars  = regexp.MustCompile(`["$\\]`)
)

// Quote wraps value in double quotes when a shell would otherwise split or
// expand it. Embedded ", $ and \ are backslash-escaped.
func Quote(value string) string {
	if !needsQuoting.MatchString(value) {
		return value
	}
	return `"` + escapeChars.ReplaceAllString(value, `\$0`) + `"`
}

// Build turns a task and its resolved options into a Command for goos.
// It reads opts.EnvFile when set and has no other side effects.
func Build(task *config.Task, opts config.Options, resolver Resolver, goos string) (Command, error) {
	extra := passArgs(opts.PassArgs, resolver)

	cmd := Command{
		Dir: opts.Cwd,
	}

	switch {
	case task.Exec != "":
		line := task.Exec
		if len(extra) > 0 {
			line += " " + strings.Join(extra, " ")
		}
		if goos == "windows" {
			cmd.Program = "cmd.exe"
			cmd.Args = []string{"/s", "/c", `"` + line + `"`}
			cmd.Verbatim = true
		} else {
			cmd.Program = "/bin/sh"
			cmd.Args = []string{"-c", line}
		}

	default:
		program := task.Cmd
		args := append([]string(nil), task.Args...)
		if program == "" {
			program = config.DefaultProgram
		}

		// A bare command line such as "node server.js --port 80"
		if len(args) == 0 && strings.ContainsAny(program, " \t") {
			parts, err := shlex.Split(program)
			if err != nil {
				return Command{}, fmt.Errorf("failed to parse command: %w", err)
			}
			if len(parts) == 0 {
				return Command{}, fmt.Errorf("empty command")
			}
			program, args = parts[0], parts[1:]
		}

		cmd.Program = program
		cmd.Args = append(args, extra...)
	}

	env, err := environ(opts)
	if err != nil {
		return Command{}, err
	}
	cmd.Env = env

	return cmd, nil
}

func passArgs(names []string, resolver Resolver) []string {
	if resolver == nil {
		return nil
	}

	var args []string
	for _, name := range names {
		value, ok := resolver.Option(name)
		if !ok || value == "" {
			continue
		}
		args = append(args, fmt.Sprintf("--%s=%s", name, Quote(value)))
	}
	return args
}

// environ layers the host environment, the envFile entries and the env option
func environ(opts config.Options) ([]string, error) {
	envMap := make(map[string]string)

	for _, env := range os.Environ() {
		if idx := strings.Index(env, "="); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	if opts.EnvFile != "" {
		path := opts.EnvFile
		if !filepath.IsAbs(path) && opts.Cwd != "" {
			path = filepath.Join(opts.Cwd, path)
		}
		dotenvVars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse env file %s: %w", path, err)
		}
		for k, v := range dotenvVars {
			envMap[k] = v
		}
	}

	for k, v := range opts.Env {
		envMap[k] = v
	}

	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

// String renders the command line for diagnostics
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Program)
	for _, arg := range c.Args {
		if c.Verbatim {
			parts = append(parts, arg)
		} else {
			parts = append(parts, Quote(arg))
		}
	}
	return strings.Join(parts, " ")
}

// Cmd creates the exec.Cmd for this command with platform process attributes
func (c Command) Cmd() *exec.Cmd {
	cmd := exec.Command(c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	configureSysProc(cmd, c)
	return cmd
}
