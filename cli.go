package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mrexodia/procrun/command"
	"github.com/mrexodia/procrun/config"
	"github.com/mrexodia/procrun/console"
	"github.com/mrexodia/procrun/registry"
	"github.com/mrexodia/procrun/supervisor"
	"github.com/mrexodia/procrun/webhook"
)

const version = "0.1.0"

type cli struct {
	file    string
	verbose bool

	log   *slog.Logger
	tasks *config.File
	reg   *registry.Registry
	sup   *supervisor.Supervisor
	guard *supervisor.ExitGuard
}

func newCLI() *cli {
	return &cli{}
}

// close fires the exit guard and releases the registry. Safe to call more
// than once.
func (c *cli) close() {
	if c.guard != nil {
		c.guard.Fire()
	}
	if c.reg != nil {
		c.reg.Close()
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "procrun",
		Short:         "Run, stop and wait on named background processes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.log = c.newLogger(cmd.ErrOrStderr())

			tasks, err := config.Load(c.file)
			if err != nil {
				return err
			}
			c.tasks = tasks

			c.reg, err = registry.Open(tasks.RegistryPath())
			return err
		},
	}

	root.AddCommand(
		c.runCmd(),
		c.stopCmd(),
		c.waitCmd(),
		c.listCmd(),
		c.scheduleCmd(),
	)

	root.CompletionOptions.HiddenDefaultCmd = true

	root.PersistentFlags().StringVarP(
		&c.file,
		"file",
		"f",
		config.DefaultFile,
		"Path to the task file",
	)

	root.PersistentFlags().BoolVarP(
		&c.verbose,
		"verbose",
		"v",
		false,
		"Print debug output",
	)

	return root
}

func (c *cli) newLogger(w io.Writer) *slog.Logger {
	opts := &console.HandlerOptions{
		Level:   slog.LevelInfo,
		Verbose: c.verbose,
	}
	if c.verbose {
		opts.Level = slog.LevelDebug
	}
	if f, ok := w.(*os.File); ok {
		opts.Color = console.ShouldUseColor(f)
	}
	return slog.New(console.NewHandler(w, opts))
}

// supervisor creates the supervisor for this invocation along with its exit guard
func (c *cli) supervisor(cmd *cobra.Command, values command.Values, reentrant bool) (*supervisor.Supervisor, error) {
	sup, err := supervisor.New(supervisor.Options{
		Registry:  c.reg,
		Resolver:  values,
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
		Logger:    c.log,
		Reentrant: reentrant,
	})
	if err != nil {
		return nil, err
	}
	c.sup = sup
	c.guard = supervisor.NewExitGuard(sup)
	return sup, nil
}

// step is one entry of a run invocation
type step struct {
	action    string // "run", "stop" or "wait"
	name      string
	keepalive bool
}

// parseStep accepts "name", "name:keepalive", "stop:name" and "wait:name"
func parseStep(arg string) (step, error) {
	prefix, rest, found := strings.Cut(arg, ":")
	switch {
	case !found:
		return step{action: "run", name: arg}, nil
	case prefix == "stop" || prefix == "wait":
		if rest == "" {
			return step{}, fmt.Errorf("%s: missing task name", arg)
		}
		return step{action: prefix, name: rest}, nil
	case rest == "keepalive":
		return step{action: "run", name: prefix, keepalive: true}, nil
	default:
		return step{}, fmt.Errorf("%s: unknown modifier %q", arg, rest)
	}
}

// parseValues turns repeated -o name=value flags into pass-through values
func parseValues(pairs []string) (command.Values, error) {
	values := make(command.Values, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("invalid option %q, expected name=value", pair)
		}
		values[name] = value
	}
	return values, nil
}

func (c *cli) runCmd() *cobra.Command {
	var pairs []string

	runCommand := &cobra.Command{
		Use:   "run [task[:keepalive] | stop:task | wait:task]...",
		Short: "Run tasks in order",
		Long: `Run tasks in order. A task that does not wait keeps running while the
following steps execute, and is terminated when procrun exits unless it is
global. With no arguments every iterable task is run.`,
		Example: "  procrun run server test stop:server\n  procrun run build -o target=release",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseValues(pairs)
			if err != nil {
				return err
			}

			reentrant := len(args) == 0
			if reentrant {
				for _, t := range c.tasks.Tasks {
					args = append(args, t.Name)
				}
			}

			steps := make([]step, 0, len(args))
			for _, arg := range args {
				s, err := parseStep(arg)
				if err != nil {
					return err
				}
				steps = append(steps, s)
			}

			sup, err := c.supervisor(cmd, values, reentrant)
			if err != nil {
				return err
			}

			for _, s := range steps {
				switch s.action {
				case "stop":
					c.stop(cmd, sup, s.name)
				case "wait":
					c.wait(cmd, sup, s.name)
				default:
					if err := c.run(cmd, sup, s); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	runCommand.Flags().StringArrayVarP(&pairs, "option", "o", nil, "Pass-through option as name=value (repeatable)")

	return runCommand
}

// reportedError has already been logged to the console
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func (c *cli) run(cmd *cobra.Command, sup *supervisor.Supervisor, s step) error {
	err := c.runTask(cmd, sup, s)
	if err != nil {
		c.log.Error(err.Error(), "task", s.name)
		return &reportedError{err: err}
	}
	return nil
}

func (c *cli) runTask(cmd *cobra.Command, sup *supervisor.Supervisor, s step) error {
	task, err := c.tasks.Task(s.name)
	if err != nil {
		return err
	}
	opts, err := c.tasks.Resolve(task)
	if err != nil {
		return err
	}

	return sup.Run(cmd.Context(), supervisor.Request{Task: task, Options: opts, Keepalive: s.keepalive})
}

func (c *cli) stop(cmd *cobra.Command, sup *supervisor.Supervisor, name string) {
	outcome, err := sup.Stop(cmd.Context(), name)
	if err != nil {
		c.log.Warn("failed to stop", "task", name, "error", err)
		return
	}
	c.log.Info(outcome.String(), "task", name)
}

func (c *cli) wait(cmd *cobra.Command, sup *supervisor.Supervisor, name string) {
	outcome, err := sup.Wait(cmd.Context(), name)
	if err != nil {
		c.log.Warn("failed to wait", "task", name, "error", err)
		return
	}
	c.log.Info(outcome.String(), "task", name)
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop TASK...",
		Short:   "Stop running tasks",
		Example: "  procrun stop server",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := c.supervisor(cmd, nil, false)
			if err != nil {
				return err
			}
			for _, name := range args {
				c.stop(cmd, sup, name)
			}
			return nil
		},
	}
}

func (c *cli) waitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait TASK...",
		Short: "Wait for running tasks to exit",
		Long: `Wait for running tasks to exit. Only processes started by this
invocation can be waited on; anything else reports "already stopped".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := c.supervisor(cmd, nil, false)
			if err != nil {
				return err
			}
			for _, name := range args {
				c.wait(cmd, sup, name)
			}
			return nil
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := c.reg.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCOPE\tPID\tSTATUS")
			for _, rec := range records {
				status := "exited"
				if registry.Alive(rec.PID) {
					status = "running"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rec.Name, rec.Scope, rec.PID, status)
			}
			return w.Flush()
		},
	}
}

func (c *cli) scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled tasks until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks := c.tasks.Scheduled()
			if len(tasks) == 0 {
				return errors.New("no task has a schedule")
			}

			sup, err := c.supervisor(cmd, nil, false)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s := newScheduler(sup, webhook.NewNotifier(c.tasks.FailureWebhookURL), c.tasks.FailureRetries, c.log)
			for _, task := range tasks {
				opts, err := c.tasks.Resolve(task)
				if err != nil {
					return err
				}
				if err := s.add(ctx, task, opts); err != nil {
					return fmt.Errorf("task %s: %w", task.Name, err)
				}
			}

			s.start()
			for _, task := range tasks {
				if next, ok := s.next(task.Name); ok {
					c.log.Info("scheduled", "task", task.Name, "schedule", task.Schedule, "next", next.Format("2006-01-02 15:04:05"))
				}
			}

			<-ctx.Done()
			c.log.Info("shutting down")
			s.stop()
			return nil
		},
	}
}
