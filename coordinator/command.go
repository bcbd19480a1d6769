package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"

	"github.com/caffeineduck/gorupool/environment"
	"github.com/caffeineduck/gorupool/progress"
	"github.com/caffeineduck/gorupool/session"
)

// CommandRequest describes an external process run on behalf of a session
// or an environment, e.g. a package install.
type CommandRequest struct {
	// SessionID, when set, receives the output in its buffer and events.
	SessionID string
	Command   string
	Dir       string
	Env       map[string]string
	Timeout   time.Duration
}

// CommandResult is the outcome of ExecuteCommand. A non-zero ExitCode is a
// result, not an error.
type CommandResult struct {
	Output   string
	Lines    []string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// CommandRunner runs a shell command, writing its output to out as it is
// produced, and returns the exit code.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest, out io.Writer) (exitCode int, err error)
}

// ShellRunner runs commands through a local gosh shell, one shell per call.
type ShellRunner struct{}

func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

func (r *ShellRunner) Run(ctx context.Context, req CommandRequest, out io.Writer) (int, error) {
	var envOptions []runner.Option
	if len(req.Env) > 0 {
		envOptions = append(envOptions, runner.WithEnvironment(req.Env))
	}
	svc, err := gosh.New(ctx, local.New(envOptions...))
	if err != nil {
		return -1, fmt.Errorf("start shell: %w", err)
	}
	defer svc.Close()

	cmd := req.Command
	if req.Dir != "" {
		cmd = "cd " + shellQuote(req.Dir) + " && " + cmd
	}
	var streamed atomic.Bool
	opts := []runner.Option{
		runner.WithListener(func(stdout string, _ bool) {
			if stdout != "" {
				streamed.Store(true)
				_, _ = io.WriteString(out, stdout)
			}
		}),
	}
	if req.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(int(req.Timeout.Milliseconds())))
	}
	output, code, err := svc.Run(ctx, cmd, opts...)
	if !streamed.Load() && output != "" {
		_, _ = io.WriteString(out, output+"\n")
	}
	return code, err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// EnvironmentCommand builds a request that runs command inside env's
// directory with VIRTUAL_ENV pointing at it.
func EnvironmentCommand(env *environment.VirtualEnvironment, command string) CommandRequest {
	d := env.Descriptor()
	return CommandRequest{
		Command: command,
		Dir:     d.Path,
		Env:     map[string]string{"VIRTUAL_ENV": d.Path},
	}
}

type commandOutcome struct {
	code int
	err  error
}

// ExecuteCommand runs req under its timeout, or the coordinator default.
// Output lines reach the sink and the session buffer while the command
// runs. On timeout the call returns at once with TimedOut set and the lines
// seen so far; the process is left to the runner's own timeout.
func (c *Coordinator) ExecuteCommand(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if c.closed.Load() {
		return CommandResult{}, ErrClosed
	}
	if strings.TrimSpace(req.Command) == "" {
		return CommandResult{}, errors.New("command is required")
	}
	if req.Timeout <= 0 {
		req.Timeout = c.commandTimeout
	}
	if req.SessionID != "" {
		sess, ok := c.sessions.GetSession(req.SessionID)
		if !ok {
			return CommandResult{}, fmt.Errorf("command: %w: %s", session.ErrSessionNotFound, req.SessionID)
		}
		if !sess.Active() {
			return CommandResult{}, fmt.Errorf("command: %w: %s", session.ErrSessionTerminated, req.SessionID)
		}
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.command", "CLIENT")
	span.WithAttributes(map[string]string{"command": req.Command, "dir": req.Dir})

	start := time.Now()
	c.emit(ctx, req.SessionID, progress.KindStart, progress.Ok, "command started: "+req.Command)

	var (
		stop      atomic.Bool
		collected collector
	)
	writer := newLineWriter(&stop)
	drained := make(chan struct{})
	go c.drain(ctx, req.SessionID, writer, &collected, drained)

	done := make(chan commandOutcome, 1)
	go func() {
		code, err := c.runner.Run(context.WithoutCancel(ctx), req, writer)
		writer.flush()
		if err != nil && writer.sent() == 0 {
			writer.emit(true, err.Error())
		}
		writer.finish()
		done <- commandOutcome{code: code, err: err}
	}()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	result := func() CommandResult {
		lines := collected.snapshot()
		return CommandResult{
			Output:   strings.Join(lines, "\n"),
			Lines:    lines,
			Duration: time.Since(start),
		}
	}

	var out commandOutcome
	select {
	case out = <-done:
		<-drained
	case <-timer.C:
		writer.halt()
		<-drained
		res := result()
		res.ExitCode = -1
		res.TimedOut = true
		c.emit(ctx, req.SessionID, progress.KindTimeout, progress.Warning,
			fmt.Sprintf("command timed out after %s", req.Timeout))
		span.End(ErrTimeout)
		return res, nil
	case <-ctx.Done():
		writer.halt()
		<-drained
		res := result()
		res.ExitCode = -1
		span.End(ctx.Err())
		return res, ctx.Err()
	}

	res := result()
	res.ExitCode = out.code
	if out.err != nil && res.ExitCode == 0 {
		res.ExitCode = -1
	}

	span.SetInt("exit_code", int64(res.ExitCode))
	if res.ExitCode != 0 {
		c.emit(ctx, req.SessionID, progress.KindError, progress.Failed,
			fmt.Sprintf("command exited with status %d", res.ExitCode))
		span.End(fmt.Errorf("exit status %d", res.ExitCode))
		return res, nil
	}
	c.emit(ctx, req.SessionID, progress.KindComplete, progress.Ok,
		fmt.Sprintf("command completed in %s", res.Duration.Round(time.Millisecond)))
	span.End(nil)
	return res, nil
}
