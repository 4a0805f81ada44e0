// Package executor runs external programs with a bounded run time and
// optionally captures their output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/breeze-rmm/nativesys/internal/logging"
)

var log = logging.L("executor")

const (
	DefaultTimeout = 5 * time.Minute
	MaxTimeout     = time.Hour
	// MaxOutputSize caps each captured stream; the rest is discarded.
	MaxOutputSize = 1024 * 1024

	// waitDelay bounds how long Wait keeps reading output after a kill,
	// for grandchildren that inherited the pipes.
	waitDelay = 2 * time.Second
)

// ErrInvalid means the execution request cannot be started as given.
var ErrInvalid = errors.New("invalid execution")

// Execution describes one program run.
type Execution struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Timeout of zero means DefaultTimeout; larger values are clamped to
	// MaxTimeout.
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CaptureOutput bool          `json:"captureOutput" yaml:"captureOutput"`
}

// Result reports how a run ended. ExitCode is -1 when the program was killed
// or its status is unknown.
type Result struct {
	ExitCode  int           `json:"exitCode" yaml:"exitCode"`
	Stdout    string        `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	TimedOut  bool          `json:"timedOut,omitempty" yaml:"timedOut,omitempty"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt" yaml:"startedAt"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Succeeded reports a clean zero exit.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut && r.Error == ""
}

func (e Execution) timeout() time.Duration {
	switch {
	case e.Timeout <= 0:
		return DefaultTimeout
	case e.Timeout > MaxTimeout:
		return MaxTimeout
	}
	return e.Timeout
}

// Run starts the program and waits for it. An error is returned only when
// the program could not be started; a non-zero exit, a timeout or a
// cancelled ctx are reported in the Result.
func Run(ctx context.Context, e Execution) (Result, error) {
	if e.Command == "" {
		return Result{ExitCode: -1}, fmt.Errorf("%w: empty command", ErrInvalid)
	}

	timeout := e.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Env = buildEnvironment(e.Env)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay

	// without capture the streams stay nil and go to the null device
	var stdout, stderr bytes.Buffer
	if e.CaptureOutput {
		cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
		cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}
	}

	result := Result{StartedAt: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("start %s: %w", e.Command, err)
	}
	log.Debug("execution started", "command", e.Command, logging.KeyPID, cmd.Process.Pid, "timeout", timeout)

	err := cmd.Wait()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.TimedOut = true
		result.Error = fmt.Sprintf("execution timed out after %s", timeout)
		log.Warn("execution timed out", "command", e.Command, "timeout", timeout)
	case ctx.Err() != nil:
		result.ExitCode = -1
		result.Error = ctx.Err().Error()
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
		result.Error = err.Error()
		log.Error("execution failed", "command", e.Command, logging.KeyError, err.Error())
	}

	log.Debug("execution completed", "command", e.Command, "exitCode", result.ExitCode,
		logging.KeyDurationMs, result.Duration.Milliseconds())
	return result, nil
}

func buildEnvironment(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		return len(p), nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return len(p), err // Return original length to avoid short write errors
}
