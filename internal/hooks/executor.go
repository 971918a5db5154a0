// Package hooks runs operator-configured shell commands when updates are
// appended, e.g. to forward a document_uploaded notice by email.
package hooks

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Default and max timeout for hook commands.
const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 300 * time.Second
)

// Result holds the output of running a single hook command. ExitCode is -1
// when the command did not exit normally.
type Result struct {
	Hook     string
	Output   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Execute runs a shell command with the given timeout and environment,
// writing stdin to the command's standard input. The command is executed
// via "sh -c".
func Execute(ctx context.Context, command string, timeout time.Duration, env map[string]string, stdin []byte) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, "sh", "-c", command) //nolint:gosec // hook commands come from the operator's hooks file
	// Background children of the shell can hold stdout open after a kill.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	// Inherit process environment and overlay hook-specific vars.
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Output:   strings.TrimSpace(stdout.String()),
		ExitCode: -1,
		Duration: time.Since(start),
		TimedOut: errors.Is(hookCtx.Err(), context.DeadlineExceeded),
		Err:      err,
	}
	if res.Output == "" {
		res.Output = strings.TrimSpace(stderr.String())
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	return res
}
