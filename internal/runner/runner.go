package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// outputLimit caps the captured output carried inside a CommandError so a
// noisy build log cannot balloon error payloads.
const outputLimit = 4096

// Command describes one external invocation.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory; empty means the process default.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// CommandError reports a command that started but exited non-zero. It carries
// the captured output so callers can surface the failure verbatim.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	line := fmt.Sprintf("command %s exited with code %d", Command{Name: e.Name, Args: e.Args}, e.ExitCode)
	if detail != "" {
		line += ": " + detail
	}
	return line
}

// Output returns the combined captured output, stdout first.
func (e *CommandError) Output() string {
	return strings.TrimSpace(strings.Join([]string{e.Stdout, e.Stderr}, "\n"))
}

// Runner executes external commands synchronously with captured output.
type Runner struct {
	log *slog.Logger
}

// New constructs a Runner.
func New(log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log}
}

// Run executes the command and waits for it to finish. A non-zero exit
// yields a *CommandError; a command that could not start yields a wrapped
// plain error.
func (r *Runner) Run(ctx context.Context, command Command) (string, error) {
	if command.Name == "" {
		return "", fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = append(os.Environ(), command.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stdout.Len() > 0 || stderr.Len() > 0 {
		r.log.Debug("command output", "command", command.Name, "stdout", truncate(stdout.String()), "stderr", truncate(stderr.String()))
	}
	if err == nil {
		return stdout.String(), nil
	}

	if ctx.Err() != nil {
		return stdout.String(), fmt.Errorf("command %s: %w", command, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), &CommandError{
			Name:     command.Name,
			Args:     command.Args,
			ExitCode: exitErr.ExitCode(),
			Stdout:   truncate(stdout.String()),
			Stderr:   truncate(stderr.String()),
		}
	}
	return stdout.String(), fmt.Errorf("start command %s: %w", command, err)
}

func truncate(value string) string {
	if len(value) <= outputLimit {
		return value
	}
	return value[:outputLimit] + "... (truncated)"
}
