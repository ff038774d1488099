package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Command struct {
	WorkDir    string
	Executable string
	Args       []string
}

// String renders the command for logs, quoted the way a shell would need it
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Executable
	}
	return c.Executable + " " + shellQuoteArgs(c.Args)
}

func shellQuoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'`$\\*?[]{}()<>|&;#~") {
			a = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}

// ExitError is returned when the command ran but exited non-zero
type ExitError struct {
	Command string
	Code    int
	Stdout  string
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("command failed (exit=%d): %s", e.Code, e.Command)
	}
	return fmt.Sprintf("command failed (exit=%d): %s: %s", e.Code, e.Command, msg)
}

func (e *ExitError) ExitCode() int {
	return e.Code
}

type Runner interface {
	// Execute runs the command to completion and returns its stdout
	Execute(ctx context.Context, command Command) ([]byte, error)
}

func NewRunner() Runner {
	return &runner{}
}

type runner struct{}

func (r runner) Execute(ctx context.Context, command Command) ([]byte, error) {
	if command.Executable == "" {
		return nil, errors.New("command executable can not be empty")
	}
	// nolint:gosec
	cmd := exec.CommandContext(ctx, command.Executable, command.Args...)
	cmd.Dir = command.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logrus.Debugf("Running: %s", command)
	err := cmd.Run()
	if stderr.Len() != 0 {
		logrus.WithField("command", command.Executable).Debug(strings.TrimRight(stderr.String(), "\n"))
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{
				Command: command.String(),
				Code:    exitErr.ExitCode(),
				Stdout:  stdout.String(),
				Stderr:  stderr.String(),
			}
		}
		return stdout.Bytes(), errors.Wrapf(err, "failed to run command: %s", command)
	}
	return stdout.Bytes(), nil
}

// LookPath reports whether executable can be found, wrapping the failure with its name
func LookPath(executable string) (string, error) {
	p, err := exec.LookPath(executable)
	if err != nil {
		return "", errors.Wrapf(err, "%s not found", executable)
	}
	return p, nil
}
