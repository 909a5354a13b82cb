// Package execx runs the external engine processes the pipeline shells out to.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runner abstracts external command execution so pipeline steps can be tested
// without real engine binaries.
type Runner interface {
	// Run executes name with args, feeding stdin when non-nil, and returns
	// captured stdout. A non-zero exit is an error carrying trimmed stderr.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, error)
}

type commandRunner struct{}

// New creates a Runner backed by os/exec.
func New() Runner {
	return commandRunner{}
}

func (commandRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderrStr := strings.TrimSpace(stderr.String()); stderrStr != "" {
			return "", fmt.Errorf("command %s failed: %w: %s", name, err, stderrStr)
		}
		return "", fmt.Errorf("command %s failed: %w", name, err)
	}
	return stdout.String(), nil
}
