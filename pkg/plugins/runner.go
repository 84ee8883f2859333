// Package plugins implements the built-in configuration domains:
// apt packages, systemd services, mirrored files, and user crontab
// startup entries.
package plugins

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// System runs host commands on behalf of a plugin. Plugins never invoke
// exec directly so tests can script command behavior.
type System interface {
	// Run executes a command and returns its combined trimmed stdout.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecSystem runs commands via the local shell environment.
type ExecSystem struct{}

// NewExecSystem creates a System backed by exec.
func NewExecSystem() *ExecSystem {
	return &ExecSystem{}
}

// Run executes the command, capturing stdout. On failure the error
// carries the command's stderr.
func (e *ExecSystem) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
