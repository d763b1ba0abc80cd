package observer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

const diagnosticsTimeout = 3 * time.Second

var errNoDiagnostics = errors.New("no diagnostics command configured")

// Diagnostics gathers host log lines that may explain why a unit died
type Diagnostics interface {
	Collect(ctx context.Context) ([]string, error)
}

// NoDiagnostics is used when the host exposes nothing
type NoDiagnostics struct{}

func (NoDiagnostics) Collect(context.Context) ([]string, error) {
	return nil, errNoDiagnostics
}

// CommandDiagnostics runs a command (for instance `docker exec valhalla dmesg`) and returns its output lines
type CommandDiagnostics struct {
	Command []string
	Timeout time.Duration
}

// NewDiagnostics returns a CommandDiagnostics for command, or NoDiagnostics when command is empty
func NewDiagnostics(command []string) Diagnostics {
	if len(command) == 0 {
		return NoDiagnostics{}
	}
	return &CommandDiagnostics{Command: command, Timeout: diagnosticsTimeout}
}

func (d *CommandDiagnostics) Collect(ctx context.Context) ([]string, error) {
	if len(d.Command) == 0 {
		return nil, errNoDiagnostics
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = diagnosticsTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.Command[0], d.Command[1:]...).Output()
	if err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
