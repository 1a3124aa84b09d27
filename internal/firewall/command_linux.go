//go:build linux

package firewall

import (
	"errors"
	"os/exec"
	"strings"
)

// Run executes a command without capturing output.
func (r *RealCommandRunner) Run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return commandError(name, args, out, err)
	}
	return nil
}

// Output executes a command and returns its stdout.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		var stderr []byte
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			stderr = ee.Stderr
		}
		return out, commandError(name, args, stderr, err)
	}
	return out, nil
}

// RunInput executes a command with input via stdin.
func (r *RealCommandRunner) RunInput(input string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = strings.NewReader(input)
	if out, err := cmd.CombinedOutput(); err != nil {
		return commandError(name, args, out, err)
	}
	return nil
}

func commandError(name string, args []string, out []byte, err error) error {
	code := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	return &CommandError{Name: name, Args: args, ExitCode: code, Output: string(out), Err: err}
}
