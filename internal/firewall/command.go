package firewall

import (
	"errors"
	"fmt"
	"strings"
)

// CommandRunner abstracts shell command execution.
// Used by the iptables and ipset exec adapters.
type CommandRunner interface {
	Run(name string, args ...string) error
	RunInput(input string, name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes actual shell commands.
// Methods are implemented in command_linux.go and command_stub.go
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}

// CommandError is returned by RealCommandRunner when a command exits non-zero.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s %s failed: %v", e.Name, strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}
