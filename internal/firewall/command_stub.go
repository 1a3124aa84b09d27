//go:build !linux

package firewall

import "errors"

var errUnsupportedPlatform = errors.New("iptables and ipset are only available on linux")

// Run is unsupported off linux.
func (r *RealCommandRunner) Run(name string, args ...string) error {
	return errUnsupportedPlatform
}

// Output is unsupported off linux.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

// RunInput is unsupported off linux.
func (r *RealCommandRunner) RunInput(input string, name string, args ...string) error {
	return errUnsupportedPlatform
}
