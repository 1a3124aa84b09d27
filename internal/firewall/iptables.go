package firewall

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// iptables exits with status 1 for "no such chain" style failures and 4 when
// it could not take the xtables lock in time.
const (
	iptablesExitNotFound = 1
	iptablesExitResource = 4
)

// IPTables is the exec PacketFilter for one family, driving iptables or
// ip6tables through a CommandRunner.
type IPTables struct {
	family Family
	binary string
	wait   int
	runner CommandRunner
}

// NewIPTables creates an adapter for family f. wait is the number of seconds
// to wait for the xtables lock; zero waits indefinitely.
func NewIPTables(f Family, wait int) *IPTables {
	binary := "iptables"
	if f == IPv6 {
		binary = "ip6tables"
	}
	return &IPTables{
		family: f,
		binary: binary,
		wait:   wait,
		runner: DefaultCommandRunner,
	}
}

// SetRunner sets the command runner for testing.
func (t *IPTables) SetRunner(runner CommandRunner) {
	t.runner = runner
}

func (t *IPTables) Family() Family { return t.family }

func (t *IPTables) args(table string, rest ...string) []string {
	args := []string{"-w"}
	if t.wait > 0 {
		args = append(args, strconv.Itoa(t.wait))
	}
	args = append(args, "-t", table)
	return append(args, rest...)
}

func (t *IPTables) run(table string, rest ...string) error {
	return classify(t.runner.Run(t.binary, t.args(table, rest...)...))
}

func (t *IPTables) output(table string, rest ...string) ([]byte, error) {
	out, err := t.runner.Output(t.binary, t.args(table, rest...)...)
	return out, classify(err)
}

func classify(err error) error {
	if err != nil && exitCode(err) == iptablesExitResource {
		return WrapTemporary(err)
	}
	return err
}

// Prime asks iptables to load every extension up front. A missing extension
// fails here rather than halfway through compiling an endpoint.
func (t *IPTables) Prime(matches, targets []string) error {
	for _, m := range matches {
		if err := t.runner.Run(t.binary, "-m", m, "--help"); err != nil {
			return fmt.Errorf("%s match %q unavailable: %w", t.binary, m, err)
		}
	}
	for _, j := range targets {
		if err := t.runner.Run(t.binary, "-j", j, "--help"); err != nil {
			return fmt.Errorf("%s target %q unavailable: %w", t.binary, j, err)
		}
	}
	return nil
}

func (t *IPTables) ChainExists(table, chain string) (bool, error) {
	err := t.run(table, "-S", chain)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == iptablesExitNotFound {
		return false, nil
	}
	return false, err
}

// ListChains returns built-in (-P) and user (-N) chains of table.
func (t *IPTables) ListChains(table string) ([]string, error) {
	out, err := t.output(table, "-S")
	if err != nil {
		return nil, err
	}
	var chains []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && (fields[0] == "-P" || fields[0] == "-N") {
			chains = append(chains, fields[1])
		}
	}
	return chains, scanner.Err()
}

func (t *IPTables) NewChain(table, chain string) error {
	return t.run(table, "-N", chain)
}

func (t *IPTables) FlushChain(table, chain string) error {
	return t.run(table, "-F", chain)
}

func (t *IPTables) DeleteChain(table, chain string) error {
	return t.run(table, "-X", chain)
}

// ListRules parses iptables -S <chain>. Lines that do not parse are kept as
// opaque rules so positions stay aligned with the kernel's numbering.
func (t *IPTables) ListRules(table, chain string) ([]Rule, error) {
	out, err := t.output(table, "-S", chain)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "-A ") {
			continue
		}
		_, r, err := ParseRule(line)
		if err != nil {
			r = Rule{Extra: []string{line}}
		}
		rules = append(rules, r)
	}
	return rules, scanner.Err()
}

func (t *IPTables) InsertRule(table, chain string, pos int, r Rule) error {
	var args []string
	if pos == RulePosnLast {
		args = append([]string{"-A", chain}, r.Args()...)
	} else {
		args = append([]string{"-I", chain, strconv.Itoa(pos + 1)}, r.Args()...)
	}
	return t.run(table, args...)
}

func (t *IPTables) DeleteRule(table, chain string, pos int) error {
	return t.run(table, "-D", chain, strconv.Itoa(pos+1))
}
