package firewall

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

var validSetNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func checkSetName(name string) error {
	if !validSetNameRegex.MatchString(name) {
		return fmt.Errorf("invalid set name: %q", name)
	}
	if len(name) > maxSetName {
		return fmt.Errorf("set %s: %w", name, ErrNameTooLong)
	}
	return nil
}

// IPSet is the exec SetStore, driving the ipset tool through a CommandRunner.
type IPSet struct {
	binary string
	runner CommandRunner
}

// NewIPSet creates an exec set store.
func NewIPSet() *IPSet {
	return &IPSet{binary: "ipset", runner: DefaultCommandRunner}
}

// SetRunner sets the command runner for testing.
func (s *IPSet) SetRunner(runner CommandRunner) {
	s.runner = runner
}

func (s *IPSet) Exists(name string) (bool, error) {
	err := s.runner.Run(s.binary, "list", "-n", name)
	if err == nil {
		return true, nil
	}
	// ipset reports a missing set with exit status 1.
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

// List parses the Name: lines of ipset list -t.
func (s *IPSet) List() ([]string, error) {
	out, err := s.runner.Output(s.binary, "list", "-t")
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "Name: "); ok {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names, scanner.Err()
}

// Describe reads the type and family of a set from its header.
func (s *IPSet) Describe(name string) (SetKind, Family, error) {
	out, err := s.runner.Output(s.binary, "list", "-t", name)
	if err != nil {
		return 0, 0, err
	}
	var (
		kind      SetKind
		family    = IPv4
		foundType bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if typ, ok := strings.CutPrefix(line, "Type: "); ok {
			if kind, err = ParseSetType(strings.TrimSpace(typ)); err != nil {
				return 0, 0, err
			}
			foundType = true
		}
		if hdr, ok := strings.CutPrefix(line, "Header: "); ok {
			fields := strings.Fields(hdr)
			for i := 0; i+1 < len(fields); i++ {
				if fields[i] == "family" && fields[i+1] == "inet6" {
					family = IPv6
				}
			}
		}
	}
	if !foundType {
		return 0, 0, fmt.Errorf("set %s: no type in listing", name)
	}
	return kind, family, scanner.Err()
}

func (s *IPSet) Create(name string, kind SetKind, family Family) error {
	if err := checkSetName(name); err != nil {
		return err
	}
	return s.runner.Run(s.binary, "-exist", "create", name, kind.TypeName(),
		"family", dialectFor(family).SetFamily())
}

func (s *IPSet) Destroy(name string) error {
	return s.runner.Run(s.binary, "destroy", name)
}

func (s *IPSet) Add(name, member string) error {
	return s.runner.Run(s.binary, "-exist", "add", name, member)
}

// AddAll stages members through one ipset restore.
func (s *IPSet) AddAll(name string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	if err := checkSetName(name); err != nil {
		return err
	}
	var sb strings.Builder
	for _, m := range members {
		if strings.ContainsAny(m, " \t\n") {
			return fmt.Errorf("invalid member %q", m)
		}
		fmt.Fprintf(&sb, "add %s %s\n", name, m)
	}
	return s.runner.RunInput(sb.String(), s.binary, "-exist", "restore")
}

func (s *IPSet) Flush(name string) error {
	return s.runner.Run(s.binary, "flush", name)
}

func (s *IPSet) Swap(a, b string) error {
	return s.runner.Run(s.binary, "swap", a, b)
}

// Members parses the add lines of ipset save.
func (s *IPSet) Members(name string) ([]string, error) {
	out, err := s.runner.Output(s.binary, "save", name)
	if err != nil {
		return nil, err
	}
	var members []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[0] == "add" && fields[1] == name {
			members = append(members, fields[2])
		}
	}
	return members, scanner.Err()
}
