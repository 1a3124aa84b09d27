package firewall

import (
	"errors"
	"fmt"
	"slices"
)

// Direction names an ACL list.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// SyncACLs publishes the endpoint's inbound rules into its to-sets and its
// outbound rules into its from-sets. Each list is staged in the family's
// scratch sets and swapped in, so a reader of a permanent set sees either
// the old or the new membership. Rules that cannot be encoded are logged
// and skipped.
func (m *Manager) SyncACLs(e *Endpoint) (err error) {
	if err := ValidateID(e.ID); err != nil {
		return err
	}
	if !e.Family.Valid() {
		return fmt.Errorf("%w: endpoint %s has no address family", ErrInvalidEndpoint, e.ID)
	}

	op := m.begin("sync_acls", e.Family, "endpoint", e.ID)
	defer func() { err = op.end(err) }()

	names := NamesFor(e.ID, e.Family)
	tmpAddr, tmpPort := ScratchSets(e.Family)
	scratch := []namedSet{{tmpPort, SetKindAddrPort}, {tmpAddr, SetKindAddr}}

	if err := op.ensureSets(append(scratch, names.permanentSets()...)); err != nil {
		return err
	}

	if err := m.publish(op, e.ID, Inbound, e.Inbound, names.ToAddr, names.ToPort); err != nil {
		return err
	}
	return m.publish(op, e.ID, Outbound, e.Outbound, names.FromAddr, names.FromPort)
}

func (m *Manager) publish(op *operation, id string, dir Direction, rules []ACLRule, addrSet, portSet string) error {
	tmpAddr, tmpPort := ScratchSets(op.family)

	for _, s := range []string{tmpAddr, tmpPort} {
		if err := m.sets.Flush(s); err != nil {
			return fmt.Errorf("flush %s: %w", s, err)
		}
	}

	var addrs, ports []string
	for i, r := range rules {
		member, kind, err := EncodeMember(r, op.family)
		if err != nil {
			reason := rejectReason(err)
			op.log.Warn("skipping invalid ACL rule",
				"endpoint", id, "direction", string(dir), "index", i,
				"rule", r.String(), "reason", reason, "error", err)
			m.metrics.InvalidACLRules.WithLabelValues(op.family.String(), string(dir), reason).Inc()
			continue
		}
		if kind == SetKindAddrPort {
			ports = append(ports, member)
		} else {
			addrs = append(addrs, member)
		}
	}
	slices.Sort(addrs)
	addrs = slices.Compact(addrs)
	slices.Sort(ports)
	ports = slices.Compact(ports)

	stages := []struct {
		scratch, target string
		members         []string
	}{
		{tmpAddr, addrSet, addrs},
		{tmpPort, portSet, ports},
	}
	for _, s := range stages {
		if err := m.stage(s.scratch, s.members); err != nil {
			return err
		}
	}
	for _, s := range stages {
		if err := m.sets.Swap(s.scratch, s.target); err != nil {
			return fmt.Errorf("swap %s into %s: %w", s.scratch, s.target, err)
		}
		m.metrics.RecordSwap(op.family.String(), string(dir), s.target, len(s.members))
	}
	for _, s := range stages {
		if err := m.sets.Flush(s.scratch); err != nil {
			return fmt.Errorf("flush %s: %w", s.scratch, err)
		}
	}

	op.log.Info("published ACLs", "endpoint", id, "direction", string(dir),
		"addr_members", len(addrs), "port_members", len(ports))
	return nil
}

func (m *Manager) stage(set string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	if bulk, ok := m.sets.(BulkAdder); ok {
		if err := bulk.AddAll(set, members); err != nil {
			return fmt.Errorf("stage into %s: %w", set, err)
		}
		return nil
	}
	for _, member := range members {
		if err := m.sets.Add(set, member); err != nil {
			return fmt.Errorf("stage %s into %s: %w", member, set, err)
		}
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingCIDR):
		return "missing_cidr"
	case errors.Is(err, ErrPortWithoutProtocol):
		return "port_without_protocol"
	case errors.Is(err, ErrBadCIDR):
		return "bad_cidr"
	case errors.Is(err, ErrWrongFamily):
		return "wrong_family"
	case errors.Is(err, ErrBadPort):
		return "bad_port"
	case errors.Is(err, ErrBadProtocol):
		return "bad_protocol"
	}
	return "other"
}
