package firewall

import (
	"fmt"
	"slices"
	"strings"
)

// Compile creates or updates the to-chain and from-chain of one endpoint in
// its family, its four ipsets, and the dispatch rules that route its
// traffic. Rule order inside both chains is fixed; the unconditional DROP is
// always last. Running Compile again with the same endpoint changes nothing.
func (m *Manager) Compile(e *Endpoint) (err error) {
	if err := e.Validate(); err != nil {
		return err
	}
	pf, err := m.filter(e.Family, true)
	if err != nil {
		return err
	}

	op := m.begin("compile", e.Family, "endpoint", e.ID, "interface", e.Interface)
	defer func() { err = op.end(err) }()

	d := dialectFor(e.Family)
	names := NamesFor(e.ID, e.Family)

	if err := op.ensureSets(names.permanentSets()); err != nil {
		return err
	}
	if err := m.compileToChain(op, pf, d, names); err != nil {
		return fmt.Errorf("to-chain of %s: %w", e.ID, err)
	}
	if err := m.compileFromChain(op, pf, d, names, e); err != nil {
		return fmt.Errorf("from-chain of %s: %w", e.ID, err)
	}
	if err := m.wireDispatch(op, pf, names, e.Interface); err != nil {
		return fmt.Errorf("dispatch for %s: %w", e.ID, err)
	}
	return nil
}

func (m *Manager) compileToChain(op *operation, pf PacketFilter, d dialect, names Names) error {
	if _, err := EnsureChain(pf, TableFilter, names.ToChain); err != nil {
		return err
	}
	w := op.writer(pf, TableFilter, names.ToChain, "to", 0)

	rules := slices.Clone(d.ToPreamble())
	rules = append(rules,
		Rule{CTStates: []string{StateInvalid}, Target: TargetDrop},
		Rule{CTStates: []string{StateRelated, StateEstablished}, Target: TargetReturn},
		Rule{MatchSet: names.ToPort, SetDirection: SetSrc, Target: TargetReturn},
		Rule{MatchSet: names.ToAddr, SetDirection: SetSrc, Target: TargetReturn},
	)
	for _, r := range rules {
		if err := w.put(r); err != nil {
			return err
		}
	}
	return w.tail(Rule{Target: TargetDrop})
}

func (m *Manager) compileFromChain(op *operation, pf PacketFilter, d dialect, names Names, e *Endpoint) error {
	if _, err := EnsureChain(pf, TableFilter, names.FromChain); err != nil {
		return err
	}
	w := op.writer(pf, TableFilter, names.FromChain, "from", 0)

	rules := slices.Clone(d.FromPreamble())
	rules = append(rules,
		Rule{CTStates: []string{StateInvalid}, Target: TargetDrop},
		Rule{CTStates: []string{StateRelated, StateEstablished}, Target: TargetReturn},
	)
	rules = append(rules, d.FromGuards()...)
	rules = append(rules,
		Rule{MatchSet: names.FromPort, SetDirection: SetDst, Target: TargetDrop},
		Rule{MatchSet: names.FromAddr, SetDirection: SetDst, Target: TargetDrop},
	)
	for _, r := range rules {
		if err := w.put(r); err != nil {
			return err
		}
	}

	current := e.hostPrefixes()
	mac := strings.ToLower(e.MAC.String())
	stale := func(r Rule) bool {
		if !isMACAllow(r) {
			return false
		}
		n := r.Normalize()
		return n.MACSource != mac || !slices.Contains(current, n.Source)
	}
	if err := op.removeRules(pf, TableFilter, names.FromChain, "from", stale); err != nil {
		return err
	}

	for _, src := range current {
		if err := w.put(Rule{Source: src, MACSource: mac, Target: TargetReturn}); err != nil {
			return err
		}
	}
	return w.tail(Rule{Target: TargetDrop})
}

// wireDispatch routes the endpoint's bridged traffic into its chains:
// INPUT-dispatch sends traffic arriving from the device to the from-chain;
// FORWARD-dispatch does the same and sends traffic leaving through the
// device to the to-chain.
func (m *Manager) wireDispatch(op *operation, pf PacketFilter, names Names, iface string) error {
	for _, chain := range []string{ChainInputDispatch, ChainForwardDispatch} {
		if _, err := EnsureChain(pf, TableFilter, chain); err != nil {
			return err
		}
	}

	if m.opts.Capabilities.DispatchProbe == ProbeCoarse {
		rules, err := pf.ListRules(TableFilter, ChainInputDispatch)
		if err != nil {
			return fmt.Errorf("probe %s: %w", ChainInputDispatch, err)
		}
		for _, r := range rules {
			if r.PhysDevIn == iface || r.PhysDevOut == iface || r.OutInterface == iface {
				op.log.Debug("dispatch rules already present", "interface", iface)
				return nil
			}
		}
	}

	fromDevice := Rule{PhysDevIn: iface, PhysDevBridged: true, Target: names.FromChain}
	toDevice := Rule{OutInterface: iface, Target: names.ToChain}

	if err := op.writer(pf, TableFilter, ChainInputDispatch, "dispatch", RulePosnLast).tail(fromDevice); err != nil {
		return err
	}
	fw := op.writer(pf, TableFilter, ChainForwardDispatch, "dispatch", RulePosnLast)
	if err := fw.tail(fromDevice); err != nil {
		return err
	}
	return fw.tail(toDevice)
}
