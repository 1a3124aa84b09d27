package firewall

import "fmt"

// Teardown removes every firewall artifact of one (endpoint, family):
// first the dispatch rules that jump to its chains, then the chains, then
// its ipsets. Each stage unblocks the next: a referenced chain cannot be
// deleted and a matched set cannot be destroyed. Missing artifacts are
// skipped, so Teardown also finishes a teardown that was interrupted.
func (m *Manager) Teardown(id string, f Family) (err error) {
	// Length is not checked: discovery can surface ids this agent never
	// created, and those must still be removable.
	if id == "" || !validIDRegex.MatchString(id) {
		return fmt.Errorf("%w: bad id %q", ErrInvalidEndpoint, id)
	}
	pf, err := m.filter(f, false)
	if err != nil {
		return err
	}

	op := m.begin("teardown", f, "endpoint", id)
	defer func() { err = op.end(err) }()

	names := NamesFor(id, f)
	references := func(r Rule) bool {
		return r.Jumps(names.ToChain) || r.Jumps(names.FromChain)
	}
	for _, chain := range []string{ChainInputDispatch, ChainForwardDispatch} {
		ok, err := pf.ChainExists(TableFilter, chain)
		if err != nil {
			return fmt.Errorf("probe %s: %w", chain, err)
		}
		if !ok {
			continue
		}
		if err := op.removeRules(pf, TableFilter, chain, "dispatch", references); err != nil {
			return err
		}
	}

	// to-chain goes last: Discovery keys on it.
	for _, chain := range []string{names.FromChain, names.ToChain} {
		ok, err := pf.ChainExists(TableFilter, chain)
		if err != nil {
			return fmt.Errorf("probe %s: %w", chain, err)
		}
		if !ok {
			continue
		}
		if err := pf.FlushChain(TableFilter, chain); err != nil {
			return fmt.Errorf("flush %s: %w", chain, err)
		}
		if err := pf.DeleteChain(TableFilter, chain); err != nil {
			return fmt.Errorf("delete %s: %w", chain, err)
		}
		op.log.Info("deleted chain", "chain", chain)
	}

	for _, set := range []string{names.FromAddr, names.FromPort, names.ToAddr, names.ToPort} {
		ok, err := m.sets.Exists(set)
		if err != nil {
			return fmt.Errorf("probe set %s: %w", set, err)
		}
		if !ok {
			continue
		}
		if err := m.sets.Destroy(set); err != nil {
			return fmt.Errorf("destroy set %s: %w", set, err)
		}
		op.log.Info("destroyed ipset", "set", set)
	}
	return nil
}
