package firewall

import "fmt"

// InstallBaseline ensures the host-wide chains exist in every family and
// that traffic is routed through them: the v4 metadata redirect in
// PREROUTING-redirect (nat), and INPUT-dispatch / FORWARD-dispatch in the
// filter table, each jumped to from the head of its built-in chain.
//
// In coarse probe mode the jumps are only added when v4 INPUT does not
// already jump to INPUT-dispatch; in precise mode each jump is a dedup
// insert.
func (m *Manager) InstallBaseline() error {
	for _, f := range m.Families() {
		if _, err := m.filter(f, true); err != nil {
			return err
		}
	}

	installed := false
	if m.opts.Capabilities.DispatchProbe == ProbeCoarse {
		var err error
		if installed, err = m.baselineProbe(); err != nil {
			return err
		}
	}

	for _, f := range m.Families() {
		if err := m.installBaseline(f, installed); err != nil {
			return err
		}
	}
	return nil
}

// baselineProbe reports whether the INPUT jump of the first family exists.
func (m *Manager) baselineProbe() (bool, error) {
	pf := m.filters[m.Families()[0]]
	rules, err := pf.ListRules(TableFilter, ChainInput)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", ChainInput, err)
	}
	for _, r := range rules {
		if r.Jumps(ChainInputDispatch) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) installBaseline(f Family, jumpsInstalled bool) (err error) {
	op := m.begin("baseline", f)
	defer func() { err = op.end(err) }()

	pf := m.filters[f]
	d := dialectFor(f)

	if redirect, ok := d.RedirectRule(m.opts.Metadata); ok {
		if _, err := EnsureChain(pf, TableNAT, ChainPreroutingRedirect); err != nil {
			return err
		}
		if err := op.writer(pf, TableNAT, ChainPreroutingRedirect, "baseline", 0).put(redirect); err != nil {
			return err
		}
		if !jumpsInstalled {
			jump := Rule{Target: ChainPreroutingRedirect}
			if err := op.writer(pf, TableNAT, ChainPrerouting, "baseline", 0).put(jump); err != nil {
				return err
			}
		}
	}

	for _, chain := range []string{ChainForwardDispatch, ChainInputDispatch} {
		created, err := EnsureChain(pf, TableFilter, chain)
		if err != nil {
			return err
		}
		if created {
			op.log.Info("created dispatch chain", "chain", chain)
		}
	}

	if jumpsInstalled {
		op.log.Debug("dispatch jumps already present")
		return nil
	}
	jumps := []struct{ from, to string }{
		{ChainForward, ChainForwardDispatch},
		{ChainInput, ChainInputDispatch},
	}
	for _, j := range jumps {
		if err := op.writer(pf, TableFilter, j.from, "baseline", 0).put(Rule{Target: j.to}); err != nil {
			return err
		}
	}
	return nil
}
