package firewall

import (
	"errors"
	"fmt"
	"strings"
)

// Discover returns the ids of every endpoint with a surviving artifact in
// family f. It looks for to-chains and to-port sets: Compile creates them
// first and Teardown removes them last, so a crash at any point leaves at
// least one of them behind.
func (m *Manager) Discover(f Family) (ids []string, err error) {
	pf, err := m.filter(f, false)
	if err != nil {
		return nil, err
	}

	op := m.begin("discover", f)
	defer func() { err = op.end(err) }()

	found := make(map[string]bool)

	chains, err := pf.ListChains(TableFilter)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	for _, c := range chains {
		if id, ok := strings.CutPrefix(c, ChainToPrefix); ok && id != "" {
			found[id] = true
		}
	}

	sets, err := m.sets.List()
	if err != nil {
		return nil, fmt.Errorf("list sets: %w", err)
	}
	prefix := ToPortSetPrefix(f)
	for _, s := range sets {
		if id, ok := strings.CutPrefix(s, prefix); ok && id != "" {
			found[id] = true
		}
	}

	ids = sortedKeys(found)
	m.metrics.Orphans.WithLabelValues(f.String()).Set(float64(len(ids)))
	op.log.Info("discovered endpoints", "count", len(ids))
	return ids, nil
}

// Cleanup tears down every discovered endpoint of family f whose id is not
// in keep. It carries on past failures and returns the ids it removed
// together with every error.
func (m *Manager) Cleanup(f Family, keep map[string]bool) ([]string, error) {
	ids, err := m.Discover(f)
	if err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := m.Teardown(id, f); err != nil {
			errs = append(errs, fmt.Errorf("teardown %s/%s: %w", id, f, err))
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}
