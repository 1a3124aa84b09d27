package firewall

import "fmt"

// EnsureChain creates chain in table unless it already exists.
// It reports whether the chain was created.
func EnsureChain(pf PacketFilter, table, chain string) (bool, error) {
	ok, err := pf.ChainExists(table, chain)
	if err != nil {
		return false, fmt.Errorf("probe chain %s/%s: %w", table, chain, err)
	}
	if ok {
		return false, nil
	}
	if err := pf.NewChain(table, chain); err != nil {
		return false, fmt.Errorf("create chain %s/%s: %w", table, chain, err)
	}
	return true, nil
}

// InsertRule inserts r at pos unless a content-equal rule is already in the
// chain at any position. RulePosnLast, or any position past the end,
// appends. It reports whether a rule was inserted.
func InsertRule(pf PacketFilter, table, chain string, pos int, r Rule) (bool, error) {
	rules, err := pf.ListRules(table, chain)
	if err != nil {
		return false, fmt.Errorf("list %s/%s: %w", table, chain, err)
	}
	for _, existing := range rules {
		if existing.Equal(r) {
			return false, nil
		}
	}
	if pos == RulePosnLast || pos > len(rules) {
		pos = RulePosnLast
	}
	if err := pf.InsertRule(table, chain, pos, r); err != nil {
		return false, fmt.Errorf("insert into %s/%s: %w", table, chain, err)
	}
	return true, nil
}

// EnsureSet creates the named set unless it already exists.
func EnsureSet(store SetStore, name string, kind SetKind, family Family) (bool, error) {
	ok, err := store.Exists(name)
	if err != nil {
		return false, fmt.Errorf("probe set %s: %w", name, err)
	}
	if ok {
		return false, nil
	}
	if err := store.Create(name, kind, family); err != nil {
		return false, fmt.Errorf("create set %s: %w", name, err)
	}
	return true, nil
}

// removeRules deletes every rule of table/chain for which match returns true.
// Deleting a rule renumbers the ones after it, so no position survives a
// deletion: each pass re-lists the chain and deletes at most one rule, and
// the loop stops after the first pass that deletes nothing.
// It returns the number of rules removed and the number of passes made.
func removeRules(pf PacketFilter, table, chain string, match func(Rule) bool) (removed, passes int, err error) {
	for {
		passes++
		rules, err := pf.ListRules(table, chain)
		if err != nil {
			return removed, passes, fmt.Errorf("list %s/%s: %w", table, chain, err)
		}
		hit := -1
		for i, r := range rules {
			if match(r) {
				hit = i
				break
			}
		}
		if hit < 0 {
			return removed, passes, nil
		}
		if err := pf.DeleteRule(table, chain, hit); err != nil {
			return removed, passes, fmt.Errorf("delete rule %d from %s/%s: %w", hit, table, chain, err)
		}
		removed++
	}
}
