package firewall

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
)

var builtinChains = map[string][]string{
	TableFilter: {"INPUT", "FORWARD", "OUTPUT"},
	TableNAT:    {"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"},
}

var standardTargets = map[string]bool{
	TargetReturn: true,
	TargetDrop:   true,
	TargetAccept: true,
	TargetDNAT:   true,
	"REJECT":     true,
	"LOG":        true,
	"SNAT":       true,
	"MASQUERADE": true,
}

type memTable struct {
	chains  map[string][]Rule
	builtin map[string]bool
}

// MemoryFilter is an in-memory PacketFilter. It refuses the same operations
// the kernel refuses: jumps to missing chains, matches on missing sets,
// deleting a chain that is referenced or not empty.
type MemoryFilter struct {
	mu     sync.Mutex
	family Family
	tables map[string]*memTable
	sets   *MemorySets

	// Unsupported extensions make Prime fail.
	Unsupported []string
	// Primed records the extensions checked by Prime.
	Primed []string
}

// NewMemoryFilter returns an empty filter with the built-in chains.
func NewMemoryFilter(f Family) *MemoryFilter {
	m := &MemoryFilter{family: f, tables: make(map[string]*memTable)}
	for table, chains := range builtinChains {
		t := &memTable{chains: make(map[string][]Rule), builtin: make(map[string]bool)}
		for _, c := range chains {
			t.chains[c] = nil
			t.builtin[c] = true
		}
		m.tables[table] = t
	}
	return m
}

func (m *MemoryFilter) Family() Family { return m.family }

func (m *MemoryFilter) Prime(matches, targets []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ext := range append(slices.Clone(matches), targets...) {
		if slices.Contains(m.Unsupported, ext) {
			return fmt.Errorf("%s extension %q not available", m.family, ext)
		}
		m.Primed = append(m.Primed, ext)
	}
	return nil
}

func (m *MemoryFilter) table(name string) (*memTable, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", name)
	}
	return t, nil
}

func (m *MemoryFilter) ChainExists(table, chain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return false, err
	}
	_, ok := t.chains[chain]
	return ok, nil
}

func (m *MemoryFilter) ListChains(table string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(t.chains))
	for name := range t.chains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemoryFilter) NewChain(table, chain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	if _, ok := t.chains[chain]; ok {
		return fmt.Errorf("%s/%s: %w", table, chain, ErrChainExists)
	}
	t.chains[chain] = nil
	return nil
}

func (m *MemoryFilter) FlushChain(table, chain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	if _, ok := t.chains[chain]; !ok {
		return fmt.Errorf("%s/%s: %w", table, chain, ErrChainNotFound)
	}
	t.chains[chain] = nil
	return nil
}

func (m *MemoryFilter) DeleteChain(table, chain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	rules, ok := t.chains[chain]
	if !ok {
		return fmt.Errorf("%s/%s: %w", table, chain, ErrChainNotFound)
	}
	if t.builtin[chain] {
		return fmt.Errorf("cannot delete built-in chain %s/%s", table, chain)
	}
	if len(rules) > 0 {
		return fmt.Errorf("%s/%s: %w", table, chain, ErrChainNotEmpty)
	}
	for from, rs := range t.chains {
		for _, r := range rs {
			if r.Jumps(chain) {
				return fmt.Errorf("%s/%s (from %s): %w", table, chain, from, ErrChainInUse)
			}
		}
	}
	delete(t.chains, chain)
	return nil
}

func (m *MemoryFilter) ListRules(table, chain string) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	rules, ok := t.chains[chain]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", table, chain, ErrChainNotFound)
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = cloneRule(r)
	}
	return out, nil
}

func (m *MemoryFilter) InsertRule(table, chain string, pos int, r Rule) error {
	// Lock order is store before filter, so the set probe runs unlocked.
	m.mu.Lock()
	sets := m.sets
	m.mu.Unlock()
	if r.MatchSet != "" && sets != nil {
		if ok, _ := sets.Exists(r.MatchSet); !ok {
			return fmt.Errorf("match on %s: %w", r.MatchSet, ErrSetNotFound)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	rules, ok := t.chains[chain]
	if !ok {
		return fmt.Errorf("%s/%s: %w", table, chain, ErrChainNotFound)
	}
	if r.Target != "" && !standardTargets[r.Target] {
		if _, ok := t.chains[r.Target]; !ok {
			return fmt.Errorf("jump to %s: %w", r.Target, ErrChainNotFound)
		}
	}
	switch {
	case pos == RulePosnLast:
		pos = len(rules)
	case pos < 0 || pos > len(rules):
		return fmt.Errorf("insert at %d into %s/%s of %d rules: %w", pos, table, chain, len(rules), ErrBadPosition)
	}
	t.chains[chain] = slices.Insert(rules, pos, cloneRule(r))
	return nil
}

func (m *MemoryFilter) DeleteRule(table, chain string, pos int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.table(table)
	if err != nil {
		return err
	}
	rules, ok := t.chains[chain]
	if !ok {
		return fmt.Errorf("%s/%s: %w", table, chain, ErrChainNotFound)
	}
	if pos < 0 || pos >= len(rules) {
		return fmt.Errorf("delete %d from %s/%s of %d rules: %w", pos, table, chain, len(rules), ErrBadPosition)
	}
	t.chains[chain] = slices.Delete(rules, pos, pos+1)
	return nil
}

func (m *MemoryFilter) referencesSet(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tables {
		for _, rules := range t.chains {
			for _, r := range rules {
				if r.MatchSet == name {
					return true
				}
			}
		}
	}
	return false
}

// Dump renders the filter in iptables -S form, tables and chains sorted.
func (m *MemoryFilter) Dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	tables := make([]string, 0, len(m.tables))
	for name := range m.tables {
		tables = append(tables, name)
	}
	slices.Sort(tables)
	for _, tn := range tables {
		t := m.tables[tn]
		chains := make([]string, 0, len(t.chains))
		for c := range t.chains {
			chains = append(chains, c)
		}
		slices.Sort(chains)
		fmt.Fprintf(&b, "*%s %s\n", tn, m.family)
		for _, c := range chains {
			if t.builtin[c] {
				fmt.Fprintf(&b, "-P %s ACCEPT\n", c)
			} else {
				fmt.Fprintf(&b, "-N %s\n", c)
			}
		}
		for _, c := range chains {
			for _, r := range t.chains[c] {
				fmt.Fprintf(&b, "-A %s %s\n", c, r)
			}
		}
	}
	return b.String()
}

func cloneRule(r Rule) Rule {
	r.CTStates = slices.Clone(r.CTStates)
	r.Extra = slices.Clone(r.Extra)
	return r
}

type memSet struct {
	kind    SetKind
	family  Family
	members map[string]struct{}
}

func (s *memSet) sorted() []string {
	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// SetObserver is called with a set's full membership after every change to it.
type SetObserver func(name string, members []string)

// MemorySets is an in-memory SetStore. Destroying a set that a linked
// filter still matches on fails with ErrSetInUse; swapping sets of
// different kinds fails with ErrKindMismatch.
type MemorySets struct {
	mu        sync.Mutex
	sets      map[string]*memSet
	filters   []*MemoryFilter
	observers []SetObserver
}

// NewMemorySets returns an empty store.
func NewMemorySets() *MemorySets {
	return &MemorySets{sets: make(map[string]*memSet)}
}

// LinkFilters makes the store aware of rules that reference its sets, and
// makes the filters refuse matches on sets the store does not hold.
func (s *MemorySets) LinkFilters(filters ...*MemoryFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range filters {
		f.mu.Lock()
		f.sets = s
		f.mu.Unlock()
		s.filters = append(s.filters, f)
	}
}

// Observe registers fn to be told about every membership change.
func (s *MemorySets) Observe(fn SetObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *MemorySets) notify(names ...string) {
	for _, name := range names {
		set, ok := s.sets[name]
		if !ok {
			continue
		}
		members := set.sorted()
		for _, fn := range s.observers {
			fn(name, members)
		}
	}
}

func (s *MemorySets) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[name]
	return ok, nil
}

func (s *MemorySets) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *MemorySets) Create(name string, kind SetKind, family Family) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(name) > maxSetName {
		return fmt.Errorf("set %s: %w", name, ErrNameTooLong)
	}
	if _, ok := s.sets[name]; ok {
		return fmt.Errorf("set %s: %w", name, ErrSetExists)
	}
	s.sets[name] = &memSet{kind: kind, family: family, members: make(map[string]struct{})}
	return nil
}

func (s *MemorySets) Destroy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[name]; !ok {
		return fmt.Errorf("set %s: %w", name, ErrSetNotFound)
	}
	for _, f := range s.filters {
		if f.referencesSet(name) {
			return fmt.Errorf("set %s: %w", name, ErrSetInUse)
		}
	}
	delete(s.sets, name)
	return nil
}

func (s *MemorySets) Add(name, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.add(name, member); err != nil {
		return err
	}
	s.notify(name)
	return nil
}

// AddAll adds every member, then notifies observers once.
func (s *MemorySets) AddAll(name string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, member := range members {
		if err := s.add(name, member); err != nil {
			return err
		}
	}
	s.notify(name)
	return nil
}

func (s *MemorySets) add(name, member string) error {
	set, ok := s.sets[name]
	if !ok {
		return fmt.Errorf("set %s: %w", name, ErrSetNotFound)
	}
	if err := checkMember(member, set.kind, set.family); err != nil {
		return fmt.Errorf("add %q to %s: %w", member, name, err)
	}
	set.members[kernelForm(member)] = struct{}{}
	return nil
}

// kernelForm rewrites a valid member the way ipset save prints it back:
// networks masked, host prefixes without their length.
func kernelForm(member string) string {
	addr, rest, hasPort := strings.Cut(member, ",")
	if p, err := netip.ParsePrefix(addr); err == nil {
		if p.Bits() == p.Addr().BitLen() {
			addr = p.Addr().String()
		} else {
			addr = p.Masked().String()
		}
	} else if a, err := netip.ParseAddr(addr); err == nil {
		addr = a.String()
	}
	if hasPort {
		return addr + "," + rest
	}
	return addr
}

func (s *MemorySets) Flush(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[name]
	if !ok {
		return fmt.Errorf("set %s: %w", name, ErrSetNotFound)
	}
	set.members = make(map[string]struct{})
	s.notify(name)
	return nil
}

func (s *MemorySets) Swap(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa, ok := s.sets[a]
	if !ok {
		return fmt.Errorf("set %s: %w", a, ErrSetNotFound)
	}
	sb, ok := s.sets[b]
	if !ok {
		return fmt.Errorf("set %s: %w", b, ErrSetNotFound)
	}
	if sa.kind != sb.kind || sa.family != sb.family {
		return fmt.Errorf("swap %s (%s %s) with %s (%s %s): %w",
			a, sa.kind, sa.family, b, sb.kind, sb.family, ErrKindMismatch)
	}
	sa.members, sb.members = sb.members, sa.members
	s.notify(a, b)
	return nil
}

func (s *MemorySets) Members(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[name]
	if !ok {
		return nil, fmt.Errorf("set %s: %w", name, ErrSetNotFound)
	}
	return set.sorted(), nil
}

// Dump renders the store in ipset save form, sets sorted by name.
func (s *MemorySets) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	slices.Sort(names)
	var b strings.Builder
	for _, name := range names {
		set := s.sets[name]
		fmt.Fprintf(&b, "create %s %s family %s\n", name, set.kind.TypeName(), dialectFor(set.family).SetFamily())
		for _, member := range set.sorted() {
			fmt.Fprintf(&b, "add %s %s\n", name, member)
		}
	}
	return b.String()
}

// checkMember validates member against the shape the kernel accepts for
// a set of the given kind and family.
func checkMember(member string, kind SetKind, family Family) error {
	addr, rest, hasPort := strings.Cut(member, ",")
	if hasPort != (kind == SetKindAddrPort) {
		return fmt.Errorf("member shape does not fit %s set", kind.TypeName())
	}
	var ip netip.Addr
	if p, err := netip.ParsePrefix(addr); err == nil {
		ip = p.Addr()
	} else if a, err := netip.ParseAddr(addr); err == nil {
		ip = a
	} else {
		return fmt.Errorf("bad address %q", addr)
	}
	if ip.Is4() != (family == IPv4) {
		return ErrFamilyMismatch
	}
	if hasPort {
		proto, port, ok := strings.Cut(rest, ":")
		if !ok || proto == "" {
			return fmt.Errorf("bad protocol:port %q", rest)
		}
		if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
			return fmt.Errorf("bad port %q", port)
		}
	}
	return nil
}

// Snapshot copies the live state of filters and store into memory backends,
// so a change can be rehearsed and diffed without touching the kernel.
func Snapshot(store SetStore, filters ...PacketFilter) (*MemorySets, []*MemoryFilter, error) {
	sets := NewMemorySets()
	names, err := store.List()
	if err != nil {
		return nil, nil, fmt.Errorf("list sets: %w", err)
	}
	describer, _ := store.(SetDescriber)
	for _, name := range names {
		members, err := store.Members(name)
		if err != nil {
			return nil, nil, fmt.Errorf("members of %s: %w", name, err)
		}
		kind, family := guessSetShape(name, members)
		if describer != nil {
			if k, f, err := describer.Describe(name); err == nil {
				kind, family = k, f
			}
		}
		if err := sets.Create(name, kind, family); err != nil {
			return nil, nil, err
		}
		if err := sets.AddAll(name, members); err != nil {
			return nil, nil, err
		}
	}

	var out []*MemoryFilter
	for _, pf := range filters {
		mf := NewMemoryFilter(pf.Family())
		sets.LinkFilters(mf)
		tables := []string{TableFilter}
		if _, ok := dialectFor(pf.Family()).RedirectRule(MetadataRedirect{}); ok {
			tables = append(tables, TableNAT)
		}
		for _, table := range tables {
			chains, err := pf.ListChains(table)
			if err != nil {
				return nil, nil, fmt.Errorf("list %s chains: %w", table, err)
			}
			for _, c := range chains {
				if ok, _ := mf.ChainExists(table, c); !ok {
					if err := mf.NewChain(table, c); err != nil {
						return nil, nil, err
					}
				}
			}
			for _, c := range chains {
				rules, err := pf.ListRules(table, c)
				if err != nil {
					return nil, nil, fmt.Errorf("list %s/%s: %w", table, c, err)
				}
				for _, r := range rules {
					if err := mf.InsertRule(table, c, RulePosnLast, r); err != nil {
						return nil, nil, err
					}
				}
			}
		}
		out = append(out, mf)
	}
	return sets, out, nil
}

// guessSetShape infers kind and family from a set's name and members when
// the store cannot describe the set itself.
func guessSetShape(name string, members []string) (SetKind, Family) {
	family := IPv4
	if strings.HasPrefix(name, dialectFor(IPv6).Tag()) {
		family = IPv6
	}
	kind := SetKindAddr
	if strings.Contains(name, "-port") {
		kind = SetKindAddrPort
	}
	if len(members) > 0 {
		if strings.Contains(members[0], ",") {
			kind = SetKindAddrPort
		} else {
			kind = SetKindAddr
		}
		addr, _, _ := strings.Cut(members[0], ",")
		addr, _, _ = strings.Cut(addr, "/")
		if a, err := netip.ParseAddr(addr); err == nil && a.Is6() {
			family = IPv6
		}
	}
	return kind, family
}
