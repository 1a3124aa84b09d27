package firewall

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
)

var (
	// ErrNotPrimed is returned when rules are built before Prime ran.
	ErrNotPrimed = errors.New("packet filter extensions not primed")
	// ErrNoFilter is returned for a family the manager has no filter for.
	ErrNoFilter = errors.New("no packet filter for family")
)

// Options configure a Manager.
type Options struct {
	Metadata     MetadataRedirect
	Capabilities Capabilities
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	// Clock times operations; nil means the system clock.
	Clock clock.Clock
}

// Manager compiles, synchronizes, tears down and discovers endpoint
// firewall state. Callers must serialize operations on the same
// (endpoint, family); the manager itself holds no per-endpoint state.
type Manager struct {
	mu      sync.Mutex
	filters map[Family]PacketFilter
	sets    SetStore
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Registry
	clock   clock.Clock
	primed  map[Family]bool
}

// NewManager binds one packet filter per family and a set store.
func NewManager(sets SetStore, opts Options, filters ...PacketFilter) (*Manager, error) {
	if sets == nil {
		return nil, errors.New("set store is required")
	}
	if len(filters) == 0 {
		return nil, errors.New("at least one packet filter is required")
	}
	if opts.Metadata == (MetadataRedirect{}) {
		opts.Metadata = DefaultMetadataRedirect()
	}
	if err := opts.Metadata.Validate(); err != nil {
		return nil, err
	}
	probe, err := ParseDispatchProbe(string(opts.Capabilities.DispatchProbe))
	if err != nil {
		return nil, err
	}
	opts.Capabilities.DispatchProbe = probe

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.Get()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}

	m := &Manager{
		filters: make(map[Family]PacketFilter, len(filters)),
		sets:    sets,
		opts:    opts,
		logger:  logger.WithComponent("firewall"),
		metrics: reg,
		clock:   clk,
		primed:  make(map[Family]bool),
	}
	for _, pf := range filters {
		f := pf.Family()
		if !f.Valid() {
			return nil, fmt.Errorf("packet filter reports unknown family %d", int(f))
		}
		if _, dup := m.filters[f]; dup {
			return nil, fmt.Errorf("two packet filters for %s", f)
		}
		m.filters[f] = pf
	}
	return m, nil
}

// Families returns the families the manager has filters for.
func (m *Manager) Families() []Family {
	var out []Family
	for _, f := range Families {
		if _, ok := m.filters[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Capabilities returns the effective capability flags.
func (m *Manager) Capabilities() Capabilities {
	return m.opts.Capabilities
}

// Prime loads every match and target extension the compiler uses, once per
// family. It must run before InstallBaseline or Compile.
func (m *Manager) Prime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.Families() {
		if m.primed[f] {
			continue
		}
		matches, targets := dialectFor(f).Extensions()
		if err := m.filters[f].Prime(matches, targets); err != nil {
			return fmt.Errorf("prime %s: %w", f, err)
		}
		m.primed[f] = true
		m.logger.Debug("primed extensions", "family", f.String(), "matches", matches, "targets", targets)
	}
	return nil
}

func (m *Manager) filter(f Family, needPrimed bool) (PacketFilter, error) {
	pf, ok := m.filters[f]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoFilter, f)
	}
	if needPrimed {
		m.mu.Lock()
		primed := m.primed[f]
		m.mu.Unlock()
		if !primed {
			return nil, fmt.Errorf("%s: %w", f, ErrNotPrimed)
		}
	}
	return pf, nil
}

// operation carries the logger and timing of one Manager call.
type operation struct {
	m       *Manager
	name    string
	family  Family
	log     *logging.Logger
	started time.Time
}

func (m *Manager) begin(name string, f Family, args ...any) *operation {
	args = append([]any{"op", name, "op_id", uuid.NewString(), "family", f.String()}, args...)
	op := &operation{
		m:       m,
		name:    name,
		family:  f,
		log:     m.logger.With(args...),
		started: m.clock.Now(),
	}
	op.log.Debug("operation started")
	return op
}

func (o *operation) end(err error) error {
	elapsed := o.m.clock.Since(o.started)
	o.m.metrics.RecordOperation(o.name, o.family.String(), elapsed, o.m.clock.Now(), err)
	if err != nil {
		o.log.Error("operation failed", "error", err, "elapsed", elapsed)
		return err
	}
	o.log.Debug("operation finished", "elapsed", elapsed)
	return nil
}

func (o *operation) inserted(chainKind string) {
	o.m.metrics.RulesInserted.WithLabelValues(o.family.String(), chainKind).Inc()
}

// chainWriter inserts an ordered run of rules at the head of a chain,
// skipping rules already present anywhere in it.
type chainWriter struct {
	op    *operation
	pf    PacketFilter
	table string
	chain string
	kind  string
	index int
}

// put dedup-inserts r at the running index and advances it.
func (w *chainWriter) put(r Rule) error {
	ok, err := InsertRule(w.pf, w.table, w.chain, w.index, r)
	if err != nil {
		return err
	}
	if ok {
		w.op.inserted(w.kind)
		w.op.log.Debug("inserted rule", "chain", w.chain, "position", w.index, "rule", r.String())
	}
	w.index++
	return nil
}

// tail dedup-appends r.
func (w *chainWriter) tail(r Rule) error {
	ok, err := InsertRule(w.pf, w.table, w.chain, RulePosnLast, r)
	if err != nil {
		return err
	}
	if ok {
		w.op.inserted(w.kind)
		w.op.log.Debug("appended rule", "chain", w.chain, "rule", r.String())
	}
	return nil
}

func (o *operation) writer(pf PacketFilter, table, chain, kind string, pos int) *chainWriter {
	return &chainWriter{op: o, pf: pf, table: table, chain: chain, kind: kind, index: pos}
}

func (o *operation) removeRules(pf PacketFilter, table, chain, kind string, match func(Rule) bool) error {
	removed, passes, err := removeRules(pf, table, chain, match)
	o.m.metrics.RecordRemoval(o.family.String(), kind, removed, passes)
	if removed > 0 {
		o.log.Info("removed rules", "chain", chain, "count", removed, "passes", passes)
	}
	return err
}

// ensureSets creates the named sets in order, logging the ones it created.
func (o *operation) ensureSets(sets []namedSet) error {
	for _, s := range sets {
		created, err := EnsureSet(o.m.sets, s.name, s.kind, o.family)
		if err != nil {
			return err
		}
		if created {
			o.log.Info("created ipset", "set", s.name, "type", s.kind.TypeName())
		}
	}
	return nil
}

type namedSet struct {
	name string
	kind SetKind
}

// permanentSets lists an endpoint's sets in creation order: to-port first,
// since Discovery treats it as the endpoint's presence marker.
func (n Names) permanentSets() []namedSet {
	return []namedSet{
		{n.ToPort, SetKindAddrPort},
		{n.ToAddr, SetKindAddr},
		{n.FromPort, SetKindAddrPort},
		{n.FromAddr, SetKindAddr},
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
