package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/firewall"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
)

// runtime is everything one command invocation works with.
type runtime struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Registry
	families []firewall.Family
	retry    firewall.RetryConfig

	sets    firewall.SetStore
	filters []firewall.PacketFilter
	mgr     *firewall.Manager

	closers []io.Closer
}

func (o *options) setup(stderr io.Writer) (*runtime, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, metrics: metrics.Get()}

	lc := cfg.LoggingConfig()
	lc.Output = stderr
	if sc, ok := cfg.SyslogWriterConfig(); ok {
		w, err := logging.NewSyslogWriter(sc)
		if err != nil {
			return nil, fmt.Errorf("syslog: %w", err)
		}
		rt.closers = append(rt.closers, w)
		lc.Output = logging.MultiWriter(stderr, w)
	}
	rt.log = logging.New(lc)
	logging.SetDefault(rt.log)

	if rt.families, err = cfg.FamilyList(); err != nil {
		rt.close()
		return nil, err
	}
	if rt.retry, err = cfg.RetryPolicy(); err != nil {
		rt.close()
		return nil, err
	}

	if err := rt.openBackends(o.dryRun); err != nil {
		rt.close()
		return nil, err
	}

	rt.mgr, err = firewall.NewManager(rt.sets, firewall.Options{
		Metadata:     cfg.MetadataRedirect(),
		Capabilities: cfg.Capabilities(),
		Logger:       rt.log,
		Metrics:      rt.metrics,
	}, rt.filters...)
	if err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openBackends(dryRun bool) error {
	if dryRun {
		sets := firewall.NewMemorySets()
		for _, f := range rt.families {
			mf := firewall.NewMemoryFilter(f)
			sets.LinkFilters(mf)
			rt.filters = append(rt.filters, mf)
		}
		rt.sets = sets
		rt.log.Info("dry run: using in-memory backends")
		return nil
	}

	for _, f := range rt.families {
		rt.filters = append(rt.filters, firewall.NewIPTables(f, rt.cfg.IPTablesWait))
	}
	switch rt.cfg.IPSetBackend {
	case config.BackendNetlink:
		sets, err := firewall.OpenNetlinkSets()
		if err != nil {
			return fmt.Errorf("open netlink ipset backend: %w", err)
		}
		rt.sets = sets
	default:
		rt.sets = firewall.NewIPSet()
	}
	return nil
}

func (rt *runtime) close() {
	for _, c := range rt.closers {
		c.Close()
	}
	rt.closers = nil
}

// do runs one idempotent operation under the configured retry policy.
func (rt *runtime) do(ctx context.Context, what string, fn func() error) error {
	attempt := 0
	return firewall.Retry(ctx, rt.retry, func() error {
		attempt++
		err := fn()
		if err != nil && attempt < rt.retry.MaxAttempts {
			rt.log.Warn("operation failed, retrying", "op", what, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (rt *runtime) prime(ctx context.Context) error {
	return rt.do(ctx, "prime", rt.mgr.Prime)
}

// selectFamilies resolves a --family flag against the configured families.
func (rt *runtime) selectFamilies(flag string) ([]firewall.Family, error) {
	if flag == "" || strings.EqualFold(flag, "all") {
		return rt.families, nil
	}
	f, err := firewall.ParseFamily(flag)
	if err != nil {
		return nil, err
	}
	for _, have := range rt.families {
		if have == f {
			return []firewall.Family{f}, nil
		}
	}
	return nil, fmt.Errorf("family %s is not managed by this agent", f)
}

// loadDescriptors reads files, or the configured descriptor directory when
// no files are given.
func (rt *runtime) loadDescriptors(files []string) ([]*config.Descriptor, error) {
	if len(files) > 0 {
		return config.LoadDescriptors(files...)
	}
	if rt.cfg.DescriptorDir == "" {
		return nil, fmt.Errorf("no descriptors given: pass -f or set descriptor_dir")
	}
	return config.LoadDescriptorDir(rt.cfg.DescriptorDir)
}

func familyNames(fs []firewall.Family) string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.String()
	}
	return strings.Join(names, ",")
}
