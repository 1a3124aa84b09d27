package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/firewall"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
)

func newPlanCommand(opts *options) *cobra.Command {
	var (
		files    []string
		baseline bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the rule and set changes apply would make",
		Long: `plan snapshots the live chains and sets into memory, applies the
descriptors there and prints a unified diff of the result. Nothing on
the host is changed.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, rt *runtime, cmd *cobra.Command, _ []string) error {
			descs, err := rt.loadDescriptors(files)
			if err != nil {
				return err
			}
			diff, err := rehearse(rehearsal{
				cfg:      rt.cfg,
				log:      rt.log,
				families: rt.families,
				sets:     rt.sets,
				filters:  rt.filters,
				descs:    descs,
				baseline: baseline,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if diff == "" {
				fmt.Fprintln(out, "No changes.")
				return nil
			}
			fmt.Fprint(out, diff)
			return nil
		}),
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "endpoint descriptor (repeatable)")
	cmd.Flags().BoolVar(&baseline, "baseline", false, "include the baseline install in the plan")
	return cmd
}

// rehearsal is the live state a plan starts from and what it applies.
type rehearsal struct {
	cfg      *config.Config
	log      *logging.Logger
	families []firewall.Family
	sets     firewall.SetStore
	filters  []firewall.PacketFilter
	descs    []*config.Descriptor
	baseline bool
}

// rehearse applies the descriptors to an in-memory copy of the live state
// and returns the unified diff, or "" when nothing would change.
func rehearse(r rehearsal) (string, error) {
	sets, filters, err := firewall.Snapshot(r.sets, r.filters...)
	if err != nil {
		return "", fmt.Errorf("snapshot live state: %w", err)
	}
	before := render(sets, filters)

	pfs := make([]firewall.PacketFilter, len(filters))
	for i, mf := range filters {
		pfs[i] = mf
	}
	mgr, err := firewall.NewManager(sets, firewall.Options{
		Metadata:     r.cfg.MetadataRedirect(),
		Capabilities: r.cfg.Capabilities(),
		Logger:       r.log.WithComponent("plan"),
		Metrics:      metrics.New(),
	}, pfs...)
	if err != nil {
		return "", err
	}
	if err := mgr.Prime(); err != nil {
		return "", err
	}
	if r.baseline {
		if err := mgr.InstallBaseline(); err != nil {
			return "", err
		}
	}
	for _, d := range r.descs {
		eps, err := d.Endpoints(r.families)
		if err != nil {
			return "", err
		}
		for _, ep := range eps {
			if err := mgr.Compile(ep); err != nil {
				return "", fmt.Errorf("%s/%s: %w", ep.ID, ep.Family, err)
			}
			if err := mgr.SyncACLs(ep); err != nil {
				return "", fmt.Errorf("%s/%s: %w", ep.ID, ep.Family, err)
			}
		}
	}
	after := render(sets, filters)

	if before == after {
		return "", nil
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "live",
		ToFile:   "planned",
		Context:  3,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate diff: %w", err)
	}
	return diff, nil
}

// render dumps every filter followed by the sets, one rule or member per line.
func render(sets *firewall.MemorySets, filters []*firewall.MemoryFilter) string {
	var b strings.Builder
	for _, mf := range filters {
		b.WriteString(mf.Dump())
	}
	b.WriteString(sets.Dump())
	return b.String()
}
