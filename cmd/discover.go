package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/firewall"
)

func newDiscoverCommand(opts *options) *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List endpoints that have firewall state on this host",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, rt *runtime, cmd *cobra.Command, _ []string) error {
			families, err := rt.selectFamilies(family)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FAMILY\tENDPOINT")
			for _, f := range families {
				ids, err := rt.mgr.Discover(f)
				if err != nil {
					return fmt.Errorf("discover %s: %w", f, err)
				}
				for _, id := range ids {
					fmt.Fprintf(w, "%s\t%s\n", f, id)
				}
			}
			return w.Flush()
		}),
	}
	cmd.Flags().StringVar(&family, "family", "all", "address family: v4, v6 or all")
	return cmd
}

func newCleanupCommand(opts *options) *cobra.Command {
	var (
		family string
		dir    string
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Tear down discovered endpoints that no descriptor names",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, rt *runtime, cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = rt.cfg.DescriptorDir
			}
			if dir == "" {
				return errors.New("cleanup needs a descriptor directory: pass -d or set descriptor_dir")
			}
			descs, err := config.LoadDescriptorDir(dir)
			if err != nil {
				return err
			}
			families, err := rt.selectFamilies(family)
			if err != nil {
				return err
			}
			return cleanupOrphans(rt, cmd.OutOrStdout(), descs, families)
		}),
	}
	cmd.Flags().StringVar(&family, "family", "all", "address family: v4, v6 or all")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "descriptor directory (default: descriptor_dir)")
	return cmd
}

// cleanupOrphans tears down, per family, every discovered endpoint whose
// descriptor does not yield an endpoint in that family.
func cleanupOrphans(rt *runtime, out io.Writer, descs []*config.Descriptor, families []firewall.Family) error {
	known, err := config.KnownIDsByFamily(descs, rt.families)
	if err != nil {
		rt.log.Warn("keeping ids of descriptors that do not build", "error", err)
	}
	var errs []error
	for _, f := range families {
		removed, err := rt.mgr.Cleanup(f, known[f])
		for _, id := range removed {
			fmt.Fprintf(out, "removed %s (%s)\n", id, f)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
