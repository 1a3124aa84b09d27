package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newTeardownCommand(opts *options) *cobra.Command {
	var family string
	cmd := &cobra.Command{
		Use:   "teardown ID...",
		Short: "Remove every chain, rule and set of the given endpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: opts.run(func(ctx context.Context, rt *runtime, cmd *cobra.Command, ids []string) error {
			families, err := rt.selectFamilies(family)
			if err != nil {
				return err
			}
			var errs []error
			for _, id := range ids {
				for _, f := range families {
					err := rt.do(ctx, "teardown", func() error { return rt.mgr.Teardown(id, f) })
					if err != nil {
						errs = append(errs, fmt.Errorf("%s/%s: %w", id, f, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%s)\n", id, f)
				}
			}
			return errors.Join(errs...)
		}),
	}
	cmd.Flags().StringVar(&family, "family", "all", "address family: v4, v6 or all")
	return cmd
}
