package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newBaselineCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "baseline",
		Short: "Install the host-wide dispatch chains and their jumps",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, rt *runtime, cmd *cobra.Command, _ []string) error {
			if err := rt.prime(ctx); err != nil {
				return err
			}
			if err := rt.do(ctx, "baseline", rt.mgr.InstallBaseline); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline installed (%s)\n", familyNames(rt.families))
			return nil
		}),
	}
}
