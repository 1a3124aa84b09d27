package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"grimm.is/warden/internal/firewall"
)

func newApplyCommand(opts *options) *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Compile endpoint chains and publish their ACL sets",
		Long: `apply compiles the chains of every described endpoint and then
publishes its ACL sets. Without -f it reads every descriptor in
descriptor_dir.`,
		Args: cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, rt *runtime, cmd *cobra.Command, _ []string) error {
			return applyDescriptors(ctx, rt, cmd.OutOrStdout(), files, true)
		}),
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "endpoint descriptor (repeatable)")
	return cmd
}

func newSyncACLsCommand(opts *options) *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "sync-acls",
		Short: "Republish the ACL sets of already compiled endpoints",
		Args:  cobra.NoArgs,
		RunE: opts.run(func(ctx context.Context, rt *runtime, cmd *cobra.Command, _ []string) error {
			return applyDescriptors(ctx, rt, cmd.OutOrStdout(), files, false)
		}),
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "endpoint descriptor (repeatable)")
	return cmd
}

// applyDescriptors compiles (when compile is set) and syncs every endpoint
// the descriptors yield. A failing endpoint does not stop the others.
func applyDescriptors(ctx context.Context, rt *runtime, out io.Writer, files []string, compile bool) error {
	descs, err := rt.loadDescriptors(files)
	if err != nil {
		return err
	}
	if compile {
		if err := rt.prime(ctx); err != nil {
			return err
		}
	}

	var errs []error
	for _, d := range descs {
		eps, err := d.Endpoints(rt.families)
		if err != nil {
			rt.log.Error("skipping descriptor", "id", d.ID, "path", d.Path, "error", err)
			errs = append(errs, err)
			continue
		}
		for _, ep := range eps {
			if err := applyEndpoint(ctx, rt, ep, compile); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", ep.ID, ep.Family, err))
				continue
			}
			verb := "synced"
			if compile {
				verb = "applied"
			}
			fmt.Fprintf(out, "%s %s (%s)\n", verb, ep.ID, ep.Family)
		}
	}
	return errors.Join(errs...)
}

func applyEndpoint(ctx context.Context, rt *runtime, ep *firewall.Endpoint, compile bool) error {
	if compile {
		if err := rt.do(ctx, "compile", func() error { return rt.mgr.Compile(ep) }); err != nil {
			return err
		}
	}
	return rt.do(ctx, "sync-acls", func() error { return rt.mgr.SyncACLs(ep) })
}
