package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/warden/internal/config"
)

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the agent configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as HCL",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(config.GenerateHCL(cfg))
				return err
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the configuration and descriptor directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				families, err := cfg.FamilyList()
				if err != nil {
					return err
				}
				if _, err := cfg.RetryPolicy(); err != nil {
					return err
				}
				if cfg.DescriptorDir != "" {
					descs, err := config.LoadDescriptorDir(cfg.DescriptorDir)
					if err != nil {
						return err
					}
					for _, d := range descs {
						if _, err := d.Endpoints(families); err != nil {
							return fmt.Errorf("%s: %w", d.Path, err)
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%d descriptors ok\n", len(descs))
				}
				fmt.Fprintln(cmd.OutOrStdout(), "config ok")
				return nil
			},
		},
	)
	return cmd
}
