// Package cmd implements the warden command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/warden/internal/config"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	configFile      string
	dryRun          bool
	logLevel        string
	logJSON         bool
	metricsTextfile string
}

// NewRootCommand builds the warden command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Per-endpoint iptables and ipset isolation",
		Long: `warden compiles per-endpoint iptables chains and ipsets that isolate
virtual machine interfaces on a host, keeps their ACL sets in sync and
tears them down again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "agent config file")
	pf.BoolVarP(&opts.dryRun, "dry-run", "n", false, "run against in-memory backends instead of the kernel")
	pf.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	pf.BoolVar(&opts.logJSON, "log-json", false, "log as JSON")
	pf.StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write metrics to this node-exporter textfile on exit")

	root.AddCommand(
		newBaselineCommand(opts),
		newApplyCommand(opts),
		newSyncACLsCommand(opts),
		newTeardownCommand(opts),
		newDiscoverCommand(opts),
		newCleanupCommand(opts),
		newPlanCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

// loadConfig reads the config file and applies flag overrides.
func (o *options) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logJSON {
		cfg.LogJSON = true
	}
	if o.metricsTextfile != "" {
		cfg.MetricsTextfile = o.metricsTextfile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wraps a subcommand body with runtime setup, teardown and the metrics
// textfile write.
func (o *options) run(fn func(ctx context.Context, rt *runtime, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := o.setup(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer rt.close()

		err = fn(cmd.Context(), rt, cmd, args)
		if path := rt.cfg.MetricsTextfile; path != "" {
			if werr := rt.metrics.WriteTextfile(path); werr != nil {
				rt.log.Error("failed to write metrics textfile", "path", path, "error", werr)
				err = errors.Join(err, werr)
			}
		}
		return err
	}
}
