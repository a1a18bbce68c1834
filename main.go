package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hostguard/pkg/config"
	"hostguard/pkg/enforce"
	"hostguard/pkg/logger"
	"hostguard/pkg/sources"
	"hostguard/pkg/version"
)

var errTunnelOneShot = errors.New("the vpn method only runs inside the serve command")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli carries the state shared by all subcommands.
type cli struct {
	configPath string
	loader     *config.Loader
	cfg        *config.Config
	log        *slog.Logger
	closeLog   func() error
}

func newRootCmd() *cobra.Command {
	return (&cli{}).rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hostguard",
		Short:        "Merge host lists and enforce them on this machine",
		Version:      version.HostguardVersion,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "",
		"configuration file (default $HOSTGUARD_CONFIG or "+config.DefaultConfigPath+")")

	root.AddCommand(
		c.serveCmd(),
		c.syncCmd(),
		c.checkCmd(),
		c.applyCmd(),
		c.revertCmd(),
		c.statusCmd(),
		c.sourcesCmd(),
	)
	c.closeLogAfterRun(root)
	return root
}

// closeLogAfterRun wraps every command so the log file opened by setup is
// closed when the command returns, whatever its outcome.
func (c *cli) closeLogAfterRun(cmd *cobra.Command) {
	for _, sub := range cmd.Commands() {
		c.closeLogAfterRun(sub)
	}
	if cmd.RunE == nil {
		return
	}
	run := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		defer c.releaseLog()
		return run(cmd, args)
	}
}

func (c *cli) releaseLog() {
	if c.closeLog == nil {
		return
	}
	if err := c.closeLog(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
	c.closeLog = nil
}

func (c *cli) setup() error {
	c.loader = config.NewLoader(config.ResolvePath(c.configPath))
	cfg, err := c.loader.Load()
	if err != nil {
		return err
	}
	log, closeLog, err := logger.Setup(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = log
	c.closeLog = closeLog
	log.Debug("configuration loaded", "path", c.loader.Path(), "method", cfg.Enforcement.Method)
	return nil
}

// withApp builds the component graph for one command and closes it after.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.log.Warn("failed to close store", "error", err)
		}
	}()
	return fn(ctx, a)
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Retrieve every enabled source and merge the rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.model.RetrieveHostsSources(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "sources: %d, updated: %d, unchanged: %d, failed: %d\n",
					report.Total, report.Updated, report.NotModified, len(report.Failed))
				for _, label := range report.Failed {
					fmt.Fprintf(out, "  failed: %s\n", label)
				}
				fmt.Fprintf(out, "rules: %d (changed: %t)\n", report.Rules, report.Changed)

				// An installed hosts file is refreshed in place.
				if a.ctrl.Method() == enforce.MethodRoot && a.ctrl.IsApplied() && report.Changed {
					if err := a.ctrl.Apply(ctx); err != nil {
						return err
					}
					fmt.Fprintln(out, "hosts file updated")
				}
				return nil
			})
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check whether any source changed remotely",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				out, err := a.actions.Update(ctx)
				if err != nil {
					return err
				}
				if out.Update {
					fmt.Fprintln(cmd.OutOrStdout(), "update available")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "up to date")
				}
				return nil
			})
		},
	}
}

func (c *cli) applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Install the merged rule set into the hosts file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Enforcement.Method == enforce.MethodVPN {
				return errTunnelOneShot
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ctrl.Apply(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enforcement: %s\n", a.ctrl.State())
				return nil
			})
		},
	}
}

func (c *cli) revertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert",
		Short: "Restore the hosts file saved before enforcement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Enforcement.Method == enforce.MethodVPN {
				return errTunnelOneShot
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.ctrl.Revert(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enforcement: %s\n", a.ctrl.State())
				return nil
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show source and rule counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.model.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "method\t%s\n", a.ctrl.Method())
				fmt.Fprintf(w, "enforcement\t%s\n", a.ctrl.State())
				fmt.Fprintf(w, "sources up to date\t%d\n", st.Sources.UpToDate)
				fmt.Fprintf(w, "sources outdated\t%d\n", st.Sources.Outdated)
				fmt.Fprintf(w, "sources failed\t%d\n", st.Sources.Failed)
				fmt.Fprintf(w, "blocked\t%d\n", st.Blocked)
				fmt.Fprintf(w, "allowed\t%d\n", st.Allowed)
				fmt.Fprintf(w, "redirected\t%d\n", st.Redirected)
				if !st.LastSync.IsZero() {
					fmt.Fprintf(w, "last sync\t%s\n", st.LastSync.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

func (c *cli) sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage host list sources",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				all, err := a.model.Sources(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tLABEL\tENABLED\tFORMAT\tSTATE\tURL")
				for _, s := range all {
					fmt.Fprintf(w, "%d\t%s\t%t\t%s\t%s\t%s\n", s.ID, s.Label, s.Enabled, s.Format, s.State, s.URL)
				}
				return w.Flush()
			})
		},
	}

	var format string
	var disabled bool
	add := &cobra.Command{
		Use:   "add LABEL URL",
		Short: "Add a source",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := sources.ParseFormat(format)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				id, err := a.model.AddSource(ctx, sources.HostsSource{
					Label:   args[0],
					URL:     args[1],
					Format:  f,
					Enabled: !disabled,
					State:   sources.StateOutdated,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added source %d\n", id)
				return nil
			})
		},
	}
	add.Flags().StringVarP(&format, "format", "f", "hosts", "list format: hosts, domains or adblock")
	add.Flags().BoolVar(&disabled, "disabled", false, "add the source disabled")

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a source and its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.model.RemoveSource(ctx, id)
			})
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle ID",
		Short: "Enable or disable a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				enabled, err := a.model.ToggleSource(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "source %d enabled: %t\n", id, enabled)
				return nil
			})
		},
	}

	enableAll := &cobra.Command{
		Use:   "enable-all",
		Short: "Enable every source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				changed, err := a.model.EnableAllSources(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "changed: %t\n", changed)
				return nil
			})
		},
	}

	cmd.AddCommand(list, add, remove, toggle, enableAll)
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid source id %q", raw)
	}
	return id, nil
}
