// Command televore incrementally ingests Telegram groups and channels into a
// SQL warehouse.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bryan-buckman/televore/internal/config"
	"github.com/bryan-buckman/televore/internal/ingest"
	"github.com/bryan-buckman/televore/internal/logger"
	"github.com/bryan-buckman/televore/internal/model"
	"github.com/bryan-buckman/televore/internal/normalize"
	"github.com/bryan-buckman/televore/internal/opml"
	"github.com/bryan-buckman/televore/internal/scheduler"
	"github.com/bryan-buckman/televore/internal/server"
)

func main() {
	os.Exit(execute(&cli{flush: sentry.Flush}, os.Args[1:]))
}

// execute runs the command line and returns the process exit code. Teardown
// runs on every path so queued Sentry events are sent before exiting.
func execute(c *cli, args []string) int {
	defer c.teardown()
	root := newRootCmd(c)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

// cli carries state between the root command and its sub-commands.
type cli struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	app     *app
	flush   func(timeout time.Duration) bool
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "televore",
		Short:        "Incremental Telegram ingestion engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ./config.yaml)")

	root.AddCommand(c.serveCmd(), c.runCmd(), c.discoverCmd(), c.entitiesCmd())
	return root
}

func (c *cli) setup() error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			return fmt.Errorf("sentry.Init: %w", err)
		}
	}

	a, err := newApp(cfg, log)
	if err != nil {
		sentry.CaptureException(err)
		return err
	}
	c.cfg, c.logger, c.app = cfg, log, a
	return nil
}

func (c *cli) teardown() {
	if c.app != nil {
		c.app.Close()
	}
	if c.flush != nil {
		c.flush(2 * time.Second)
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger interface and run the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			state := c.app.runState()
			srv := server.New(server.Options{
				Runner:          c.app.runner(),
				Store:           c.app.store,
				State:           state,
				Gatherer:        c.app.registry,
				RunTimeout:      c.cfg.Ingest.RunTimeout,
				FeedURLTemplate: c.cfg.Source.FeedURLTemplate,
				Logger:          c.logger,
			})

			if c.cfg.Scheduler.Cron != "" {
				sched, err := scheduler.New(c.cfg.Scheduler.Cron, c.app.runner(), state, c.cfg.Ingest.RunTimeout, c.logger)
				if err != nil {
					return err
				}
				sched.Start()
				defer func() {
					if err := sched.Stop(); err != nil {
						c.logger.Warn("Scheduler shutdown failed", zap.Error(err))
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(c.cfg.Server.Addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			c.logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var fromDate, toDate string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion over all tracked and seeded entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := ingest.ParseWindow(fromDate, toDate)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if c.cfg.Ingest.RunTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.cfg.Ingest.RunTimeout)
				defer cancel()
			}

			state := c.app.runState()
			if err := state.TryStart(ctx); err != nil {
				return err
			}
			report, err := c.app.runner().RunConfigured(ctx, window)
			state.Finish(ctx, report, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			renderReport(cmd, report)
			return err
		},
	}
	cmd.Flags().StringVar(&fromDate, "from-date", "", "window start (YYYY-MM-DD or RFC 3339), default one lookback period ago")
	cmd.Flags().StringVar(&toDate, "to-date", "", "window end (YYYY-MM-DD or RFC 3339), default now")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Register and bootstrap entities referenced in stored messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.engine.Discovery().Run(cmd.Context())
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Entity", "Result"})
			for _, id := range res.Registered {
				t.AppendRow(table.Row{id, "registered"})
			}
			for _, id := range res.Ineligible {
				t.AppendRow(table.Row{id, "ineligible"})
			}
			t.AppendFooter(table.Row{"Inserted", res.Inserted})
			t.Render()
			return nil
		},
	}
}

func (c *cli) entitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List tracked entities and their watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			wms, err := c.app.store.ListWatermarks(cmd.Context())
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Entity", "Link", "Last fetch", "First time"})
			for _, wm := range wms {
				e := entityOf(wm)
				last := "-"
				if e.LastFetchTime != nil {
					last = e.LastFetchTime.Format(time.RFC3339)
				}
				t.AppendRow(table.Row{e.ID, e.Link, last, e.IsFirstTime})
			}
			t.AppendFooter(table.Row{"Total", len(wms), "", ""})
			t.Render()
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Register the Telegram entities listed in an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			ids, err := opml.Parse(f)
			if err != nil {
				return err
			}
			imported := 0
			for _, id := range ids {
				created, err := c.app.store.RegisterEntity(cmd.Context(), id)
				if err != nil {
					return err
				}
				if created {
					imported++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d entities\n", imported, len(ids))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Write tracked entities as OPML to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			wms, err := c.app.store.ListWatermarks(cmd.Context())
			if err != nil {
				return err
			}
			data, err := opml.Export("televore entities", wms, c.cfg.Source.FeedURLTemplate, time.Now())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func entityOf(wm model.Watermark) model.Entity {
	return model.Entity{
		ID:            wm.GroupID,
		Link:          normalize.CanonicalPrefix + normalize.Username(wm.GroupID),
		LastFetchTime: wm.LastFetchTime,
		IsFirstTime:   wm.IsFirstTime,
	}
}

func renderReport(cmd *cobra.Command, report ingest.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.SetTitle("Run " + report.RunID)
	t.AppendHeader(table.Row{"Entity", "State", "Fetched", "Inserted", "Watermark", "Error"})
	for _, o := range report.Outcomes {
		wm := ""
		if o.Watermark != nil {
			wm = o.Watermark.Format(time.RFC3339)
		}
		t.AppendRow(table.Row{o.EntityID, o.State.String(), o.Fetched, o.Inserted, wm, o.Error})
	}
	for _, id := range report.Discovery.Registered {
		t.AppendRow(table.Row{id, "DISCOVERED", "", "", "", ""})
	}
	t.AppendFooter(table.Row{"Total", "", "", report.Inserted, "", report.DiscoveryError})
	t.Render()
}
