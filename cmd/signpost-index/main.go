package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"signpost-index/engine"
	"signpost-index/httpapi"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "signpost-index",
		Short:         "Evidence-gated AGI signpost index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(root)

	// open resolves settings and opens the app for a one-shot command.
	open := func(cmd *cobra.Command) (*app, context.Context, context.CancelFunc, error) {
		s, err := resolveSettings(cmd, flags)
		if err != nil {
			return nil, nil, nil, err
		}
		ctx, cancel := withTimeout(cmd.Context(), flags.timeout)
		a, err := openApp(ctx, s, nil)
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		return a, ctx, cancel, nil
	}

	root.AddCommand(
		newServeCmd(flags),
		newComputeCmd(open),
		newRecomputeCmd(open),
		newAutoApproveCmd(open),
		newRetractCmd(open),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

type openFunc func(cmd *cobra.Command) (*app, context.Context, context.CancelFunc, error)

func (f *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file path.")
	pf.StringVar(&f.db, "db", defaultDB, "SQLite database path (overrides config db).")
	pf.BoolVar(&f.debug, "debug", false, "Enable debug logs.")
	pf.StringVar(&f.logLevel, "log-level", defaultLogLevel, "Log level: debug, info, warn, error.")
	pf.DurationVar(&f.timeout, "timeout", 0, "Overall timeout for one-shot commands (e.g. 30s, 2m).")
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and drain the recompute queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSettings(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, s, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := engine.NewRunner(a.eng, a.runnerConfig())
			if err != nil {
				return err
			}
			if len(s.file.Actors.Tokens) == 0 {
				a.log.Warn("no actors configured; every mutating request will be rejected")
			}
			srv := httpapi.NewServer(a.eng, httpapi.Config{
				Actors: httpapi.TokenActors(s.file.Actors.Tokens),
				Logger: a.log,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return runner.Run(gctx) })
			g.Go(func() error { return srv.ListenAndServe(gctx, s.HTTPAddr) })
			err = g.Wait()
			a.log.Info("shut down", "error", err)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.httpAddr, "http-addr", defaultHTTPAddr, "HTTP listen address (overrides config http_addr).")
	return cmd
}

func newComputeCmd(open openFunc) *cobra.Command {
	var preset, date string
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute and store the index snapshot for one preset and date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, cancel, err := open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			asOf, err := engine.ParseAsOfDate(date, time.Now().UTC())
			if err != nil {
				return err
			}
			snap, err := a.eng.ComputeAndStore(ctx, preset, asOf)
			if err != nil {
				return err
			}
			view, err := snap.View()
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "equal", "Preset name.")
	cmd.Flags().StringVar(&date, "date", "", "As-of date (YYYY-MM-DD). Defaults to today (UTC).")
	return cmd
}

func newRecomputeCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Drain pending recompute requests once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, cancel, err := open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			runner, err := engine.NewRunner(a.eng, a.runnerConfig())
			if err != nil {
				return err
			}
			stats, err := runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, stats); err != nil {
				return err
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%d recompute request(s) failed", stats.Failed)
			}
			return nil
		},
	}
}

func newAutoApproveCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "auto-approve",
		Short: "Approve pending high-confidence A/B-tier links once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, ctx, cancel, err := open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			res, err := a.eng.AutoApprove(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newRetractCmd(open openFunc) *cobra.Command {
	var in engine.RetractionInput
	cmd := &cobra.Command{
		Use:   "retract <event-id>",
		Short: "Retract an event and queue recomputation of affected snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 0)
			if err != nil || id == 0 {
				return fmt.Errorf("event id %q: must be a positive integer", args[0])
			}
			a, ctx, cancel, err := open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			res, err := a.eng.RetractEvent(ctx, uint(id), in)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&in.Actor, "actor", "", "Actor recorded on the retraction.")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "Why the event is retracted.")
	cmd.Flags().StringVar(&in.EvidenceURL, "evidence-url", "", "Link to the correction or withdrawal notice.")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
