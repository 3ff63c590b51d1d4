package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"supertask/internal/errors"
	"supertask/internal/jobs"
	"supertask/internal/logger"
	"supertask/internal/seed"
	"supertask/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed <timetable>",
	Short: "Reconcile a timetable into the store once and print what changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireStore(); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.Store())
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := seedOnce(ctx, newReconciler(newService(st)), args[0])
		if err != nil {
			return err
		}
		printReport(cmd, report)
		if len(report.Invalid) > 0 {
			return errors.Newf("%d invalid task(s) in %s", len(report.Invalid), args[0])
		}
		return nil
	},
}

func newService(st store.Store) *jobs.Service {
	return jobs.NewService(st,
		jobs.WithLocation(cfg.Timezone),
		jobs.WithHorizon(cfg.HorizonYears),
		jobs.WithLogger(logger.Named("jobs")))
}

func newReconciler(svc *jobs.Service, opts ...seed.Option) *seed.Reconciler {
	opts = append([]seed.Option{
		seed.WithNamespace(cfg.Namespace),
		seed.WithLogger(logger.Named("seed")),
	}, opts...)
	return seed.NewReconciler(svc, opts...)
}

// seedOnce loads location, clears its namespace when --pre-delete-jobs is
// set, and reconciles.
func seedOnce(ctx context.Context, rec *seed.Reconciler, location string) (*seed.Report, error) {
	s, err := rec.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	if cfg.PreDeleteJobs {
		if _, err := rec.PreDelete(ctx, s.Namespace); err != nil {
			return nil, err
		}
	}
	return rec.Reconcile(ctx, s)
}

// initialSeed runs the startup reconcile of a long-running process. An
// unreachable source is not fatal: the store keeps the jobs of the last
// successful reconcile and the watch retries on its next resync.
func initialSeed(ctx context.Context, rec *seed.Reconciler, location string) error {
	_, err := seedOnce(ctx, rec, location)
	if errors.Is(err, errors.ErrSeedSourceUnreachable) {
		logger.Named("seed").Warnw("timetable unreachable; running jobs already in the store",
			"source", location, "error", err)
		return nil
	}
	return err
}

func printReport(cmd *cobra.Command, r *seed.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "namespace %s from %s\n", r.Namespace, r.Source)
	for _, line := range []struct {
		label string
		ids   []string
	}{
		{"added", r.Added},
		{"updated", r.Updated},
		{"deleted", r.Deleted},
		{"unchanged", r.Unchanged},
	} {
		if len(line.ids) > 0 {
			fmt.Fprintf(out, "  %-9s %s\n", line.label, strings.Join(line.ids, ", "))
		}
	}
	for _, e := range r.Invalid {
		fmt.Fprintf(out, "  invalid   %v\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(out, "  warning   %v\n", w)
	}
}
