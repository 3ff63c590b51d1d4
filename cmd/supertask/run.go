package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"supertask/internal/api"
	"supertask/internal/errors"
	"supertask/internal/executor"
	"supertask/internal/lease"
	"supertask/internal/logger"
	"supertask/internal/ratelimit"
	"supertask/internal/scheduler"
	"supertask/internal/seed"
	"supertask/internal/store"
	"supertask/internal/telemetry"
)

const redisPrefix = "supertask:"

var runCmd = &cobra.Command{
	Use:   "run [timetable]",
	Short: "Reconcile a timetable, keep watching it and run due jobs",
	Long: `Reconcile the timetable into the store, then schedule every enabled job of the
store until interrupted. Local timetables are watched for changes; remote ones
are re-fetched every --seed-resync-interval. Without a timetable only the jobs
already in the store are run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireStore(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log := logger.Named("run")

		st, err := store.Open(ctx, cfg.Store())
		if err != nil {
			return err
		}
		defer st.Close()

		svc := newService(st)
		runner := executor.NewRunner(
			executor.WithLogger(logger.Named("executor")),
			executor.WithHTTPTimeout(cfg.ExecutionTimeout),
		)

		var limiter ratelimit.Limiter = ratelimit.NewLocal(cfg.APIRateLimit, cfg.APIRateBurst)
		schedOpts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
		if cfg.LeaseAddress != "" {
			opts, err := redis.ParseURL(cfg.LeaseAddress)
			if err != nil {
				return errors.Wrap(err, "parse lease address")
			}
			client := redis.NewClient(opts)
			defer client.Close()
			schedOpts = append(schedOpts, scheduler.WithGuard(lease.NewRedis(client, redisPrefix, cfg.LeaseTTL, logger.Named("lease"))))
			limiter = ratelimit.NewTokenBucket(client, redisPrefix, cfg.APIRateBurst, cfg.APIRateLimit, time.Hour)
		}
		sched := scheduler.New(scheduler.Config{
			PollInterval:     cfg.PollInterval,
			ClaimLimit:       cfg.ClaimLimit,
			MaxWorkers:       cfg.MaxWorkers,
			ExecutionTimeout: cfg.ExecutionTimeout,
			MisfireGrace:     cfg.MisfireGrace,
			ShutdownGrace:    cfg.ShutdownGrace,
			BackoffInitial:   cfg.BackoffInitial,
			BackoffMax:       cfg.BackoffMax,
		}, svc, runner, schedOpts...)

		ctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()

		if len(args) == 1 {
			rec := newReconciler(svc, seed.WithNotify(sched.Wake))
			if err := initialSeed(ctx, rec, args[0]); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := rec.Watch(ctx, args[0], seed.WatchOptions{
					Debounce: cfg.SeedDebounce,
					Resync:   cfg.SeedResyncInterval,
				}); err != nil && ctx.Err() == nil {
					log.Errorw("timetable watch stopped", "error", err)
				}
			}()
		}

		if cfg.HTTPListenAddress != "" {
			srv := api.New(svc,
				api.WithLimiter(limiter),
				api.WithWake(sched.Wake),
				api.WithLogger(logger.Named("api")))
			if err := serve(ctx, &wg, cfg.HTTPListenAddress, srv.Router()); err != nil {
				return err
			}
			log.Infow("api listening", "address", cfg.HTTPListenAddress)
		}
		if cfg.MetricsAddress != "" {
			if err := serve(ctx, &wg, cfg.MetricsAddress, telemetry.Handler()); err != nil {
				return err
			}
			log.Infow("metrics listening", "address", cfg.MetricsAddress)
		}

		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.Warnw("systemd notify failed", "error", err)
		} else if ok {
			log.Debugw("notified systemd")
		}

		err = sched.Run(ctx)
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// serve listens on address and shuts the server down when ctx ends.
func serve(ctx context.Context, wg *sync.WaitGroup, address string, handler http.Handler) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", address)
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Named("http").Errorw("server stopped", "address", address, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	return nil
}
