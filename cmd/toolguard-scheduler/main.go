// toolguard-scheduler is the schedule service used by authorizers in
// remote scheduler mode. It accepts poll tasks over HTTP, runs the CIBA
// poller for each one and posts resolutions to the host webhooks.
//
// Usage:
//
//	toolguard-scheduler [--config toolguard.yaml] [--env-file .env] [--listen :8090]
//
// Configuration is read from the YAML file, .env files and the
// environment (AUTH0_*, STORE_*, SCHEDULER_*, OBSERVE_*).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/jonwraymond/toolguard/ciba"
	"github.com/jonwraymond/toolguard/config"
	"github.com/jonwraymond/toolguard/health"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/provider"
	"github.com/jonwraymond/toolguard/scheduler"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "toolguard-scheduler: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("toolguard-scheduler", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML configuration file")
	envFiles := flags.StringSlice("env-file", []string{".env"}, "dotenv files loaded before the environment is read")
	listen := flags.String("listen", "", "listen address (overrides scheduler.listen)")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("toolguard-scheduler", Version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath, config.WithEnvFiles(*envFiles...))
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Scheduler.Listen = *listen
	}
	if cfg.Observe.Version == "" {
		cfg.Observe.Version = Version
	}

	obs, err := observe.NewObserver(ctx, cfg.Observe)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	logger := obs.Logger()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Scheduler.Listen,
		Handler:           svc.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "schedule service listening", observe.F("addr", srv.Addr))
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error(shutdownCtx, "http shutdown failed", observe.F("error", serr.Error()))
		_ = srv.Close()
	}
	if cerr := svc.Close(shutdownCtx); cerr != nil {
		logger.Error(shutdownCtx, "scheduler shutdown failed", observe.F("error", cerr.Error()))
	}
	return err
}

// service is the assembled schedule service.
type service struct {
	handler http.Handler
	sched   *scheduler.InProcess
	redis   *redis.Client
}

func newService(ctx context.Context, cfg config.Config, logger observe.Logger) (*service, error) {
	client, err := provider.NewClient(cfg.Provider)
	if err != nil {
		return nil, err
	}
	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	st, rdb, err := cfg.Store.OpenStore()
	if err != nil {
		return nil, err
	}

	schedOpts := []scheduler.InProcessOption{
		scheduler.WithLogger(logger),
		scheduler.WithRunTimeout(cfg.Scheduler.RunTimeout),
	}
	if rdb != nil {
		schedOpts = append(schedOpts, scheduler.WithTaskStore(scheduler.NewRedisTaskStore(rdb, cfg.Store.Prefix+"scheduler:")))
	}

	// The poller cancels its own tasks through the scheduler that runs it.
	var poller *ciba.Poller
	sched := scheduler.NewInProcess(scheduler.RunnerFunc(func(ctx context.Context, task scheduler.Task) error {
		return poller.Run(ctx, task)
	}), schedOpts...)

	poller, err = ciba.NewPoller(ciba.PollerConfig{
		Client:       client,
		Store:        st,
		Scheduler:    sched,
		Resumer:      ciba.NewWebhookResumer(nil, cfg.Scheduler.Headers()),
		Registry:     registry,
		Logger:       logger,
		ResumeWindow: cfg.CIBA.ResumeWindow,
	})
	if err != nil {
		return nil, err
	}

	n, err := sched.Restore(ctx)
	if err != nil {
		svc := &service{sched: sched, redis: rdb}
		return nil, errors.Join(fmt.Errorf("restore tasks: %w", err), svc.Close(ctx))
	}
	if n > 0 {
		logger.Info(ctx, "restored scheduled tasks", observe.F("count", n))
	}

	agg := health.NewAggregator()
	agg.Register(
		health.NewProviderChecker(client),
		health.NewSchedulerChecker(sched, cfg.Scheduler.MaxTasks),
	)
	if rdb != nil {
		agg.Register(health.NewPingChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	server := scheduler.NewServer(sched,
		scheduler.WithAPIKeys(cfg.Scheduler.APIKeys...),
		scheduler.WithAPIKeyHeader(cfg.Scheduler.APIKeyHeader),
		scheduler.WithServerLogger(logger),
	)
	if len(cfg.Scheduler.APIKeys) == 0 {
		logger.Warn(ctx, "schedule endpoints are not protected by an API key")
	}

	mountOps(server.Router(), agg, cfg.Observe)
	return &service{handler: server, sched: sched, redis: rdb}, nil
}

// mountOps adds the health and metrics endpoints to r.
func mountOps(r chi.Router, agg *health.Aggregator, oc observe.Config) {
	r.Get("/healthz", health.Liveness)
	r.Get("/readyz", health.Readiness(agg))
	r.Get("/readyz/{name}", health.Component(agg))
	if oc.Metrics.Enabled && oc.Metrics.Exporter == "prometheus" {
		r.Handle("/metrics", promhttp.Handler())
	}
}

// Close stops the scheduler and releases the redis client.
func (s *service) Close(ctx context.Context) error {
	err := s.sched.Close(ctx)
	if s.redis != nil {
		err = errors.Join(err, s.redis.Close())
	}
	return err
}
