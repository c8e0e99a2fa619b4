package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"webcal/internal/aggregator"
	"webcal/internal/caldav"
	"webcal/internal/config"
	"webcal/internal/ics"
	"webcal/internal/locator"
	appLog "webcal/internal/log"
	"webcal/internal/model"
	"webcal/internal/registry"
	"webcal/internal/scheduler"
	"webcal/internal/web"
	"webcal/internal/writer"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("webcal starting", "version", version)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	loc, err := conf.Location()
	if err != nil {
		appLog.Warn("unknown timezone; using local time", "timezone", conf.Timezone, "err", err)
	}
	if err := scheduler.Validate(conf.RefreshCron); err != nil {
		appLog.Error("invalid config", err)
		os.Exit(1)
	}

	store := registry.FileStore{Path: conf.SourcesPath}
	sources, err := store.Load()
	if err != nil {
		appLog.Error("failed to load sources", err, "path", conf.SourcesPath)
		os.Exit(1)
	}
	reg, err := registry.New(sources...)
	if err != nil {
		appLog.Error("invalid source list", err, "path", conf.SourcesPath)
		os.Exit(1)
	}
	reg.OnChange(store.Observer())

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"proxy", conf.ProxyURL != "",
		"sources", len(sources),
		"window_days", conf.Window.Days,
		"window_backfill", conf.Window.Backfill,
		"once", flags.once,
	)

	resolver := locator.NewResolver(locator.NewProxy(conf.ProxyURL))
	dav := caldav.NewClient(nil, conf.FetchTimeout())
	agg := aggregator.New(reg, dav, ics.NewExpander(loc, conf.MaxOccurrencesPerEvent), resolver, aggregator.Options{
		Concurrency: conf.FetchConcurrency,
		Timeout:     conf.FetchTimeout(),
	})
	reg.OnChange(agg.Prune)

	initial := func(now time.Time) model.Window { return conf.InitialWindow(now.In(loc)) }
	sched := scheduler.New(conf.RefreshCron, loc, agg, initial, 0)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if flags.once {
		err := sched.RunOnce(ctx)
		st := agg.State()
		appLog.Info("fetch finished",
			"occurrences", len(agg.Occurrences()),
			"error", st.Error,
			"failed_sources", len(st.Errors),
		)
		if err != nil {
			appLog.Error("fetch failed", err)
			os.Exit(1)
		}
		return
	}

	srv := web.NewServer(web.Deps{
		Config:     conf,
		Location:   loc,
		Registry:   reg,
		Aggregator: agg,
		Writer:     writer.New(reg, dav, resolver, agg),
		Feeds:      ics.NewFeedFetcher(conf.CacheDir, conf.FetchTimeout()),
		Resolver:   resolver,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.RunOnce(gctx); err != nil && !errors.Is(err, aggregator.ErrSuperseded) {
			appLog.Warn("initial fetch failed", "err", err)
		}
		return sched.Start(gctx)
	})
	g.Go(func() error {
		return srv.Serve(gctx, conf.Listen)
	})

	if err := g.Wait(); err != nil {
		appLog.Error("webcal stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("webcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/webcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch the initial window once, log the result and exit")

	flag.Parse()

	return cfg
}
