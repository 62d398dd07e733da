package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stokercache/stoker/internal/config"
	"github.com/stokercache/stoker/internal/fetch"
	"github.com/stokercache/stoker/internal/health"
	"github.com/stokercache/stoker/internal/httpclient"
	"github.com/stokercache/stoker/internal/logger"
	"github.com/stokercache/stoker/internal/metrics"
	"github.com/stokercache/stoker/internal/observability"
	"github.com/stokercache/stoker/internal/server"
	"github.com/stokercache/stoker/internal/store/memstore"
	"github.com/stokercache/stoker/internal/store/redisstore"
	"github.com/stokercache/stoker/internal/store/tiered"
	"github.com/stokercache/stoker/internal/tracker/accessring"
	"github.com/stokercache/stoker/internal/tracker/metricswrap"
	"github.com/stokercache/stoker/internal/warmevents"
	"github.com/stokercache/stoker/internal/warming"
	invkafka "github.com/stokercache/stoker/pkg/invalidation/kafka"
	"github.com/stokercache/stoker/pkg/priority/blend"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Component: "stokerd",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	appLog.Info("starting stokerd",
		"addr", cfg.Addr,
		"version", Version,
		"redis", cfg.RedisAddr,
		"manifest", cfg.ManifestPath)

	var (
		metricsHandler http.Handler
		registerer     prometheus.Registerer
	)
	if cfg.MetricsEnabled {
		p := metrics.Init(metrics.BuildInfo{
			Version:   os.Getenv("BUILD_VERSION"),
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		})
		observability.Init(p.Registerer(), true)
		metricsHandler = p.Handler()
		registerer = p.Registerer()
	} else {
		observability.Init(nil, false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := health.NewCollector()

	l1, err := memstore.New(cfg.L1MaxEntries, memstore.WithOnEvict(func(string) {
		collector.RecordEviction(health.TierL1, 1)
	}))
	if err != nil {
		appLog.Error("l1 store setup failed", "err", err)
		return 1
	}
	layers := []tiered.Layer{{Tier: health.TierL1, Store: l1}}

	// The daemon serves from L1 alone when redis is down rather than refusing
	// to start; the health collector surfaces the degradation.
	if cfg.RedisAddr != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rcli, rerr := redisstore.New(connectCtx, cfg.RedisAddr)
		cancel()
		if rerr != nil {
			appLog.Warn("redis unavailable, running l1 only", "addr", cfg.RedisAddr, "err", rerr)
		} else {
			layers = append(layers, tiered.Layer{Tier: health.TierL2, Store: rcli})
			defer func() { _ = rcli.Close() }()
		}
	}

	ring := accessring.New(cfg.HotPredictThreshold, cfg.HotPredictWindow)
	trk := metricswrap.New(ring)

	cache, err := tiered.New(layers,
		tiered.WithRecorder(collector),
		tiered.WithTracker(trk),
		tiered.WithLogger(appLog))
	if err != nil {
		appLog.Error("tiered store setup failed", "err", err)
		return 1
	}

	registry := warming.NewRegistry(trk)

	if cfg.ManifestPath != "" {
		m, merr := warming.LoadManifest(cfg.ManifestPath)
		if merr != nil {
			appLog.Error("manifest load failed", "path", cfg.ManifestPath, "err", merr)
			return 1
		}
		builder, berr := fetch.NewBuilder(appLog, httpclient.NewOutbound(), cfg.UpstreamBaseURL)
		if berr != nil {
			appLog.Error("upstream setup failed", "url", cfg.UpstreamBaseURL, "err", berr)
			return 1
		}
		n, rerr := warming.RegisterManifest(registry, m, builder.Build, cfg.TTLOverrides)
		if rerr != nil {
			appLog.Error("manifest register failed", "err", rerr)
			return 1
		}
		appLog.Info("manifest tasks registered", "count", n, "path", cfg.ManifestPath)
	} else {
		appLog.Warn("no manifest configured, registry starts empty")
	}

	loc, err := time.LoadLocation(cfg.SessionTZ)
	if err != nil {
		appLog.Warn("bad session timezone, using UTC", "tz", cfg.SessionTZ, "err", err)
		loc = time.UTC
	}

	var events warming.EventSink
	if evCfg := warmevents.FromEnv(); evCfg.Enabled {
		pub, perr := warmevents.NewPublisher(evCfg, appLog)
		if perr != nil {
			appLog.Error("warm events publisher setup failed", "err", perr)
			return 1
		}
		defer func() { _ = pub.Close() }()
		events = pub
		appLog.Info("warm cycle events enabled", "topic", evCfg.Topic)
	}

	var scorer warming.Scorer
	if cfg.PriorityBlend {
		scorer = blend.New(blend.Config{}, ring)
		appLog.Info("priority blend scoring enabled")
	}

	sched, err := warming.NewScheduler(warming.SchedulerConfig{
		Registry:     registry,
		Store:        cache,
		Resolver:     warming.NewResolver(loc),
		FetchTimeout: cfg.FetchTimeout,
		WriteTimeout: cfg.StoreOpTimeout,
		Logger:       appLog,
		Hot:          trk,
		Scorer:       scorer,
		Events:       events,
	})
	if err != nil {
		appLog.Error("scheduler setup failed", "err", err)
		return 1
	}
	if err := sched.Start(); err != nil {
		appLog.Error("scheduler start failed", "err", err)
		return 1
	}
	defer sched.Stop()

	analyzer, err := health.NewAnalyzer(health.AnalyzerConfig{
		Collector: collector,
		Interval:  cfg.AnalyzeInterval,
		Logger:    appLog,
	})
	if err != nil {
		appLog.Error("health analyzer setup failed", "err", err)
		return 1
	}
	if err := analyzer.Start(ctx); err != nil {
		appLog.Error("health analyzer start failed", "err", err)
		return 1
	}
	defer analyzer.Stop()

	var ready server.ReadinessReporter
	if invCfg := invkafka.FromEnv(); invCfg.Enabled && invCfg.Driver == invkafka.DriverKafka {
		runner := invkafka.New(invCfg, cache, registry, invkafka.Options{
			Logger:    appLog,
			Register:  registerer,
			Tracker:   trk,
			Scheduler: sched,
		})
		if err := runner.Start(ctx); err != nil {
			appLog.Error("invalidation runner start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		ready = runner
	}

	if err := server.Run(ctx, cfg, appLog, server.Deps{
		Engine:  sched,
		Health:  analyzer,
		Metrics: metricsHandler,
		Ready:   ready,
	}); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("stokerd stopped")
	return 0
}
