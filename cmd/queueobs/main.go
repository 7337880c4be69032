package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queueobs/queueobs/modules/collector"
	"github.com/queueobs/queueobs/modules/config"
	"github.com/queueobs/queueobs/modules/pipeline"
	"github.com/queueobs/queueobs/modules/registry"
	"github.com/queueobs/queueobs/modules/relationship"
	"github.com/queueobs/queueobs/modules/streamer"
	"github.com/queueobs/queueobs/modules/transformer"
	"github.com/queueobs/queueobs/modules/verifier"
	"github.com/queueobs/queueobs/pkg/backend"
	"github.com/queueobs/queueobs/pkg/clock"
	"github.com/queueobs/queueobs/pkg/udm"
	"github.com/queueobs/queueobs/pkg/workerpool"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfg        config.Config
		configFile string
		verifyOnly bool
	)

	fs := flag.NewFlagSet("queueobs", flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", "path to a YAML config file")
	fs.BoolVar(&verifyOnly, "verify-only", false, "run one verification pass and exit with its verdict")
	cfg.RegisterFlagsAndApplyDefaults("", fs)

	// Parse twice so explicit flags win over the config file.
	_ = fs.Parse(os.Args[1:])
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config file:", err)
			return config.ExitConfigInvalid
		}
		_ = fs.Parse(os.Args[1:])
	}

	logger := config.NewLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		return config.ExitConfigInvalid
	}

	clk := clock.Real()
	client := backend.NewClient(cfg.Backend, logger)

	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
				level.Warn(logger).Log("msg", "metrics listener stopped", "err", err)
			}
		}()
	}

	vrf := verifier.New(cfg.Verifier, client, clk, logger)
	if verifyOnly {
		return runVerifyOnly(vrf, logger)
	}

	var source collector.Collector
	switch cfg.Collector.Mode {
	case collector.ModeInfrastructure:
		source = collector.NewQueryCollector(client, cfg.Collector.ClusterName, logger)
	case collector.ModeHybrid:
		source = collector.NewMulti(
			collector.NewQueryCollector(client, cfg.Collector.ClusterName, logger),
			collector.NewSimulator(cfg.Collector.Simulation, clk, logger),
		)
	default:
		source = collector.NewSimulator(cfg.Collector.Simulation, clk, logger)
	}

	rels := relationship.NewManager(logger)
	reg := registry.New(rels, logger)
	factory := registry.NewFactory(cfg.Backend.AccountID, cfg.Provider, reg)

	tr := transformer.NewWithNow(transformer.Config{
		AccountID:     cfg.Backend.AccountID,
		Provider:      cfg.Provider,
		SkewTolerance: cfg.SkewTolerance,
		Thresholds:    cfg.Thresholds(),
	}, logger, clk.Now)

	deadLetter := func(events []udm.Event, metrics []udm.Metric, err error) {
		level.Error(logger).Log("msg", "undeliverable batch discarded",
			"events", len(events), "metrics", len(metrics), "err", err)
	}
	str := streamer.New(cfg.Streamer, client, clk, deadLetter, logger)
	pool := workerpool.New(cfg.WorkerPool, logger)

	pipe := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Collector:   source,
		Transformer: tr,
		Registry:    reg,
		Factory:     factory,
		Streamer:    str,
		Verifier:    vrf,
		Pool:        pool,
		Clock:       clk,
	}, logger)

	ctx := context.Background()
	if err := services.StartAndAwaitRunning(ctx, pipe); err != nil {
		level.Error(logger).Log("msg", "pipeline failed to start", "err", err)
		return config.ExitCodeFor(err)
	}
	level.Info(logger).Log("msg", "pipeline running",
		"mode", cfg.Collector.Mode, "tick_interval", cfg.Pipeline.TickInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- pipe.AwaitTerminated(context.Background()) }()
	select {
	case s := <-sig:
		level.Info(logger).Log("msg", "shutting down", "signal", s)
	case err := <-done:
		if err != nil {
			level.Error(logger).Log("msg", "pipeline terminated", "err", err)
			return config.ExitRuntimeError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := services.StopAndAwaitTerminated(stopCtx, pipe); err != nil {
		level.Error(logger).Log("msg", "unclean shutdown", "err", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return config.ExitShutdownTimeout
		}
		return config.ExitRuntimeError
	}

	if report := pipe.LastReport(); report != nil {
		return report.ExitCode()
	}
	return config.ExitReady
}

func runVerifyOnly(vrf *verifier.Verifier, logger log.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := vrf.Run(ctx)
	if err != nil {
		level.Error(logger).Log("msg", "verification run failed", "err", err)
		return config.ExitCodeFor(err)
	}

	enc := jsoniter.ConfigCompatibleWithStandardLibrary
	buf, _ := enc.MarshalIndent(report, "", "  ")
	fmt.Println(string(buf))
	return report.ExitCode()
}
