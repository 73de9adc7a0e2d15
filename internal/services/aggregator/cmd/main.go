package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/pasture_project/internal/services/aggregator"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
	"github.com/LeonardoBeccarini/pasture_project/pkg/dedup"
	"github.com/LeonardoBeccarini/pasture_project/pkg/health"
	"github.com/LeonardoBeccarini/pasture_project/pkg/logger"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

func defaults() aggregator.Config {
	return aggregator.Config{
		Service:   "pasture-aggregator",
		Policy:    aggregator.LatestValuePolicyName,
		Republish: true,
		MQTT:      rabbitmq.RabbitMQConfig{Host: "localhost", Port: 1883, User: "guest", Password: "guest"},
		HTTPAddr:  ":8080",
		GRPCAddr:  ":9090",
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	var err error
	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "replay":
		err = replayCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pasture-aggregator %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`usage: pasture-aggregator <command> [flags]

commands:
  run       consume sensor/data/# and maintain rolling aggregates
  replay    feed a JSONL file of samples through the same pipeline
  validate  load the configuration and policy, then exit`)
}

func load(path string) (*aggregator.Config, *slog.Logger, error) {
	cfg, err := aggregator.LoadConfig(path, defaults())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Service, logger.ParseLevel(cfg.Log.Level), cfg.Log.Pretty)
	slog.SetDefault(log)
	return cfg, log, nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML configuration (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, log, err := load(*cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checker := health.New(2 * time.Second)

	mqttClient, err := rabbitmq.NewRabbitMQConn(ctx, &cfg.MQTT, log)
	if err != nil {
		return err
	}
	defer rabbitmq.CloseRabbitMQConn(mqttClient)
	checker.Add("mqtt", func(context.Context) error {
		if !mqttClient.IsConnectionOpen() {
			return errors.New("not connected")
		}
		return nil
	})

	out, closeSinks, err := buildSinks(ctx, cfg, log, mqttClient, checker)
	if err != nil {
		return err
	}
	defer closeSinks()

	pipeline, err := newPipeline(cfg, out, aggregator.NewMetrics(reg), log)
	if err != nil {
		return err
	}
	consumer := rabbitmq.NewConsumer(mqttClient, cfg.Topics, nil, log)
	svc := aggregator.NewDataAggregatorService(consumer, pipeline, dedup.New(cfg.Dedup.TTL, cfg.Dedup.MaxKeys), log)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", checker.Handler())
	mux.Handle("GET /readyz", checker.ReadyHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	gs, err := serveGRPCHealth(ctx, cfg.GRPCAddr, checker, log)
	if err != nil {
		return err
	}

	runErr := svc.Start(ctx)

	log.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hs.Shutdown(shCtx)
	if gs != nil {
		gs.GracefulStop()
	}
	return runErr
}

func replayCommand(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML configuration (optional)")
	in := fs.String("in", "-", "JSONL file of samples, - for stdin")
	dryRun := fs.Bool("dry-run", false, "log writes instead of sending them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, log, err := load(*cfgPath)
	if err != nil {
		return err
	}
	if *dryRun {
		cfg.DryRun = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// no broker connection in replay: republishing is skipped
	cfg.Republish = false
	out, closeSinks, err := buildSinks(ctx, cfg, log, nil, health.New(0))
	if err != nil {
		return err
	}
	defer closeSinks()

	pipeline, err := newPipeline(cfg, out, aggregator.NewMetrics(prometheus.NewRegistry()), log)
	if err != nil {
		return err
	}
	stats, err := pipeline.ReplayFile(ctx, *in)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(stats)
	return err
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML configuration (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := aggregator.LoadConfig(*cfgPath, defaults())
	if err != nil {
		return err
	}
	policy, err := cfg.LoadPolicy()
	if err != nil {
		return err
	}
	fmt.Printf("config ok: policy=%s window_size=%d max_keys=%d redis=%t dry_run=%t\n",
		policy.Name(), cfg.WindowSize, cfg.MaxKeys, cfg.Redis.Configured(), cfg.DryRun)
	for _, metric := range policy.Metrics() {
		th, _ := policy.Threshold(metric)
		fmt.Printf("  rule %s: %s threshold=%g\n", metric, policy.Quantity(metric), th)
	}
	return nil
}

func newPipeline(cfg *aggregator.Config, out sink.MetricSink, m *aggregator.Metrics, log *slog.Logger) (*aggregator.Pipeline, error) {
	policy, err := cfg.LoadPolicy()
	if err != nil {
		return nil, err
	}
	agg, err := aggregator.New(policy, cfg.Options())
	if err != nil {
		return nil, err
	}
	return aggregator.NewPipeline(agg, out, m, log), nil
}

// buildSinks returns the latest-value job's sinks: the Redis hash and alert stream,
// plus the MQTT republish when a client is given. Dry run swaps both for a log sink.
func buildSinks(ctx context.Context, cfg *aggregator.Config, log *slog.Logger, client mqtt.Client, checker *health.Checker) (sink.MetricSink, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	if cfg.DryRun {
		return sink.NewLogSink("dry-run", log), closeAll, nil
	}

	var sinks []sink.MetricSink
	if cfg.Redis.Configured() {
		rc, err := sink.NewRedisClient(ctx, cfg.Redis.URL, log)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() { _ = rc.Close() })
		checker.Add("redis", func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		rs := sink.NewRedisSink(rc, sink.RedisOptions{Stream: cfg.Redis.Stream, MaxLen: cfg.Redis.StreamMaxLen})
		sinks = append(sinks, sink.NewGuarded(rs, guard(cfg, log)))
	}
	if cfg.Republish && client != nil {
		sinks = append(sinks, sink.NewGuarded(sink.NewMQTTSink(rabbitmq.Factory(client)), guard(cfg, log)))
	}
	if len(sinks) == 0 {
		log.Warn("no backend configured, writes are only logged")
		sinks = append(sinks, sink.NewLogSink("log", log))
	}
	return sink.NewFanout(sinks...), closeAll, nil
}

func guard(cfg *aggregator.Config, log *slog.Logger) sink.GuardOptions {
	opts := cfg.Guard.Options()
	opts.OnStateChange = sink.LogStateChanges(log)
	return opts
}

func serveGRPCHealth(ctx context.Context, addr string, checker *health.Checker, log *slog.Logger) (*grpc.Server, error) {
	if addr == "" {
		return nil, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go checker.Sync(ctx, hs, "", 5*time.Second)
	go func() {
		log.Info("grpc health listening", "addr", addr)
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc server error", "error", err)
		}
	}()
	return gs, nil
}
