package main

import (
	"context"
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

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/pasture_project/internal/model/messages"
	"github.com/LeonardoBeccarini/pasture_project/internal/services/aggregator"
	"github.com/LeonardoBeccarini/pasture_project/internal/services/event"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
	"github.com/LeonardoBeccarini/pasture_project/internal/ws"
	"github.com/LeonardoBeccarini/pasture_project/pkg/dedup"
	"github.com/LeonardoBeccarini/pasture_project/pkg/health"
	"github.com/LeonardoBeccarini/pasture_project/pkg/logger"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

func defaults() aggregator.Config {
	return aggregator.Config{
		Service:     "pasture-events",
		Policy:      aggregator.GraphEventPolicyName,
		AlertTopics: []string{sink.TopicEventAlert + "/#"},
		MQTT:        rabbitmq.RabbitMQConfig{Host: "localhost", Port: 1883, User: "guest", Password: "guest"},
		Influx:      aggregator.InfluxConfig{URL: "http://localhost:8086", Org: "pasture", Bucket: "events"},
		HTTPAddr:    ":8081",
		GRPCAddr:    ":9091",
	}
}

func main() {
	fs := flag.NewFlagSet("pasture-events", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML configuration (optional)")
	_ = fs.Parse(os.Args[1:])

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "pasture-events: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := aggregator.LoadConfig(cfgPath, defaults())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Service, logger.ParseLevel(cfg.Log.Level), cfg.Log.Pretty)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checker := health.New(2 * time.Second)
	hub := ws.NewHub()
	defer hub.Close()

	// === MQTT ===
	mqttClient, err := rabbitmq.NewRabbitMQConn(ctx, &cfg.MQTT, log)
	if err != nil {
		return err
	}
	defer rabbitmq.CloseRabbitMQConn(mqttClient)
	checker.Add("mqtt", event.MQTTProbe(mqttClient))

	// === Sinks ===
	stream := sink.NewHubSink(hub)
	graphed := []sink.MetricSink{stream}
	recorded := []sink.MetricSink{stream}
	var alerts event.AlertReader = noAlerts{}
	var graph event.GraphQueries

	if cfg.DryRun {
		dry := sink.NewLogSink("dry-run", log)
		graphed = append(graphed, dry)
		recorded = append(recorded, dry)
	} else {
		if cfg.Influx.Configured() {
			opts := influxdb2.DefaultOptions().SetBatchSize(10).SetFlushInterval(200)
			influx := influxdb2.NewClientWithOptions(cfg.Influx.URL, cfg.Influx.Token, opts)
			defer influx.Close()
			writer := event.NewWriter(influx.WriteAPI(cfg.Influx.Org, cfg.Influx.Bucket), log)
			defer writer.Flush()
			checker.Add("influx", event.InfluxProbe(influx))
			checker.Add("influx_writes", event.WriterProbe(writer, 2*time.Second))

			is := sink.NewGuarded(sink.NewInfluxSink(writer, cfg.Service), guard(cfg, log))
			graphed = append(graphed, is)
			recorded = append(recorded, is)
			alerts = event.InfluxAlerts{Query: influx.QueryAPI(cfg.Influx.Org), Bucket: cfg.Influx.Bucket}
		}
		if cfg.Neo4j.Configured() {
			driver, err := sink.NewNeo4jDriver(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password)
			if err != nil {
				return err
			}
			defer driver.Close(context.Background())
			checker.Add("neo4j", func(ctx context.Context) error { return driver.VerifyConnectivity(ctx) })
			runner := sink.Neo4jRunner{Driver: driver, Database: cfg.Neo4j.Database}
			graphed = append(graphed, sink.NewGuarded(sink.NewGraphSink(runner), guard(cfg, log)))
			graph = sink.NewGraphReader(runner)
		}
	}

	// graph-event job: raw samples through the graph_event policy
	policy, err := cfg.LoadPolicy()
	if err != nil {
		return err
	}
	agg, err := aggregator.New(policy, cfg.Options())
	if err != nil {
		return err
	}
	pipeline := aggregator.NewPipeline(agg, sink.NewFanout(graphed...), aggregator.NewMetrics(reg), log)
	svc := aggregator.NewDataAggregatorService(
		rabbitmq.NewConsumer(mqttClient, cfg.Topics, nil, log),
		pipeline, dedup.New(cfg.Dedup.TTL, cfg.Dedup.MaxKeys), log)

	// alerts raised by other services are recorded and streamed too
	alertConsumer := rabbitmq.NewConsumer(mqttClient, cfg.AlertTopics,
		event.NewAlertHandler(ctx, sink.NewFanout(recorded...)).Handle, log)
	go func() {
		if err := alertConsumer.ConsumeMessage(ctx); err != nil {
			log.Error("alert consumer stopped", "error", err)
			stop()
		}
	}()

	// === HTTP ===
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", checker.Handler())
	mux.Handle("GET /readyz", checker.ReadyHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /events/alerts/latest", event.NewAlertsLatestHandler(alerts, log))
	mux.Handle("GET /events/alerts/stream", ws.Handler(hub, log))
	event.RegisterGraphRoutes(mux, graph, log)

	hs := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	var gs *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		gs = grpc.NewServer()
		hsrv := grpchealth.NewServer()
		healthpb.RegisterHealthServer(gs, hsrv)
		go checker.Sync(ctx, hsrv, "", 5*time.Second)
		go func() { _ = gs.Serve(lis) }()
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

func guard(cfg *aggregator.Config, log *slog.Logger) sink.GuardOptions {
	opts := cfg.Guard.Options()
	opts.OnStateChange = sink.LogStateChanges(log)
	return opts
}

// noAlerts answers the alerts endpoint when no store is configured.
type noAlerts struct{}

func (noAlerts) LatestAlerts(context.Context, event.AlertQuery) ([]messages.AlertEvent, error) {
	return nil, errors.New("no alert store configured")
}
