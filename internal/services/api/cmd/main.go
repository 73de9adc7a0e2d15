package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/LeonardoBeccarini/pasture_project/internal/services/api"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
	"github.com/LeonardoBeccarini/pasture_project/pkg/logger"
	"github.com/LeonardoBeccarini/pasture_project/pkg/rabbitmq"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCommand(os.Args[2:])
	case "migrate":
		err = migrateCommand(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pasture-api: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pasture-api <command> [flags]

commands:
  serve     run the HTTP API
  migrate   apply (or with -down roll back) the field store schema`)
}

func load(args []string, name string) (*api.Config, *bool, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML configuration (optional)")
	down := fs.Bool("down", false, "roll back the latest migration (migrate only)")
	_ = fs.Parse(args)
	cfg, err := api.LoadConfig(*cfgPath)
	return cfg, down, err
}

func migrateCommand(args []string) error {
	cfg, down, err := load(args, "migrate")
	if err != nil {
		return err
	}
	log := logger.New(cfg.Service, logger.ParseLevel(cfg.Log.Level), cfg.Log.Pretty)
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := api.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	m := api.NewMigrator(db, log)
	if *down {
		return m.Down(ctx)
	}
	return m.Up(ctx)
}

func serveCommand(args []string) error {
	cfg, _, err := load(args, "serve")
	if err != nil {
		return err
	}
	log := logger.New(cfg.Service, logger.ParseLevel(cfg.Log.Level), cfg.Log.Pretty)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := api.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SampleFields:   cfg.SampleFields,
		Logger:         log,
	}

	// === Field store (Postgres) ===
	if cfg.DatabaseURL != "" {
		db, err := api.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func(db *sql.DB) { _ = db.Close() }(db)
		if cfg.AutoMigrate {
			if err := api.NewMigrator(db, log).Up(ctx); err != nil {
				return err
			}
		}
		opts.Fields = api.NewPostgresFieldStore(db)
	} else {
		log.Warn("DATABASE_URL not set, serving generated fields")
	}

	// === Timeseries (InfluxDB) ===
	if cfg.Influx.URL != "" {
		client := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer client.Close()
		opts.Series = api.InfluxTimeseries{
			Write:    client.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket),
			Query:    client.QueryAPI(cfg.Influx.Org),
			Bucket:   cfg.Influx.Bucket,
			Lookback: cfg.Influx.Lookback,
		}
	} else {
		log.Warn("INFLUX_URL not set, serving generated timeseries")
	}

	// === Latest aggregates (Redis) ===
	if cfg.RedisURL != "" {
		rdb, err := sink.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts.Latest = sink.NewRedisSink(rdb, sink.RedisOptions{Stream: cfg.AlertStream})
	}

	// === Republish (MQTT) ===
	if cfg.MQTT.Configured() {
		mq, err := rabbitmq.NewRabbitMQConn(ctx, &cfg.MQTT, log)
		if err != nil {
			return err
		}
		defer rabbitmq.CloseRabbitMQConn(mq)
		opts.Publish = rabbitmq.Factory(mq)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	log.Info("shutdown complete")
	return nil
}
