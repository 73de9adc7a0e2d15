package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	sensorSimulator "github.com/LeonardoBeccarini/pasture_project/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/pasture_project/internal/sink"
	"github.com/LeonardoBeccarini/pasture_project/pkg/config"
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
	case "fields":
		err = fieldsCommand(os.Args[2:])
	case "sensors":
		err = sensorsCommand(os.Args[2:])
	case "publish":
		err = publishCommand(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pasture-sim: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: pasture-sim <command> [flags]

commands:
  fields    write sample field documents as JSON lines
  sensors   write a sensor series for one field as JSON lines
  publish   publish live samples for one field over MQTT`)
}

func seeded(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func output(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func writeLines[T any](path string, items []T) error {
	out, err := output(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			_ = out.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func fieldsCommand(args []string) error {
	fs := flag.NewFlagSet("fields", flag.ExitOnError)
	count := fs.Int("count", 1, "number of fields to generate")
	out := fs.String("out", "", "output file (JSONL), stdout when empty")
	seed := fs.Int64("seed", 0, "random seed, 0 for time based")
	_ = fs.Parse(args)
	return writeLines(*out, sensorSimulator.SampleFields(seeded(*seed), *count))
}

func sensorsCommand(args []string) error {
	fs := flag.NewFlagSet("sensors", flag.ExitOnError)
	fieldID := fs.String("field-id", "field_1", "field identifier")
	periods := fs.Int("periods", sensorSimulator.DefaultPeriods, "number of periods")
	freq := fs.Duration("freq", sensorSimulator.DefaultFrequency, "time between periods")
	out := fs.String("out", "", "output file (JSONL), stdout when empty")
	seed := fs.Int64("seed", 0, "random seed, 0 for time based")
	_ = fs.Parse(args)
	rows := sensorSimulator.GenerateSensorSeries(seeded(*seed), *fieldID, time.Now().UTC(), *periods, *freq)
	return writeLines(*out, rows)
}

func publishCommand(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	fieldID := fs.String("field-id", "field_1", "field identifier")
	clientID := fs.String("client-id", "", "MQTT client ID, random when empty")
	interval := fs.Duration("interval", 10*time.Second, "publish interval")
	irrigate := fs.Duration("irrigate-for", 20*time.Minute, "irrigation applied on a low moisture alert")
	follow := fs.Bool("follow-alerts", true, "irrigate when the field raises low moisture alerts")
	seed := fs.Int64("seed", 0, "random seed, 0 for time based")
	_ = fs.Parse(args)

	log := logger.New("pasture-sim", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")), config.GetBool("LOG_PRETTY", true))
	if *clientID == "" {
		*clientID = "sim-" + uuid.NewString()[:8]
	}
	cfg := &rabbitmq.RabbitMQConfig{
		Host:     config.GetString("RABBITMQ_HOST", "localhost"),
		Port:     config.GetInt("RABBITMQ_PORT", 1883),
		User:     config.GetString("RABBITMQ_USER", "guest"),
		Password: config.GetString("RABBITMQ_PASSWORD", "guest"),
		ClientID: *clientID,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := rabbitmq.NewRabbitMQConn(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rabbitmq.CloseRabbitMQConn(client)

	publisher := rabbitmq.NewPublisher(client, sink.TopicSensorData+"/"+*fieldID)
	var consumer rabbitmq.IConsumer
	if *follow {
		consumer = rabbitmq.NewConsumer(client, []string{sink.TopicEventAlert + "/" + *fieldID}, nil, log)
	}
	gen := sensorSimulator.NewDataGenerator(*fieldID, seeded(*seed))
	sim := sensorSimulator.NewSensorSimulator(consumer, publisher, gen, *irrigate, log)

	log.Info("publishing", "field_id", *fieldID, "interval", *interval)
	sim.Start(ctx, *interval)
	return nil
}
