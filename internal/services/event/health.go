package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/LeonardoBeccarini/pasture_project/pkg/health"
)

// MQTTProbe fails while the broker connection is down.
func MQTTProbe(c mqtt.Client) health.Probe {
	return func(context.Context) error {
		if c == nil || !c.IsConnectionOpen() {
			return errors.New("mqtt not connected")
		}
		return nil
	}
}

// InfluxProbe pings the server.
func InfluxProbe(c influxdb2.Client) health.Probe {
	return func(ctx context.Context) error {
		ok, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("influx ping failed")
		}
		return nil
	}
}

// WriterProbe fails while the last async write error is younger than minAge.
func WriterProbe(w *Writer, minAge time.Duration) health.Probe {
	return func(context.Context) error {
		if age := w.LastErrorAge(); age <= minAge {
			return fmt.Errorf("influx write error %s ago", age.Round(time.Second))
		}
		return nil
	}
}
