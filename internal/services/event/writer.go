package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Writer wraps the async WriteAPI and remembers the last write error for the probes.
type Writer struct {
	api     api.WriteAPI
	mu      sync.RWMutex
	lastErr time.Time
	counts  map[string]int64
	now     func() time.Time
}

// NewWriter starts draining the async error channel of w.
func NewWriter(w api.WriteAPI, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	ww := &Writer{
		api:     w,
		lastErr: time.Now().Add(-24 * time.Hour), // "long ago" until the first failure
		counts:  make(map[string]int64),
		now:     time.Now,
	}
	go func() {
		for err := range w.Errors() {
			if err != nil {
				ww.markError()
				logger.Error("influx write error", "error", err)
			}
		}
	}()
	return ww
}

func (w *Writer) markError() {
	w.mu.Lock()
	w.lastErr = w.now()
	w.mu.Unlock()
}

// WritePoint queues points for the next batch. Failures surface asynchronously
// through LastErrorAge, so the returned error is only ctx's.
func (w *Writer) WritePoint(ctx context.Context, points ...*write.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range points {
		w.api.WritePoint(p)
		w.MarkIngest(p.Name())
	}
	return nil
}

// Flush forces pending points out; used on shutdown.
func (w *Writer) Flush() {
	if w != nil {
		w.api.Flush()
	}
}

// LastErrorAge reports how long ago the last write error happened.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return 99999 * time.Hour
	}
	w.mu.RLock()
	t := w.lastErr
	w.mu.RUnlock()
	return w.now().Sub(t)
}

// MarkIngest counts points per measurement.
func (w *Writer) MarkIngest(measurement string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.counts[measurement]++
	w.mu.Unlock()
}

func (w *Writer) Count(measurement string) int64 {
	if w == nil {
		return 0
	}
	w.mu.RLock()
	c := w.counts[measurement]
	w.mu.RUnlock()
	return c
}
