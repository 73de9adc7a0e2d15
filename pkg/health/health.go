// Package health serves liveness and readiness from a set of named dependency probes,
// over HTTP and through the standard gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

type namedProbe struct {
	name  string
	probe Probe
}

// Checker runs probes in registration order.
type Checker struct {
	mu      sync.RWMutex
	probes  []namedProbe
	timeout time.Duration
}

func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout}
}

func (c *Checker) Add(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, namedProbe{name: name, probe: p})
}

// Report is the body of /healthz.
type Report struct {
	Status string            `json:"status"` // ok | degraded | down
	Checks map[string]string `json:"checks"`
}

// Run executes every probe once.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	probes := append([]namedProbe(nil), c.probes...)
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := Report{Checks: make(map[string]string, len(probes))}
	ok := 0
	for _, p := range probes {
		if err := p.probe(ctx); err != nil {
			r.Checks[p.name] = err.Error()
			continue
		}
		r.Checks[p.name] = "ok"
		ok++
	}
	switch {
	case ok == len(probes):
		r.Status = "ok"
	case ok > 0:
		r.Status = "degraded"
	default:
		r.Status = "down"
	}
	return r
}

// Handler answers /healthz: always 200, the body tells how healthy.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Run(r.Context()))
	})
}

// ReadyHandler answers /readyz: 200 only when every probe passes.
func (c *Checker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := c.Run(r.Context())
		ready := rep.Status == "ok"
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(struct {
			Ready  bool              `json:"ready"`
			Checks map[string]string `json:"checks"`
		}{ready, rep.Checks})
	})
}

// Sync mirrors the checker into a gRPC health server for service (use "" for the
// whole server) every interval until ctx ends.
func (c *Checker) Sync(ctx context.Context, srv *health.Server, service string, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	set := func() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if c.Run(ctx).Status == "ok" {
			status = healthpb.HealthCheckResponse_SERVING
		}
		srv.SetServingStatus(service, status)
	}
	set()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-t.C:
			set()
		}
	}
}
