package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"DustSweep/internal/observability/metrics"
	"DustSweep/pkg/logger"
)

const (
	DefaultCheckTimeout      = 5 * time.Second
	defaultHealthConcurrency = 5
)

// ProtocolStatus is the last result for one protocol.
type ProtocolStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Report is a snapshot of every protocol. Healthy is false when any protocol
// failed its last check.
type Report struct {
	Healthy   bool             `json:"healthy"`
	Protocols []ProtocolStatus `json:"protocols"`
}

// HealthChecker runs the targets and keeps the latest result per protocol.
type HealthChecker struct {
	targets []Target
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu   sync.RWMutex
	last map[string]ProtocolStatus
}

// HealthOption customises a HealthChecker.
type HealthOption func(*HealthChecker)

// WithCheckTimeout bounds each target.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthChecker) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithHealthClock injects the clock.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthChecker) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHealthChecker wires the checker over targets.
func NewHealthChecker(targets []Target, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{
		targets: targets,
		timeout: DefaultCheckTimeout,
		now:     time.Now,
		log:     logger.Named("monitor.health"),
		last:    make(map[string]ProtocolStatus, len(targets)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Run checks every protocol and publishes the protocol_health gauge. A failing
// target never fails the run.
func (h *HealthChecker) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(defaultHealthConcurrency)
	for _, p := range h.targets {
		p := p
		g.Go(func() error {
			h.record(h.check(ctx, p))
			return nil
		})
	}
	_ = g.Wait()

	report := h.Report()
	unhealthy := 0
	for _, s := range report.Protocols {
		if !s.Healthy {
			unhealthy++
		}
	}
	h.log.Info("health check finished", slog.Int("protocols", len(report.Protocols)), slog.Int("unhealthy", unhealthy))
	return ctx.Err()
}

func (h *HealthChecker) check(ctx context.Context, p Target) ProtocolStatus {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.now()
	err := p.Check(checkCtx)
	status := ProtocolStatus{
		Name:      p.Name(),
		Healthy:   err == nil,
		LatencyMs: h.now().Sub(start).Milliseconds(),
		CheckedAt: h.now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		h.log.Warn("protocol unhealthy", slog.String("protocol", p.Name()), slog.Any("error", err))
	}
	return status
}

func (h *HealthChecker) record(s ProtocolStatus) {
	metrics.SetProtocolHealth(s.Name, s.Healthy)
	h.mu.Lock()
	h.last[s.Name] = s
	h.mu.Unlock()
}

// Report returns the last result of every protocol checked so far, ordered by
// name.
func (h *HealthChecker) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	report := Report{Healthy: true, Protocols: make([]ProtocolStatus, 0, len(h.last))}
	for _, s := range h.last {
		report.Protocols = append(report.Protocols, s)
		if !s.Healthy {
			report.Healthy = false
		}
	}
	sort.Slice(report.Protocols, func(i, j int) bool {
		return report.Protocols[i].Name < report.Protocols[j].Name
	})
	return report
}
