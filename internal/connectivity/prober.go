package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orchardlog/fieldsync/internal/apiclient"
)

// HealthChecker is satisfied by *apiclient.Client.
type HealthChecker interface {
	Health(ctx context.Context) (*apiclient.HealthResponse, error)
}

// Prober polls the server's health endpoint and feeds the result to a
// Monitor. It stands in for an OS network-change signal in a CLI process.
type Prober struct {
	monitor  *Monitor
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ProberConfig configures a Prober.
type ProberConfig struct {
	Interval time.Duration // default 10s
	Timeout  time.Duration // per probe, default 5s
	Logger   *slog.Logger
}

// NewProber creates a prober for monitor.
func NewProber(monitor *Monitor, checker HealthChecker, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Prober{
		monitor:  monitor,
		checker:  checker,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// ProbeOnce runs a single check, updates the monitor and returns the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.checker.Health(ctx)
	if err != nil {
		p.logger.Debug("connectivity: probe failed", "err", err)
	}
	online := err == nil
	p.monitor.Set(online)
	return online
}

// Start probes immediately and then every interval until Stop or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.ProbeOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				p.ProbeOnce(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
