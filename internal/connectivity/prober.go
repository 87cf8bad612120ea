package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProberConfig holds prober configuration.
type ProberConfig struct {
	URL      string        // Health endpoint, any HTTP response counts as reachable
	Interval time.Duration // Probe interval (default: 10s)
	Timeout  time.Duration // Per-probe timeout (default: 3s)
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: 10 * time.Second,
		Timeout:  3 * time.Second,
	}
}

// Prober periodically probes a health endpoint and feeds the monitor.
type Prober struct {
	cfg        ProberConfig
	monitor    *Monitor
	httpClient *http.Client
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a new Prober. hc may be nil.
func NewProber(cfg ProberConfig, monitor *Monitor, hc *http.Client, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Prober{
		cfg:        cfg,
		monitor:    monitor,
		httpClient: hc,
		logger:     logger,
	}
}

// Start begins the probe loop.
func (p *Prober) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("connectivity prober started",
		"url", p.cfg.URL,
		"interval", p.cfg.Interval,
	)
	return nil
}

// Stop shuts down the probe loop.
func (p *Prober) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("connectivity prober stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Probe immediately on start.
	p.Probe(p.ctx)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Probe(p.ctx)
		}
	}
}

// Probe performs one health check, reports the result to the monitor and
// returns it.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	online := p.reachable(ctx)
	if ctx.Err() != nil && p.ctx != nil && p.ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the network.
		return p.monitor.IsOnline()
	}
	p.monitor.Set(online)
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		p.logger.Warn("invalid probe request", "url", p.cfg.URL, "error", err)
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}
