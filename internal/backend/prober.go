package backend

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// probeTimeout bounds a single health-probe request.
const probeTimeout = 10 * time.Second

// Prober periodically GETs each backend's /health endpoint and feeds the
// results into the pool. A healthy probe lifts an active cooldown early so a
// recovered backend rejoins rotation without waiting out its backoff window.
//
// Probing is optional: deployments that rely on cooldown backoff alone simply
// never start a Prober.
type Prober struct {
	pool     *Pool
	client   *http.Client
	interval time.Duration
}

// NewProber creates a Prober for pool that probes every interval.
// A nil client falls back to a dedicated client with probeTimeout.
func NewProber(pool *Pool, interval time.Duration, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &Prober{
		pool:     pool,
		client:   client,
		interval: interval,
	}
}

// Run probes all backends every interval until ctx is cancelled. It always
// returns ctx.Err(); probe failures are recorded in the pool and logged, not
// propagated.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll probes every backend sequentially. One slow backend delays probes
// of the others by at most probeTimeout, which is acceptable at the probe
// intervals this is meant to run at.
func (p *Prober) probeAll(ctx context.Context) {
	for _, url := range p.pool.URLs() {
		healthy := p.probe(ctx, url)
		p.pool.SetProbeResult(url, healthy)
		if !healthy {
			slog.Warn("backend health probe failed", "backend", url)
		}
	}
}

// probe reports whether the backend at url answers 200 on /health.
func (p *Prober) probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
