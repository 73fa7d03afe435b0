package netstatus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"engage/offline/internal/logging"
)

type MonitorOptions struct {
	// URL is probed with GET; any response below 500 counts as online.
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	Client   *http.Client
	// StartOnline is the state reported before the first probe completes.
	StartOnline bool
}

// Monitor probes the remote health endpoint and publishes transitions. It
// runs as a suture service.
type Monitor struct {
	broadcaster
	opts   MonitorOptions
	online atomic.Bool
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	m := &Monitor{opts: opts}
	m.online.Store(opts.StartOnline)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

func (m *Monitor) String() string {
	return "netstatus-monitor"
}

// Serve probes once immediately, then on every tick until ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs a single probe, records the result, and returns it.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil
	was := m.online.Swap(online)
	if was != online {
		if online {
			logging.Info().Str("url", m.opts.URL).Msg("remote reachable, switching online")
		} else {
			logging.Warn().Err(err).Str("url", m.opts.URL).Msg("remote unreachable, switching offline")
		}
		m.publish(online)
	}
	return online
}

func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := m.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}
