package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"engage/offline/internal/api"
	"engage/offline/internal/config"
	"engage/offline/internal/netstatus"
	"engage/offline/internal/offline"
	"engage/offline/internal/store"
	"engage/offline/internal/syncqueue"
)

// agent holds the wired components shared by every subcommand.
type agent struct {
	cfg     config.Config
	store   store.Store
	remote  *api.Client
	network netstatus.Source
	// monitor is nil in manual network mode.
	monitor *netstatus.Monitor
	manual  *netstatus.Manual
	queue   *syncqueue.Service
	client  *offline.Client
}

func openAgent(ctx context.Context, cfg config.Config) (*agent, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	remote, err := api.New(api.Options{
		BaseURL:       cfg.Remote.BaseURL,
		SessionCookie: cfg.Remote.SessionCookie,
		SessionValue:  cfg.Remote.SessionValue,
		Timeout:       cfg.Remote.RequestTimeout,
		RateLimit:     cfg.Remote.RateLimit,
		RateBurst:     cfg.Remote.RateBurst,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("remote client: %w", err)
	}

	a := &agent{cfg: cfg, store: st, remote: remote}
	switch cfg.Network.Mode {
	case "manual":
		a.manual = netstatus.NewManual(!cfg.Network.StartOffline)
		a.network = a.manual
	default:
		a.monitor = netstatus.NewMonitor(netstatus.MonitorOptions{
			URL:      strings.TrimRight(cfg.Remote.BaseURL, "/") + cfg.Network.ProbePath,
			Interval: cfg.Network.ProbeInterval,
			Timeout:  cfg.Network.ProbeTimeout,
		})
		a.network = a.monitor
	}

	a.queue = syncqueue.New(st, offline.NewReplayer(remote), a.network, syncqueue.Options{
		Interval:         cfg.Sync.Interval,
		RetryBackoff:     cfg.Sync.RetryBackoff,
		MaxBackoff:       cfg.Sync.MaxBackoff,
		FailingThreshold: cfg.Sync.FailingThreshold,
		ReplayTimeout:    cfg.Sync.ReplayTimeout,
	})
	a.client = offline.New(remote, st, a.queue, a.network, offline.Options{UserID: cfg.UserID})
	return a, nil
}

// probe settles the network state once, for one-shot commands that do not
// run the monitor loop.
func (a *agent) probe(ctx context.Context) bool {
	if a.monitor != nil {
		return a.monitor.Check(ctx)
	}
	return a.network.Online()
}

func (a *agent) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	if err := a.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
		return err
	}
	return nil
}
