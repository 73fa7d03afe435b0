// Package supervisor runs the agent's long-lived services under a suture
// tree so a crashing loop restarts without taking the others down.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"engage/offline/internal/logging"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c *TreeConfig) setDefaults() {
	def := DefaultTreeConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = def.FailureDecay
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = def.FailureBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// Tree has three layers:
//   - data: the sync queue loop
//   - network: the connectivity monitor
//   - api: the local HTTP gateway
type Tree struct {
	root    *suture.Supervisor
	data    *suture.Supervisor
	network *suture.Supervisor
	api     *suture.Supervisor
	config  TreeConfig
}

func NewTree(config TreeConfig) *Tree {
	config.setDefaults()

	supervisorSpec := func(hook suture.EventHook) suture.Spec {
		return suture.Spec{
			EventHook:        hook,
			FailureThreshold: config.FailureThreshold,
			FailureDecay:     config.FailureDecay,
			FailureBackoff:   config.FailureBackoff,
			Timeout:          config.ShutdownTimeout,
		}
	}

	root := suture.New("engage-sync", supervisorSpec(logEvent))
	data := suture.New("data-layer", supervisorSpec(nil))
	network := suture.New("network-layer", supervisorSpec(nil))
	api := suture.New("api-layer", supervisorSpec(nil))
	root.Add(data)
	root.Add(network)
	root.Add(api)

	return &Tree{root: root, data: data, network: network, api: api, config: config}
}

func (t *Tree) AddDataService(svc suture.Service) suture.ServiceToken {
	return t.data.Add(svc)
}

func (t *Tree) AddNetworkService(svc suture.Service) suture.ServiceToken {
	return t.network.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// logEvent sends supervisor events to the structured log. Child
// supervisors inherit the root hook.
func logEvent(e suture.Event) {
	event := logging.Warn()
	if e.Type() == suture.EventTypeResume {
		event = logging.Info()
	}
	event.Fields(e.Map()).Msg(e.String())
}
