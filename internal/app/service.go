// Package app serves the local gateway: sync control plus an offline-capable
// mirror of the platform's entity routes.
package app

import (
	"context"
	"strings"

	"engage/offline/internal/config"
	"engage/offline/internal/offline"
	"engage/offline/internal/store"
	"engage/offline/internal/syncqueue"
)

type Service struct {
	cfg    config.Config
	store  store.Store
	queue  *syncqueue.Service
	client *offline.Client
}

func NewService(cfg config.Config, st store.Store, queue *syncqueue.Service, client *offline.Client) *Service {
	return &Service{cfg: cfg, store: st, queue: queue, client: client}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Online() bool {
	return s.client.Online()
}

func (s *Service) Client() *offline.Client {
	return s.client
}

// ControlToken is the shared secret for mutating control routes, or "".
func (s *Service) ControlToken() string {
	return strings.TrimSpace(s.cfg.ControlToken)
}

func (s *Service) SyncStatus(ctx context.Context) (syncqueue.Status, error) {
	return s.queue.Status(ctx)
}

func (s *Service) QueueEntries(ctx context.Context) ([]syncqueue.EntryView, error) {
	return s.queue.Entries(ctx)
}

func (s *Service) ForceSync(ctx context.Context) (syncqueue.DrainResult, error) {
	return s.queue.ForceSync(ctx)
}

func (s *Service) ClearQueue(ctx context.Context) (int, error) {
	return s.queue.Clear(ctx)
}

func (s *Service) DiscardEntry(ctx context.Context, id string) error {
	return s.queue.Discard(ctx, id)
}

func (s *Service) UserID() string {
	return s.client.UserID()
}

func (s *Service) SwitchUser(userID string) {
	s.client.SwitchUser(userID)
}
