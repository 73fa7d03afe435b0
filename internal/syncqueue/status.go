package syncqueue

import (
	"context"
	"fmt"
	"time"

	"engage/offline/internal/logging"
	"engage/offline/internal/store"
)

// EntryView is a queue entry as reported to users.
type EntryView struct {
	store.QueueEntry
	RepeatedlyFailing bool       `json:"repeatedlyFailing"`
	NextAttempt       *time.Time `json:"nextAttempt,omitempty"`
}

type Status struct {
	Pending   int          `json:"pending"`
	Failing   []EntryView  `json:"failing"`
	Online    bool         `json:"online"`
	Draining  bool         `json:"draining"`
	LastDrain *DrainResult `json:"lastDrain,omitempty"`
}

// Entries lists the queue in replay order.
func (s *Service) Entries(ctx context.Context) ([]EntryView, error) {
	entries, err := s.store.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		view := EntryView{QueueEntry: entry, RepeatedlyFailing: entry.RepeatedlyFailing(s.opts.FailingThreshold)}
		if next := NextAttempt(entry, s.opts.RetryBackoff, s.opts.MaxBackoff); !next.IsZero() {
			view.NextAttempt = &next
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	views, err := s.Entries(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Pending:  len(views),
		Failing:  []EntryView{},
		Online:   s.network.Online(),
		Draining: s.draining.Load(),
	}
	for _, view := range views {
		if view.RepeatedlyFailing {
			status.Failing = append(status.Failing, view)
		}
	}
	s.mu.Lock()
	if s.lastDrain != nil {
		last := *s.lastDrain
		status.LastDrain = &last
	}
	s.mu.Unlock()
	return status, nil
}

// Clear drops every queued entry. Local edits they carried are lost.
func (s *Service) Clear(ctx context.Context) (int, error) {
	n, err := s.store.ClearQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	logging.Warn().Int("entries", n).Msg("sync queue cleared by user")
	s.refreshGauges(ctx)
	return n, nil
}

// Discard drops one entry. Returns store.ErrNotFound for unknown ids.
func (s *Service) Discard(ctx context.Context, id string) error {
	entry, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.RemoveEntry(ctx, id); err != nil {
		return err
	}
	logging.Warn().Str("entry_id", id).Str("entity_type", string(entry.EntityType)).Str("entity_id", entry.EntityID).Str("action", string(entry.Action)).Msg("queue entry discarded by user")
	s.refreshGauges(ctx)
	return nil
}
