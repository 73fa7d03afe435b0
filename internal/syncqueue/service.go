// Package syncqueue replays locally recorded mutations against the remote
// API once it is reachable.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"engage/offline/internal/logging"
	"engage/offline/internal/netstatus"
	"engage/offline/internal/store"
)

var ErrInvalidEntry = errors.New("invalid queue entry")

// Outcome is what a successful replay reports back.
type Outcome struct {
	// ServerID is the id the remote assigned to a replayed create. Empty
	// when it kept the local id.
	ServerID string
}

// Replayer performs the remote call a queue entry stands for.
type Replayer interface {
	Replay(ctx context.Context, entry store.QueueEntry) (Outcome, error)
}

type ReplayerFunc func(ctx context.Context, entry store.QueueEntry) (Outcome, error)

func (f ReplayerFunc) Replay(ctx context.Context, entry store.QueueEntry) (Outcome, error) {
	return f(ctx, entry)
}

type Options struct {
	Interval     time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// FailingThreshold is the retry count at which an entry is reported as
	// repeatedly failing. It is never dropped.
	FailingThreshold int
	// ReplayTimeout bounds each remote call; zero means no bound.
	ReplayTimeout time.Duration
	Now           func() time.Time
	NewID         func() string
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.FailingThreshold <= 0 {
		o.FailingThreshold = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

type Trigger string

const (
	TriggerTimer  Trigger = "timer"
	TriggerOnline Trigger = "online"
	TriggerForce  Trigger = "force"
)

// DrainResult summarises one drain. Skipped is set when the drain did not
// run at all.
type DrainResult struct {
	Trigger    Trigger   `json:"trigger"`
	Skipped    string    `json:"skipped,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Held       int       `json:"held"`
	Error      string    `json:"error,omitempty"`
}

const (
	skippedInProgress = "drain already in progress"
	skippedOffline    = "offline"
)

// Service owns the sync queue: enqueueing, draining and the trigger loop.
type Service struct {
	store    store.Store
	replayer Replayer
	network  netstatus.Source
	opts     Options

	draining atomic.Bool

	mu        sync.Mutex
	lastDrain *DrainResult
}

func New(st store.Store, replayer Replayer, network netstatus.Source, opts Options) *Service {
	opts.setDefaults()
	return &Service{store: st, replayer: replayer, network: network, opts: opts}
}

func (s *Service) String() string {
	return "sync-queue"
}

// Enqueue records a mutation of entityID for later replay.
func (s *Service) Enqueue(ctx context.Context, entityType store.EntityType, entityID string, action store.Action, payload json.RawMessage) (store.QueueEntry, error) {
	return s.EnqueueChild(ctx, entityType, entityID, "", action, payload)
}

// EnqueueChild is Enqueue for entities created under a parent (a comment in
// a session, a response to a survey). The parent id follows any later
// local-to-server id remap.
func (s *Service) EnqueueChild(ctx context.Context, entityType store.EntityType, entityID, parentID string, action store.Action, payload json.RawMessage) (store.QueueEntry, error) {
	if !entityType.Valid() {
		return store.QueueEntry{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidEntry, entityType)
	}
	if !action.Valid() {
		return store.QueueEntry{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, action)
	}
	if strings.TrimSpace(entityID) == "" {
		return store.QueueEntry{}, fmt.Errorf("%w: entity id required", ErrInvalidEntry)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return store.QueueEntry{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidEntry)
	}

	entry, err := s.store.Enqueue(ctx, store.QueueEntry{
		ID:         s.opts.NewID(),
		EntityType: entityType,
		EntityID:   entityID,
		ParentID:   parentID,
		Action:     action,
		Payload:    payload,
		CreatedAt:  s.opts.Now().UTC(),
	})
	if err != nil {
		return store.QueueEntry{}, fmt.Errorf("enqueue %s %s: %w", action, entityType, err)
	}
	enqueuedTotal.WithLabelValues(string(entityType), string(action)).Inc()
	pendingEntries.Inc()
	logging.Debug().Str("entry_id", entry.ID).Str("entity_type", string(entityType)).Str("entity_id", entityID).Str("action", string(action)).Msg("mutation queued")
	return entry, nil
}

// Drain replays pending entries, skipping those still in backoff.
func (s *Service) Drain(ctx context.Context) (DrainResult, error) {
	return s.drain(ctx, TriggerTimer)
}

// ForceSync drains immediately, ignoring backoff.
func (s *Service) ForceSync(ctx context.Context) (DrainResult, error) {
	return s.drain(ctx, TriggerForce)
}

func (s *Service) drain(ctx context.Context, trigger Trigger) (DrainResult, error) {
	result := DrainResult{Trigger: trigger, StartedAt: s.opts.Now().UTC()}
	if !s.network.Online() {
		result.Skipped = skippedOffline
		result.FinishedAt = result.StartedAt
		drainsTotal.WithLabelValues(string(trigger), "offline").Inc()
		return result, nil
	}
	if !s.draining.CompareAndSwap(false, true) {
		result.Skipped = skippedInProgress
		result.FinishedAt = result.StartedAt
		drainsTotal.WithLabelValues(string(trigger), "busy").Inc()
		return result, nil
	}
	defer s.draining.Store(false)

	start := time.Now()
	err := s.replayPending(ctx, trigger != TriggerTimer, &result)
	drainDuration.Observe(time.Since(start).Seconds())
	result.FinishedAt = s.opts.Now().UTC()
	if err != nil {
		result.Error = err.Error()
		drainsTotal.WithLabelValues(string(trigger), "error").Inc()
	} else {
		drainsTotal.WithLabelValues(string(trigger), "ok").Inc()
	}

	s.mu.Lock()
	saved := result
	s.lastDrain = &saved
	s.mu.Unlock()

	s.refreshGauges(ctx)
	if result.Attempted > 0 || err != nil {
		logging.Info().Str("trigger", string(trigger)).Int("attempted", result.Attempted).Int("succeeded", result.Succeeded).Int("failed", result.Failed).Int("held", result.Held).Err(err).Msg("sync drain finished")
	}
	return result, err
}

func entityKey(entityType store.EntityType, id string) string {
	return string(entityType) + ":" + id
}

// replayPending walks the queue once in insertion order. An entity whose
// entry fails or waits out its backoff holds back every later entry for
// the same entity, and for entities created under it.
func (s *Service) replayPending(ctx context.Context, ignoreBackoff bool, result *DrainResult) error {
	entries, err := s.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load pending entries: %w", err)
	}

	remaining := make(map[string]int, len(entries))
	for _, entry := range entries {
		remaining[entityKey(entry.EntityType, entry.EntityID)]++
	}
	held := make(map[string]bool)
	heldIDs := make(map[string]bool)
	block := func(entry store.QueueEntry) {
		held[entityKey(entry.EntityType, entry.EntityID)] = true
		heldIDs[entry.EntityID] = true
	}

	for i := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := entries[i]
		key := entityKey(entry.EntityType, entry.EntityID)

		if held[key] || (entry.ParentID != "" && heldIDs[entry.ParentID]) {
			block(entry)
			result.Held++
			continue
		}
		if !ignoreBackoff && !readyForRetry(entry, s.opts.Now(), s.opts.RetryBackoff, s.opts.MaxBackoff) {
			block(entry)
			result.Held++
			continue
		}

		result.Attempted++
		outcome, err := s.replay(ctx, entry)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			result.Failed++
			s.recordFailure(ctx, entry, err)
			block(entry)
			continue
		}

		result.Succeeded++
		remaining[key]--
		if err := s.applySuccess(ctx, entry, outcome, remaining[key] > 0); err != nil {
			return err
		}
		if newID := outcome.ServerID; entry.Action == store.ActionCreate && newID != "" && newID != entry.EntityID {
			remapLater(entries[i+1:], entry.EntityType, entry.EntityID, newID)
			remaining[entityKey(entry.EntityType, newID)] += remaining[key]
			delete(remaining, key)
		}
	}
	return nil
}

func (s *Service) replay(ctx context.Context, entry store.QueueEntry) (Outcome, error) {
	if s.opts.ReplayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ReplayTimeout)
		defer cancel()
	}
	return s.replayer.Replay(ctx, entry)
}

// recordFailure bumps the entry's retry count. Every error is retried;
// nothing is dropped automatically.
func (s *Service) recordFailure(ctx context.Context, entry store.QueueEntry, replayErr error) {
	replayFailuresTotal.WithLabelValues(string(entry.EntityType)).Inc()
	updated, err := s.store.MarkAttempt(ctx, entry.ID, s.opts.Now(), replayErr.Error())
	if err != nil {
		logging.Error().Err(err).Str("entry_id", entry.ID).Msg("record replay attempt")
		return
	}
	event := logging.Warn()
	if updated.RepeatedlyFailing(s.opts.FailingThreshold) {
		event = logging.Error().Bool("repeatedly_failing", true)
	}
	event.Err(replayErr).
		Str("entry_id", entry.ID).
		Str("entity_type", string(entry.EntityType)).
		Str("entity_id", entry.EntityID).
		Str("action", string(entry.Action)).
		Int("retry_count", updated.RetryCount).
		Msg("replay failed, entry kept")
}

// applySuccess removes the entry and brings the cached copy in line.
// laterPending means more queued edits of the same entity follow, so the
// cached row stays pending.
func (s *Service) applySuccess(ctx context.Context, entry store.QueueEntry, outcome Outcome, laterPending bool) error {
	if err := s.store.RemoveEntry(ctx, entry.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove replayed entry %s: %w", entry.ID, err)
	}
	replayedTotal.WithLabelValues(string(entry.EntityType), string(entry.Action)).Inc()

	id := entry.EntityID
	switch entry.Action {
	case store.ActionDelete:
		if err := s.store.DeleteRecord(ctx, entry.EntityType, id); err != nil {
			return fmt.Errorf("drop cached %s %s: %w", entry.EntityType, id, err)
		}
		return nil
	case store.ActionCreate:
		if outcome.ServerID != "" && outcome.ServerID != id {
			if err := s.store.RemapID(ctx, entry.EntityType, id, outcome.ServerID); err != nil {
				return fmt.Errorf("remap %s %s: %w", entry.EntityType, id, err)
			}
			logging.Debug().Str("entity_type", string(entry.EntityType)).Str("local_id", id).Str("server_id", outcome.ServerID).Msg("local id remapped")
			id = outcome.ServerID
		}
	}
	if laterPending {
		return nil
	}
	if err := s.store.MarkSynced(ctx, entry.EntityType, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark %s %s synced: %w", entry.EntityType, id, err)
	}
	return nil
}

// remapLater keeps the in-memory snapshot consistent with a RemapID that
// already rewrote the persisted entries.
func remapLater(entries []store.QueueEntry, entityType store.EntityType, oldID, newID string) {
	for i := range entries {
		if entries[i].EntityType == entityType && entries[i].EntityID == oldID {
			entries[i].EntityID = newID
		}
		if entries[i].ParentID == oldID {
			entries[i].ParentID = newID
		}
	}
}

func (s *Service) refreshGauges(ctx context.Context) {
	entries, err := s.store.Pending(ctx)
	if err != nil {
		return
	}
	failing := 0
	for _, entry := range entries {
		if entry.RepeatedlyFailing(s.opts.FailingThreshold) {
			failing++
		}
	}
	pendingEntries.Set(float64(len(entries)))
	failingEntries.Set(float64(failing))
}

// Serve drains once at start, then on every tick and on every transition
// to online, until ctx is done.
func (s *Service) Serve(ctx context.Context) error {
	updates, unsubscribe := s.network.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.refreshGauges(ctx)
	s.runDrain(ctx, TriggerTimer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runDrain(ctx, TriggerTimer)
		case online := <-updates:
			if online {
				s.runDrain(ctx, TriggerOnline)
			}
		}
	}
}

func (s *Service) runDrain(ctx context.Context, trigger Trigger) {
	if _, err := s.drain(ctx, trigger); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Str("trigger", string(trigger)).Msg("sync drain failed")
	}
}
