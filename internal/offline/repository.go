package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"engage/offline/internal/api"
	"engage/offline/internal/logging"
	"engage/offline/internal/store"
)

const defaultLimit = 20

type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

type ListResult[T any] struct {
	Items  []T
	Meta   api.Meta
	Source Source
}

type ItemResult[T any] struct {
	Item   T
	Source Source
}

// WriteResult reports a write. Offline is set when the change was stored
// locally and queued instead of reaching the remote.
type WriteResult[T any] struct {
	Item    T
	Offline bool
}

// Repository is the offline-capable surface of one entity type.
type Repository[T api.Entity[T]] struct {
	client *Client
	remote *api.Resource[T]
	kind   store.EntityType
}

func newRepository[T api.Entity[T]](client *Client, remote *api.Resource[T]) *Repository[T] {
	return &Repository[T]{client: client, remote: remote, kind: remote.Kind()}
}

func (r *Repository[T]) Kind() store.EntityType {
	return r.kind
}

// List reads from the remote when online and refreshes the cache with the
// answer. Without the remote it serves the cache with the same filters.
func (r *Repository[T]) List(ctx context.Context, q api.ListQuery) (ListResult[T], error) {
	if r.client.Online() {
		page, err := r.remote.List(ctx, q)
		if err == nil {
			r.cacheList(ctx, q, page.Items)
			return ListResult[T]{Items: page.Items, Meta: page.Meta, Source: SourceRemote}, nil
		}
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Msg("remote list failed, serving cache")
	}
	return r.listLocal(ctx, q)
}

func (r *Repository[T]) listLocal(ctx context.Context, q api.ListQuery) (ListResult[T], error) {
	records, err := r.client.store.ListRecords(ctx, r.kind, store.Filter{
		ParentID: q.ParentID,
		Status:   q.Status,
		Search:   q.Search,
	})
	if err != nil {
		return ListResult[T]{}, fmt.Errorf("list cached %s: %w", r.kind, err)
	}

	page, limit := q.Page, q.Limit
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	// page and limit are unbounded; clamp before multiplying.
	start := len(records)
	if page-1 <= len(records)/limit {
		start = min((page-1)*limit, len(records))
	}
	end := start + min(limit, len(records)-start)

	items := make([]T, 0, end-start)
	for _, record := range records[start:end] {
		item, err := decodeRecord[T](record)
		if err != nil {
			logging.Warn().Err(err).Str("entity_type", string(r.kind)).Str("id", record.ID).Msg("skip undecodable cached row")
			continue
		}
		items = append(items, item)
	}
	return ListResult[T]{Items: items, Meta: api.NewMeta(len(records), page, limit), Source: SourceCache}, nil
}

// cacheList writes a fresh remote page through. An unfiltered first page
// stands for the whole collection and replaces the cached set, keeping the
// current user's unsynced rows.
func (r *Repository[T]) cacheList(ctx context.Context, q api.ListQuery, items []T) {
	records := make([]store.Record, 0, len(items))
	for _, item := range items {
		record, err := r.toRecord(item, store.SyncStatusSynced)
		if err != nil {
			logging.Warn().Err(err).Str("entity_type", string(r.kind)).Msg("skip uncacheable item")
			continue
		}
		records = append(records, record)
	}

	var err error
	if q.Page <= 1 && q.ParentID == "" && q.Status == "" && strings.TrimSpace(q.Search) == "" {
		err = r.client.store.ReplaceRecords(ctx, r.kind, r.client.UserID(), records)
	} else {
		err = r.putFresh(ctx, records)
	}
	if err != nil {
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Msg("refresh cache")
	}
}

// putFresh writes remote copies without clobbering rows that carry
// unsynced local edits.
func (r *Repository[T]) putFresh(ctx context.Context, records []store.Record) error {
	fresh := records[:0:0]
	for _, record := range records {
		cached, err := r.client.store.GetRecord(ctx, r.kind, record.ID)
		if err == nil && cached.SyncStatus == store.SyncStatusPending {
			continue
		}
		fresh = append(fresh, record)
	}
	if len(fresh) == 0 {
		return nil
	}
	return r.client.store.PutRecords(ctx, fresh)
}

func (r *Repository[T]) Get(ctx context.Context, id string) (ItemResult[T], error) {
	if r.client.Online() {
		item, err := r.remote.Get(ctx, id)
		if err == nil {
			if record, err := r.toRecord(item, store.SyncStatusSynced); err == nil {
				if err := r.putFresh(ctx, []store.Record{record}); err != nil {
					logging.Warn().Err(err).Str("entity_type", string(r.kind)).Msg("refresh cache")
				}
			}
			return ItemResult[T]{Item: item, Source: SourceRemote}, nil
		}
		if api.IsNotFound(err) {
			if cached, cerr := r.client.store.GetRecord(ctx, r.kind, id); cerr != nil || cached.SyncStatus != store.SyncStatusPending {
				return ItemResult[T]{}, fmt.Errorf("get %s %s: %w", r.kind, id, store.ErrNotFound)
			}
		}
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Str("id", id).Msg("remote get failed, serving cache")
	}

	record, err := r.client.store.GetRecord(ctx, r.kind, id)
	if err != nil {
		return ItemResult[T]{}, fmt.Errorf("get %s %s: %w", r.kind, id, err)
	}
	item, err := decodeRecord[T](record)
	if err != nil {
		return ItemResult[T]{}, err
	}
	return ItemResult[T]{Item: item, Source: SourceCache}, nil
}

// Create sends item to the remote, or stores and queues it under a local
// id when that is not possible. Items failing validation are rejected
// either way.
func (r *Repository[T]) Create(ctx context.Context, item T) (WriteResult[T], error) {
	if err := r.client.remote.Validate(item); err != nil {
		return WriteResult[T]{}, err
	}
	parentID := item.Index().ParentID
	route, err := api.RouteFor(r.kind)
	if err != nil {
		return WriteResult[T]{}, err
	}
	if _, err := route.Create(parentID); err != nil {
		return WriteResult[T]{}, fmt.Errorf("%w: %w", api.ErrInvalid, err)
	}
	if r.client.Online() && !r.parentPending(ctx, parentID) {
		created, err := r.remote.Create(ctx, item)
		if err == nil {
			r.cacheWritten(ctx, created)
			return WriteResult[T]{Item: created}, nil
		}
		if errors.Is(err, api.ErrInvalid) {
			return WriteResult[T]{}, err
		}
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Msg("remote create failed, saving offline")
	}

	local := item.Stamp(r.client.newID(), r.client.now().UTC())
	if err := r.saveOffline(ctx, local, store.ActionCreate); err != nil {
		return WriteResult[T]{}, err
	}
	return WriteResult[T]{Item: local, Offline: true}, nil
}

// Update replaces entity id. An entity with queued changes is always
// updated through the queue so replay order holds.
func (r *Repository[T]) Update(ctx context.Context, id string, item T) (WriteResult[T], error) {
	if err := r.client.remote.Validate(item); err != nil {
		return WriteResult[T]{}, err
	}
	cached, cacheErr := r.client.store.GetRecord(ctx, r.kind, id)
	pending := cacheErr == nil && cached.SyncStatus == store.SyncStatusPending

	if r.client.Online() && !pending {
		updated, err := r.remote.Update(ctx, id, item)
		if err == nil {
			if updated.Index().ID == "" {
				// Platform answered without a result; keep what was sent.
				updated = item
			}
			updated = updated.Stamp(id, cached.CreatedAt)
			r.cacheWritten(ctx, updated)
			return WriteResult[T]{Item: updated}, nil
		}
		if errors.Is(err, api.ErrInvalid) {
			return WriteResult[T]{}, err
		}
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Str("id", id).Msg("remote update failed, saving offline")
	}

	createdAt := cached.CreatedAt
	if cacheErr != nil {
		createdAt = r.client.now().UTC()
	}
	local := item.Stamp(id, createdAt)
	if err := r.saveOffline(ctx, local, store.ActionUpdate); err != nil {
		return WriteResult[T]{}, err
	}
	return WriteResult[T]{Item: local, Offline: true}, nil
}

// Remove deletes entity id. The cached row goes immediately; the remote
// delete is queued when it cannot be sent now.
func (r *Repository[T]) Remove(ctx context.Context, id string) (WriteResult[T], error) {
	cached, cacheErr := r.client.store.GetRecord(ctx, r.kind, id)
	pending := cacheErr == nil && cached.SyncStatus == store.SyncStatusPending

	if r.client.Online() && !pending {
		err := r.remote.Remove(ctx, id)
		if err == nil || api.IsNotFound(err) {
			if err := r.client.store.DeleteRecord(ctx, r.kind, id); err != nil {
				logging.Warn().Err(err).Str("entity_type", string(r.kind)).Str("id", id).Msg("drop cached row")
			}
			return WriteResult[T]{}, nil
		}
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Str("id", id).Msg("remote delete failed, queueing")
	}

	if _, err := r.client.queue.EnqueueChild(ctx, r.kind, id, cached.ParentID, store.ActionDelete, nil); err != nil {
		return WriteResult[T]{}, err
	}
	if err := r.client.store.DeleteRecord(ctx, r.kind, id); err != nil {
		return WriteResult[T]{}, fmt.Errorf("drop cached %s %s: %w", r.kind, id, err)
	}
	return WriteResult[T]{Offline: true}, nil
}

// parentPending reports whether the parent only exists locally so far; a
// child of such a parent has to wait for the parent's replay.
func (r *Repository[T]) parentPending(ctx context.Context, parentID string) bool {
	if parentID == "" {
		return false
	}
	entries, err := r.client.store.Pending(ctx)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.EntityID == parentID && entry.Action == store.ActionCreate {
			return true
		}
	}
	return false
}

func (r *Repository[T]) cacheWritten(ctx context.Context, item T) {
	record, err := r.toRecord(item, store.SyncStatusSynced)
	if err != nil {
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Msg("skip uncacheable item")
		return
	}
	if err := r.client.store.PutRecords(ctx, []store.Record{record}); err != nil {
		logging.Warn().Err(err).Str("entity_type", string(r.kind)).Str("id", record.ID).Msg("cache written item")
	}
}

func (r *Repository[T]) saveOffline(ctx context.Context, item T, action store.Action) error {
	record, err := r.toRecord(item, store.SyncStatusPending)
	if err != nil {
		return err
	}
	if _, err := r.client.queue.EnqueueChild(ctx, r.kind, record.ID, record.ParentID, action, record.Data); err != nil {
		return err
	}
	if err := r.client.store.PutRecords(ctx, []store.Record{record}); err != nil {
		return fmt.Errorf("cache offline %s: %w", r.kind, err)
	}
	return nil
}

func (r *Repository[T]) toRecord(item T, status store.SyncStatus) (store.Record, error) {
	idx := item.Index()
	if idx.ID == "" {
		return store.Record{}, fmt.Errorf("%s without id", r.kind)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode %s %s: %w", r.kind, idx.ID, err)
	}
	owner := idx.OwnerID
	if owner == "" && status == store.SyncStatusPending {
		owner = r.client.UserID()
	}
	createdAt := idx.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.client.now().UTC()
	}
	return store.Record{
		Type:       r.kind,
		ID:         idx.ID,
		OwnerID:    owner,
		ParentID:   idx.ParentID,
		Status:     idx.Status,
		Text:       idx.Text,
		Data:       data,
		SyncStatus: status,
		CreatedAt:  createdAt,
		UpdatedAt:  r.client.now().UTC(),
	}, nil
}

func decodeRecord[T any](record store.Record) (T, error) {
	var item T
	if err := json.Unmarshal(record.Data, &item); err != nil {
		return item, fmt.Errorf("decode cached %s %s: %w", record.Type, record.ID, err)
	}
	return item, nil
}
