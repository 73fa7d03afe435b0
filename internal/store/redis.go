package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the queue and cache in Redis so several gateway
// processes on one host can share them.
//
// Keys, all under prefix:
//
//	queue              ZSET of entry ids scored by seq
//	queue:seq          counter
//	queue:entry:<id>   entry JSON
//	cache:<type>       SET of cached ids
//	cache:<type>:<id>  record JSON
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) queueKey() string           { return s.prefix + "queue" }
func (s *RedisStore) seqKey() string             { return s.prefix + "queue:seq" }
func (s *RedisStore) entryKey(id string) string  { return s.prefix + "queue:entry:" + id }
func (s *RedisStore) setKey(t EntityType) string { return s.prefix + "cache:" + string(t) }
func (s *RedisStore) recordKey(t EntityType, id string) string {
	return s.prefix + "cache:" + string(t) + ":" + id
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Enqueue(ctx context.Context, entry QueueEntry) (QueueEntry, error) {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("next queue seq: %w", err)
	}
	entry.Seq = uint64(seq)

	data, err := json.Marshal(entry)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("marshal queue entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.entryKey(entry.ID), data, 0)
		pipe.ZAdd(ctx, s.queueKey(), redis.Z{Score: float64(entry.Seq), Member: entry.ID})
		return nil
	})
	if err != nil {
		return QueueEntry{}, fmt.Errorf("write queue entry: %w", err)
	}
	return entry, nil
}

func (s *RedisStore) Pending(ctx context.Context) ([]QueueEntry, error) {
	ids, err := s.client.ZRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load queue entries: %w", err)
	}
	entries := make([]QueueEntry, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var entry QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal queue entry %s: %w", ids[i], err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) GetEntry(ctx context.Context, id string) (QueueEntry, error) {
	raw, err := s.client.Get(ctx, s.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	var entry QueueEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return QueueEntry{}, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return entry, nil
}

func (s *RedisStore) MarkAttempt(ctx context.Context, id string, at time.Time, errMsg string) (QueueEntry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return QueueEntry{}, err
	}
	attempt := at.UTC()
	entry.RetryCount++
	entry.LastAttempt = &attempt
	entry.Error = errMsg

	data, err := json.Marshal(entry)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("marshal queue entry: %w", err)
	}
	// XX: an entry removed in the meantime stays removed.
	ok, err := s.client.SetXX(ctx, s.entryKey(id), data, 0).Result()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("update queue entry: %w", err)
	}
	if !ok {
		return QueueEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *RedisStore) RemoveEntry(ctx context.Context, id string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, s.queueKey(), id)
		pipe.Del(ctx, s.entryKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove queue entry: %w", err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) ClearQueue(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.entryKey(id))
		}
		pipe.ZRem(ctx, s.queueKey(), toMembers(ids)...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return len(ids), nil
}

func (s *RedisStore) CountPending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) PutRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueRecordWrites(ctx, pipe, records)
	})
	if err != nil {
		return fmt.Errorf("put records: %w", err)
	}
	return nil
}

func (s *RedisStore) queueRecordWrites(ctx context.Context, pipe redis.Pipeliner, records []Record) error {
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", record.ID, err)
		}
		pipe.Set(ctx, s.recordKey(record.Type, record.ID), data, 0)
		pipe.SAdd(ctx, s.setKey(record.Type), record.ID)
	}
	return nil
}

func (s *RedisStore) GetRecord(ctx context.Context, entityType EntityType, id string) (Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(entityType, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return record, nil
}

func (s *RedisStore) DeleteRecord(ctx context.Context, entityType EntityType, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(entityType, id))
		pipe.SRem(ctx, s.setKey(entityType), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *RedisStore) loadAll(ctx context.Context, entityType EntityType) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.setKey(entityType)).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(entityType, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load cached records: %w", err)
	}
	records := make([]Record, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", ids[i], err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) ListRecords(ctx context.Context, entityType EntityType, filter Filter) ([]Record, error) {
	records, err := s.loadAll(ctx, entityType)
	if err != nil {
		return nil, err
	}
	return filterMatching(records, filter), nil
}

func (s *RedisStore) ReplaceRecords(ctx context.Context, entityType EntityType, ownerID string, records []Record) error {
	existing, err := s.loadAll(ctx, entityType)
	if err != nil {
		return err
	}
	kept := make(map[string]struct{})
	var stale []string
	for _, record := range existing {
		if survivesReplace(record, ownerID) {
			kept[record.ID] = struct{}{}
			continue
		}
		stale = append(stale, record.ID)
	}
	fresh := make([]Record, 0, len(records))
	for _, record := range records {
		if _, ok := kept[record.ID]; !ok {
			fresh = append(fresh, record)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range stale {
			pipe.Del(ctx, s.recordKey(entityType, id))
		}
		if len(stale) > 0 {
			pipe.SRem(ctx, s.setKey(entityType), toMembers(stale)...)
		}
		return s.queueRecordWrites(ctx, pipe, fresh)
	})
	if err != nil {
		return fmt.Errorf("replace records: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkSynced(ctx context.Context, entityType EntityType, id string) error {
	record, err := s.GetRecord(ctx, entityType, id)
	if err != nil {
		return err
	}
	record.SyncStatus = SyncStatusSynced
	record.UpdatedAt = time.Now().UTC()
	return s.PutRecords(ctx, []Record{record})
}

func (s *RedisStore) RemapID(ctx context.Context, entityType EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	entries, err := s.Pending(ctx)
	if err != nil {
		return err
	}
	var entryWrites []QueueEntry
	for _, entry := range entries {
		changed := false
		if entry.EntityType == entityType && entry.EntityID == oldID {
			entry.EntityID = newID
			changed = true
		}
		if entry.ParentID == oldID {
			entry.ParentID = newID
			changed = true
		}
		if changed {
			entryWrites = append(entryWrites, entry)
		}
	}

	var recordWrites []Record
	for _, t := range EntityTypes {
		records, err := s.loadAll(ctx, t)
		if err != nil {
			return err
		}
		for _, record := range records {
			if record.ParentID == oldID {
				record.ParentID = newID
				recordWrites = append(recordWrites, record)
			}
		}
	}

	self, err := s.GetRecord(ctx, entityType, oldID)
	moveSelf := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if moveSelf {
		// A child rewrite above may already hold a copy of this row.
		for _, record := range recordWrites {
			if record.Type == entityType && record.ID == oldID {
				self.ParentID = record.ParentID
			}
		}
		self.ID = newID
		self.Data = withDataID(self.Data, newID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entryWrites {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal queue entry: %w", err)
			}
			pipe.Set(ctx, s.entryKey(entry.ID), data, 0)
		}
		writes := make([]Record, 0, len(recordWrites)+1)
		for _, record := range recordWrites {
			if moveSelf && record.Type == entityType && record.ID == oldID {
				continue
			}
			writes = append(writes, record)
		}
		if moveSelf {
			pipe.Del(ctx, s.recordKey(entityType, oldID))
			pipe.SRem(ctx, s.setKey(entityType), oldID)
			writes = append(writes, self)
		}
		return s.queueRecordWrites(ctx, pipe, writes)
	})
	if err != nil {
		return fmt.Errorf("remap id: %w", err)
	}
	return nil
}

func toMembers(ids []string) []interface{} {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return members
}
