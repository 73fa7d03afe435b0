package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"engage/offline/internal/logging"
)

// Key layout:
//
//	q:<seq, 20 digits>   queue entry
//	qi:<entry id>        -> queue key
//	c:<type>:<id>        cached record
const (
	prefixQueue      = "q:"
	prefixQueueIndex = "qi:"
	prefixCache      = "c:"
	queueSequenceKey = "seq:queue"
)

type BadgerOptions struct {
	Path string
	// SyncWrites fsyncs every commit. Keep it on outside tests.
	SyncWrites bool
	// InMemory skips the disk entirely; used by tests that do not reopen.
	InMemory bool
}

// BadgerStore is the on-device backend.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.RWMutex
	closed bool
}

func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts.SyncWrites = opts.SyncWrites
	badgerOpts.Logger = nil

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(queueSequenceKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}

	logging.Info().Str("path", opts.Path).Bool("sync_writes", opts.SyncWrites).Msg("badger store opened")
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *BadgerStore) Ping(context.Context) error {
	return s.checkOpen()
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("release queue sequence")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func queueKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixQueue, seq))
}

func queueIndexKey(id string) []byte {
	return []byte(prefixQueueIndex + id)
}

func cacheKey(entityType EntityType, id string) []byte {
	return []byte(prefixCache + string(entityType) + ":" + id)
}

func cachePrefix(entityType EntityType) []byte {
	return []byte(prefixCache + string(entityType) + ":")
}

func getJSON(txn *badger.Txn, key []byte, target any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, target)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func (s *BadgerStore) Enqueue(ctx context.Context, entry QueueEntry) (QueueEntry, error) {
	if err := s.checkOpen(); err != nil {
		return QueueEntry{}, err
	}
	next, err := s.seq.Next()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("next queue seq: %w", err)
	}
	entry.Seq = next + 1

	err = s.db.Update(func(txn *badger.Txn) error {
		key := queueKey(entry.Seq)
		if err := setJSON(txn, key, entry); err != nil {
			return err
		}
		return txn.Set(queueIndexKey(entry.ID), key)
	})
	if err != nil {
		return QueueEntry{}, fmt.Errorf("write queue entry: %w", err)
	}
	return entry, nil
}

func (s *BadgerStore) Pending(ctx context.Context) ([]QueueEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var entries []QueueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry QueueEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skip unreadable queue entry")
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return entries, nil
}

func (s *BadgerStore) lookupQueueKey(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get(queueIndexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *BadgerStore) GetEntry(ctx context.Context, id string) (QueueEntry, error) {
	if err := s.checkOpen(); err != nil {
		return QueueEntry{}, err
	}
	var entry QueueEntry
	err := s.db.View(func(txn *badger.Txn) error {
		key, err := s.lookupQueueKey(txn, id)
		if err != nil {
			return err
		}
		return getJSON(txn, key, &entry)
	})
	if err != nil {
		return QueueEntry{}, err
	}
	return entry, nil
}

func (s *BadgerStore) MarkAttempt(ctx context.Context, id string, at time.Time, errMsg string) (QueueEntry, error) {
	if err := s.checkOpen(); err != nil {
		return QueueEntry{}, err
	}
	var entry QueueEntry
	err := s.db.Update(func(txn *badger.Txn) error {
		key, err := s.lookupQueueKey(txn, id)
		if err != nil {
			return err
		}
		if err := getJSON(txn, key, &entry); err != nil {
			return err
		}
		attempt := at.UTC()
		entry.RetryCount++
		entry.LastAttempt = &attempt
		entry.Error = errMsg
		return setJSON(txn, key, entry)
	})
	if err != nil {
		return QueueEntry{}, err
	}
	return entry, nil
}

func (s *BadgerStore) RemoveEntry(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key, err := s.lookupQueueKey(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(queueIndexKey(id))
	})
}

func (s *BadgerStore) ClearQueue(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	entries, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, entry := range entries {
		if err := wb.Delete(queueKey(entry.Seq)); err != nil {
			return 0, fmt.Errorf("clear queue: %w", err)
		}
		if err := wb.Delete(queueIndexKey(entry.ID)); err != nil {
			return 0, fmt.Errorf("clear queue: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return len(entries), nil
}

func (s *BadgerStore) CountPending(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return count, nil
}

func (s *BadgerStore) PutRecords(ctx context.Context, records []Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, record := range records {
			if err := setJSON(txn, cacheKey(record.Type, record.ID), record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) GetRecord(ctx context.Context, entityType EntityType, id string) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}
	var record Record
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, cacheKey(entityType, id), &record)
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *BadgerStore) DeleteRecord(ctx context.Context, entityType EntityType, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(entityType, id))
	})
}

func (s *BadgerStore) scanRecords(txn *badger.Txn, prefix []byte, fn func(Record) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var record Record
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skip unreadable cached record")
			continue
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) ListRecords(ctx context.Context, entityType EntityType, filter Filter) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var records []Record
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scanRecords(txn, cachePrefix(entityType), func(record Record) error {
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return filterMatching(records, filter), nil
}

func (s *BadgerStore) ReplaceRecords(ctx context.Context, entityType EntityType, ownerID string, records []Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		kept := make(map[string]struct{})
		var stale [][]byte
		err := s.scanRecords(txn, cachePrefix(entityType), func(record Record) error {
			if survivesReplace(record, ownerID) {
				kept[record.ID] = struct{}{}
				return nil
			}
			stale = append(stale, cacheKey(entityType, record.ID))
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, record := range records {
			if _, ok := kept[record.ID]; ok {
				continue
			}
			if err := setJSON(txn, cacheKey(entityType, record.ID), record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) MarkSynced(ctx context.Context, entityType EntityType, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := cacheKey(entityType, id)
		var record Record
		if err := getJSON(txn, key, &record); err != nil {
			return err
		}
		record.SyncStatus = SyncStatusSynced
		record.UpdatedAt = time.Now().UTC()
		return setJSON(txn, key, record)
	})
}

func (s *BadgerStore) RemapID(ctx context.Context, entityType EntityType, oldID, newID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if oldID == newID {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		type rewrite struct {
			key   []byte
			entry QueueEntry
		}
		var rewrites []rewrite
		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry QueueEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
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
				rewrites = append(rewrites, rewrite{key: it.Item().KeyCopy(nil), entry: entry})
			}
		}
		it.Close()
		for _, rw := range rewrites {
			if err := setJSON(txn, rw.key, rw.entry); err != nil {
				return err
			}
		}

		var children []Record
		err := s.scanRecords(txn, []byte(prefixCache), func(record Record) error {
			if record.ParentID == oldID {
				record.ParentID = newID
				children = append(children, record)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := setJSON(txn, cacheKey(child.Type, child.ID), child); err != nil {
				return err
			}
		}

		var record Record
		err = getJSON(txn, cacheKey(entityType, oldID), &record)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		record.ID = newID
		record.Data = withDataID(record.Data, newID)
		if err := txn.Delete(cacheKey(entityType, oldID)); err != nil {
			return err
		}
		return setJSON(txn, cacheKey(entityType, newID), record)
	})
}

// withDataID rewrites the "id" field of a JSON object. Non-objects are
// returned unchanged.
func withDataID(data json.RawMessage, id string) json.RawMessage {
	if len(data) == 0 || !strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return data
	}
	fields["id"] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return out
}
