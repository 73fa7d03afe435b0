// Package store keeps the local cache and the durable sync queue.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"engage/offline/internal/config"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Queue is the durable list of mutations awaiting replay. Pending returns
// entries in ascending Seq order.
type Queue interface {
	Enqueue(ctx context.Context, entry QueueEntry) (QueueEntry, error)
	Pending(ctx context.Context) ([]QueueEntry, error)
	GetEntry(ctx context.Context, id string) (QueueEntry, error)
	MarkAttempt(ctx context.Context, id string, at time.Time, errMsg string) (QueueEntry, error)
	RemoveEntry(ctx context.Context, id string) error
	ClearQueue(ctx context.Context) (int, error)
	CountPending(ctx context.Context) (int, error)
}

// Cache holds the last known copy of remote entities.
type Cache interface {
	PutRecords(ctx context.Context, records []Record) error
	GetRecord(ctx context.Context, entityType EntityType, id string) (Record, error)
	DeleteRecord(ctx context.Context, entityType EntityType, id string) error
	ListRecords(ctx context.Context, entityType EntityType, filter Filter) ([]Record, error)
	// ReplaceRecords drops every cached row of entityType except ownerID's
	// pending ones, then writes records. Fresh rows never overwrite a kept
	// pending row.
	ReplaceRecords(ctx context.Context, entityType EntityType, ownerID string, records []Record) error
	MarkSynced(ctx context.Context, entityType EntityType, id string) error
}

type Store interface {
	Queue
	Cache
	// RemapID moves a locally assigned id to the id the server returned:
	// queue entries referencing oldID (as entity or parent) and the cached
	// row follow.
	RemapID(ctx context.Context, entityType EntityType, oldID, newID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "badger":
		return OpenBadger(BadgerOptions{Path: cfg.Path, SyncWrites: cfg.SyncWrites})
	case "postgres":
		db, err := OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := ApplyMigrations(ctx, db, Migrations); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewPostgresStore(db), nil
	case "redis":
		return NewRedisStore(cfg.RedisURL, cfg.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
