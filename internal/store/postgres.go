package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const queueColumns = `seq, id, entity_type, entity_id, parent_id, action, payload::text, retry_count, created_at, last_attempt, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (QueueEntry, error) {
	var (
		entry       QueueEntry
		seq         int64
		entityType  string
		action      string
		payload     sql.NullString
		lastAttempt sql.NullTime
	)
	if err := row.Scan(&seq, &entry.ID, &entityType, &entry.EntityID, &entry.ParentID, &action, &payload, &entry.RetryCount, &entry.CreatedAt, &lastAttempt, &entry.Error); err != nil {
		return QueueEntry{}, err
	}
	entry.Seq = uint64(seq)
	entry.EntityType = EntityType(entityType)
	entry.Action = Action(action)
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	if lastAttempt.Valid {
		at := lastAttempt.Time.UTC()
		entry.LastAttempt = &at
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, entry QueueEntry) (QueueEntry, error) {
	query := `
		INSERT INTO sync_queue (id, entity_type, entity_id, parent_id, action, payload, retry_count, created_at, error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::jsonb, $7, $8, $9)
		RETURNING ` + queueColumns
	row := s.db.QueryRowContext(ctx, query,
		entry.ID, string(entry.EntityType), entry.EntityID, entry.ParentID, string(entry.Action),
		string(entry.Payload), entry.RetryCount, entry.CreatedAt, entry.Error)
	stored, err := scanEntry(row)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("insert queue entry: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) Pending(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (QueueEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) MarkAttempt(ctx context.Context, id string, at time.Time, errMsg string) (QueueEntry, error) {
	query := `
		UPDATE sync_queue
		SET retry_count = retry_count + 1, last_attempt = $2, error = $3
		WHERE id = $1
		RETURNING ` + queueColumns
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id, at.UTC(), errMsg))
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("mark attempt: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) RemoveEntry(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("remove queue entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove queue entry: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearQueue(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return count, nil
}

const recordColumns = `entity_type, id, owner_id, parent_id, status, search_text, data::text, sync_status, created_at, updated_at`

func scanRecord(row rowScanner) (Record, error) {
	var (
		record     Record
		entityType string
		data       string
		syncStatus string
	)
	if err := row.Scan(&entityType, &record.ID, &record.OwnerID, &record.ParentID, &record.Status, &record.Text, &data, &syncStatus, &record.CreatedAt, &record.UpdatedAt); err != nil {
		return Record{}, err
	}
	record.Type = EntityType(entityType)
	record.Data = json.RawMessage(data)
	record.SyncStatus = SyncStatus(syncStatus)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

const upsertRecord = `
	INSERT INTO cached_records (entity_type, id, owner_id, parent_id, status, search_text, data, sync_status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
	ON CONFLICT (entity_type, id) DO UPDATE SET
		owner_id=EXCLUDED.owner_id,
		parent_id=EXCLUDED.parent_id,
		status=EXCLUDED.status,
		search_text=EXCLUDED.search_text,
		data=EXCLUDED.data,
		sync_status=EXCLUDED.sync_status,
		created_at=EXCLUDED.created_at,
		updated_at=EXCLUDED.updated_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRecord(ctx context.Context, db execer, record Record) error {
	data := string(record.Data)
	if data == "" {
		data = "{}"
	}
	_, err := db.ExecContext(ctx, upsertRecord,
		string(record.Type), record.ID, record.OwnerID, record.ParentID, record.Status, record.Text,
		data, string(record.SyncStatus), record.CreatedAt.UTC(), record.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", record.Type, record.ID, err)
	}
	return nil
}

func (s *PostgresStore) PutRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put records: %w", err)
	}
	for _, record := range records {
		if err := putRecord(ctx, tx, record); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put records: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, entityType EntityType, id string) (Record, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM cached_records WHERE entity_type=$1 AND id=$2`, string(entityType), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, entityType EntityType, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_records WHERE entity_type=$1 AND id=$2`, string(entityType), id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, entityType EntityType, filter Filter) ([]Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM cached_records
		WHERE entity_type = $1
			AND ($2 = '' OR owner_id = $2)
			AND ($3 = '' OR parent_id = $3)
			AND ($4 = '' OR LOWER(status) = LOWER($4))
			AND ($5 = '' OR POSITION(LOWER($5) IN LOWER(search_text)) > 0)
		ORDER BY created_at DESC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(entityType), filter.OwnerID, filter.ParentID, filter.Status, filter.Search)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	// Search is trimmed in Go; re-check so every backend agrees.
	return filterMatching(records, filter), nil
}

func (s *PostgresStore) ReplaceRecords(ctx context.Context, entityType EntityType, ownerID string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cached_records
		WHERE entity_type = $1 AND NOT (owner_id = $2 AND sync_status = 'pending')
	`, string(entityType), ownerID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear stale records: %w", err)
	}
	for _, record := range records {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM cached_records WHERE entity_type=$1 AND id=$2)`, string(entityType), record.ID).Scan(&exists); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("check kept record: %w", err)
		}
		if exists {
			continue
		}
		if err := putRecord(ctx, tx, record); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace records: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSynced(ctx context.Context, entityType EntityType, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE cached_records SET sync_status='synced', updated_at=NOW() WHERE entity_type=$1 AND id=$2`, string(entityType), id)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RemapID(ctx context.Context, entityType EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remap: %w", err)
	}
	statements := []struct {
		query string
		args  []any
	}{
		{`UPDATE sync_queue SET entity_id=$3 WHERE entity_type=$1 AND entity_id=$2`, []any{string(entityType), oldID, newID}},
		{`UPDATE sync_queue SET parent_id=$2 WHERE parent_id=$1`, []any{oldID, newID}},
		{`DELETE FROM cached_records WHERE entity_type=$1 AND id=$2 AND EXISTS (SELECT 1 FROM cached_records WHERE entity_type=$1 AND id=$3)`, []any{string(entityType), newID, oldID}},
		{`UPDATE cached_records SET id=$3, data=jsonb_set(data, '{id}', to_jsonb($3::text)) WHERE entity_type=$1 AND id=$2`, []any{string(entityType), oldID, newID}},
		{`UPDATE cached_records SET parent_id=$2 WHERE parent_id=$1`, []any{oldID, newID}},
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("remap %s %s: %w", entityType, oldID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remap: %w", err)
	}
	return nil
}
