package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("queue order and removal", func(t *testing.T) {
		testQueueOrder(t, open(t))
	})
	t.Run("mark attempt", func(t *testing.T) {
		testMarkAttempt(t, open(t))
	})
	t.Run("clear queue", func(t *testing.T) {
		testClearQueue(t, open(t))
	})
	t.Run("records filter and sort", func(t *testing.T) {
		testListRecords(t, open(t))
	})
	t.Run("replace keeps pending", func(t *testing.T) {
		testReplaceRecords(t, open(t))
	})
	t.Run("mark synced", func(t *testing.T) {
		testMarkSynced(t, open(t))
	})
	t.Run("remap id", func(t *testing.T) {
		testRemapID(t, open(t))
	})
}

func newEntry(id string, entityType EntityType, entityID string, action Action) QueueEntry {
	return QueueEntry{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Payload:    json.RawMessage(`{"text":"hi"}`),
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func entryIDs(entries []QueueEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

func recordIDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func testQueueOrder(t *testing.T, s Store) {
	ctx := context.Background()
	var last uint64
	for _, id := range []string{"e1", "e2", "e3"} {
		entry, err := s.Enqueue(ctx, newEntry(id, EntityComment, "c-"+id, ActionCreate))
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		if entry.Seq <= last {
			t.Fatalf("seq %d not above %d", entry.Seq, last)
		}
		last = entry.Seq
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if diff := cmp.Diff([]string{"e1", "e2", "e3"}, entryIDs(pending)); diff != "" {
		t.Fatalf("pending order (-want +got):\n%s", diff)
	}
	if string(pending[0].Payload) != `{"text":"hi"}` {
		t.Fatalf("payload = %s", pending[0].Payload)
	}

	if err := s.RemoveEntry(ctx, "e2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveEntry(ctx, "e2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetEntry(ctx, "e2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get removed err = %v, want ErrNotFound", err)
	}
	count, err := s.CountPending(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	entry, err := s.Enqueue(ctx, newEntry("e4", EntityComment, "c-e4", ActionUpdate))
	if err != nil {
		t.Fatalf("enqueue e4: %v", err)
	}
	if entry.Seq <= last {
		t.Fatalf("seq reused after removal: %d <= %d", entry.Seq, last)
	}
}

func testMarkAttempt(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.Enqueue(ctx, newEntry("e1", EntityFeedback, "f1", ActionCreate)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	for i := 1; i <= 2; i++ {
		entry, err := s.MarkAttempt(ctx, "e1", at, "boom")
		if err != nil {
			t.Fatalf("mark attempt: %v", err)
		}
		if entry.RetryCount != i {
			t.Fatalf("retry count = %d, want %d", entry.RetryCount, i)
		}
	}
	entry, err := s.GetEntry(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Error != "boom" || entry.LastAttempt == nil || !entry.LastAttempt.Equal(at) {
		t.Fatalf("entry after attempts = %+v", entry)
	}
	if _, err := s.MarkAttempt(ctx, "missing", at, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mark missing err = %v, want ErrNotFound", err)
	}
}

func testClearQueue(t *testing.T, s Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := s.Enqueue(ctx, newEntry(id, EntitySurvey, id, ActionDelete)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	n, err := s.ClearQueue(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}
	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after clear = %v", entryIDs(pending))
	}
}

func record(id, owner, parent string, created time.Time, status SyncStatus) Record {
	return Record{
		Type:       EntityComment,
		ID:         id,
		OwnerID:    owner,
		ParentID:   parent,
		Status:     "open",
		Text:       "Comment " + id,
		Data:       json.RawMessage(`{"id":"` + id + `","content":"Comment ` + id + `"}`),
		SyncStatus: status,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func testListRecords(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		record("c1", "u1", "s1", base, SyncStatusSynced),
		record("c2", "u1", "s1", base.Add(time.Hour), SyncStatusSynced),
		record("c3", "u2", "s2", base.Add(2*time.Hour), SyncStatusPending),
	}
	records[1].Text = "Needs a ramp at the entrance"
	if err := s.PutRecords(ctx, records); err != nil {
		t.Fatalf("put: %v", err)
	}

	all, err := s.ListRecords(ctx, EntityComment, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"c3", "c2", "c1"}, recordIDs(all)); diff != "" {
		t.Fatalf("newest first (-want +got):\n%s", diff)
	}

	bySession, err := s.ListRecords(ctx, EntityComment, Filter{ParentID: "s1"})
	if err != nil {
		t.Fatalf("list by parent: %v", err)
	}
	if diff := cmp.Diff([]string{"c2", "c1"}, recordIDs(bySession)); diff != "" {
		t.Fatalf("parent filter (-want +got):\n%s", diff)
	}

	searched, err := s.ListRecords(ctx, EntityComment, Filter{Search: "RAMP"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if diff := cmp.Diff([]string{"c2"}, recordIDs(searched)); diff != "" {
		t.Fatalf("search (-want +got):\n%s", diff)
	}

	if err := s.DeleteRecord(ctx, EntityComment, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRecord(ctx, EntityComment, "c1"); err != nil {
		t.Fatalf("delete is idempotent: %v", err)
	}
	if _, err := s.GetRecord(ctx, EntityComment, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted err = %v, want ErrNotFound", err)
	}
	other, err := s.ListRecords(ctx, EntityFeedback, Filter{})
	if err != nil {
		t.Fatalf("list other type: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("types leak: %v", recordIDs(other))
	}
}

func testReplaceRecords(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	local := record("local-1", "u1", "s1", base.Add(3*time.Hour), SyncStatusPending)
	local.Text = "my offline edit"
	if err := s.PutRecords(ctx, []Record{
		record("old", "u1", "s1", base, SyncStatusSynced),
		local,
		record("theirs", "u2", "s1", base, SyncStatusPending),
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	fresh := []Record{
		record("new", "u1", "s1", base.Add(time.Hour), SyncStatusSynced),
		record("local-1", "u1", "s1", base.Add(time.Hour), SyncStatusSynced),
	}
	if err := s.ReplaceRecords(ctx, EntityComment, "u1", fresh); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := s.ListRecords(ctx, EntityComment, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"local-1", "new"}, recordIDs(got)); diff != "" {
		t.Fatalf("after replace (-want +got):\n%s", diff)
	}
	kept, err := s.GetRecord(ctx, EntityComment, "local-1")
	if err != nil {
		t.Fatalf("get kept: %v", err)
	}
	if kept.Text != "my offline edit" || kept.SyncStatus != SyncStatusPending {
		t.Fatalf("pending row overwritten: %+v", kept)
	}
}

func testMarkSynced(t *testing.T, s Store) {
	ctx := context.Background()
	r := record("c1", "u1", "s1", time.Now().UTC(), SyncStatusPending)
	if err := s.PutRecords(ctx, []Record{r}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.MarkSynced(ctx, EntityComment, "c1"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	got, err := s.GetRecord(ctx, EntityComment, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncStatus != SyncStatusSynced {
		t.Fatalf("sync status = %q", got.SyncStatus)
	}
	if err := s.MarkSynced(ctx, EntityComment, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mark missing err = %v, want ErrNotFound", err)
	}
}

func testRemapID(t *testing.T, s Store) {
	ctx := context.Background()
	session := Record{
		Type:       EntityCommunitySession,
		ID:         "local-s",
		OwnerID:    "u1",
		Data:       json.RawMessage(`{"id":"local-s","title":"Town hall"}`),
		SyncStatus: SyncStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	child := record("local-c", "u1", "local-s", time.Now().UTC(), SyncStatusPending)
	if err := s.PutRecords(ctx, []Record{session, child}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Enqueue(ctx, newEntry("q1", EntityCommunitySession, "local-s", ActionCreate)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	childEntry := newEntry("q2", EntityComment, "local-c", ActionCreate)
	childEntry.ParentID = "local-s"
	if _, err := s.Enqueue(ctx, childEntry); err != nil {
		t.Fatalf("enqueue child: %v", err)
	}

	if err := s.RemapID(ctx, EntityCommunitySession, "local-s", "srv-9"); err != nil {
		t.Fatalf("remap: %v", err)
	}

	if _, err := s.GetRecord(ctx, EntityCommunitySession, "local-s"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old id still cached: %v", err)
	}
	moved, err := s.GetRecord(ctx, EntityCommunitySession, "srv-9")
	if err != nil {
		t.Fatalf("get remapped: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal(moved.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["id"] != "srv-9" || data["title"] != "Town hall" {
		t.Fatalf("data after remap = %v", data)
	}

	gotChild, err := s.GetRecord(ctx, EntityComment, "local-c")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if gotChild.ParentID != "srv-9" {
		t.Fatalf("child parent = %q, want srv-9", gotChild.ParentID)
	}

	pending, err := s.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending[0].EntityID != "srv-9" {
		t.Fatalf("entry entity id = %q", pending[0].EntityID)
	}
	if pending[1].ParentID != "srv-9" || pending[1].EntityID != "local-c" {
		t.Fatalf("child entry = %+v", pending[1])
	}
}
