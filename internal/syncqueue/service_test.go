package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"engage/offline/internal/netstatus"
	"engage/offline/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRemote applies replayed entries to an in-memory map and records the
// calls it saw.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []string
	state   map[string]string
	fail    map[string]error
	created map[string]string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{state: map[string]string{}, fail: map[string]error{}, created: map[string]string{}}
}

func (f *fakeRemote) Replay(ctx context.Context, entry store.QueueEntry) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := fmt.Sprintf("%s %s %s", entry.Action, entry.EntityType, entry.EntityID)
	if entry.ParentID != "" {
		call += " parent=" + entry.ParentID
	}
	f.calls = append(f.calls, call)
	if err := f.fail[entry.EntityID]; err != nil {
		return Outcome{}, err
	}
	id := entry.EntityID
	if serverID, ok := f.created[id]; ok && entry.Action == store.ActionCreate {
		id = serverID
	}
	switch entry.Action {
	case store.ActionDelete:
		delete(f.state, id)
	default:
		f.state[id] = string(entry.Payload)
	}
	if id != entry.EntityID {
		return Outcome{ServerID: id}, nil
	}
	return Outcome{}, nil
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenBadger(store.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newService(t *testing.T, st store.Store, remote Replayer, network netstatus.Source, clock *fakeClock) *Service {
	t.Helper()
	return New(st, remote, network, Options{
		Interval:         time.Hour,
		RetryBackoff:     time.Second,
		MaxBackoff:       time.Minute,
		FailingThreshold: 3,
		Now:              clock.Now,
	})
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func payload(s string) json.RawMessage {
	return json.RawMessage(`{"v":"` + s + `"}`)
}

func mustEnqueue(t *testing.T, svc *Service, entityType store.EntityType, id string, action store.Action, body json.RawMessage) store.QueueEntry {
	t.Helper()
	entry, err := svc.Enqueue(context.Background(), entityType, id, action, body)
	if err != nil {
		t.Fatalf("enqueue %s %s: %v", action, id, err)
	}
	return entry
}

func pendingCount(t *testing.T, st store.Store) int {
	t.Helper()
	n, err := st.CountPending(context.Background())
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	return n
}

func TestDrainEmptiesQueueAndRemoteHasLastAction(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	svc := newService(t, st, remote, netstatus.NewManual(true), newClock())

	mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionCreate, payload("draft"))
	mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionUpdate, payload("final"))
	mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("hello"))
	mustEnqueue(t, svc, store.EntityComment, "c1", store.ActionCreate, payload("x"))
	mustEnqueue(t, svc, store.EntityComment, "c1", store.ActionDelete, nil)

	result, err := svc.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Succeeded != 5 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if n := pendingCount(t, st); n != 0 {
		t.Fatalf("pending after drain = %d", n)
	}
	want := map[string]string{"s1": `{"v":"final"}`, "f1": `{"v":"hello"}`}
	if diff := cmp.Diff(want, remote.state); diff != "" {
		t.Fatalf("remote state (-want +got):\n%s", diff)
	}
}

func TestSecondDrainMakesNoRemoteCalls(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	svc := newService(t, st, remote, netstatus.NewManual(true), newClock())

	mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("a"))
	if _, err := svc.Drain(context.Background()); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	before := len(remote.Calls())

	result, err := svc.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if after := len(remote.Calls()); after != before {
		t.Fatalf("second drain made %d calls", after-before)
	}
	if result.Attempted != 0 {
		t.Fatalf("second drain attempted %d", result.Attempted)
	}
}

func TestFailingEntrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	remote := newFakeRemote()
	remote.fail["f1"] = errors.New("503 service unavailable")
	clock := newClock()

	last := 0
	for run := 0; run < 3; run++ {
		st, err := store.OpenBadger(store.BadgerOptions{Path: dir, SyncWrites: true})
		if err != nil {
			t.Fatalf("open run %d: %v", run, err)
		}
		svc := newService(t, st, remote, netstatus.NewManual(true), clock)
		if run == 0 {
			mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("keep me"))
		}
		if _, err := svc.ForceSync(ctx); err != nil {
			t.Fatalf("force sync run %d: %v", run, err)
		}
		entries, err := st.Pending(ctx)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("run %d: entries = %d, want 1", run, len(entries))
		}
		if entries[0].RetryCount <= last {
			t.Fatalf("run %d: retry count %d did not increase from %d", run, entries[0].RetryCount, last)
		}
		last = entries[0].RetryCount
		if entries[0].Error != "503 service unavailable" || entries[0].LastAttempt == nil {
			t.Fatalf("attempt not recorded: %+v", entries[0])
		}
		if err := st.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestUpdateThenDeleteReplayInOrder(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	svc := newService(t, st, remote, netstatus.NewManual(true), newClock())

	mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionUpdate, payload("v2"))
	mustEnqueue(t, svc, store.EntityProject, "p1", store.ActionUpdate, payload("p"))
	mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionDelete, nil)

	if _, err := svc.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{"update survey s1", "update project p1", "delete survey s1"}
	if diff := cmp.Diff(want, remote.Calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestDrainIsNoOpWhileOffline(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	svc := newService(t, st, remote, netstatus.NewManual(false), newClock())

	mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("a"))
	result, err := svc.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("force sync: %v", err)
	}
	if result.Skipped != skippedOffline {
		t.Fatalf("skipped = %q", result.Skipped)
	}
	if len(remote.Calls()) != 0 || pendingCount(t, st) != 1 {
		t.Fatalf("offline drain touched the queue: calls=%v", remote.Calls())
	}
}

func TestConcurrentDrainReturnsImmediately(t *testing.T) {
	st := openStore(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	replayer := ReplayerFunc(func(ctx context.Context, entry store.QueueEntry) (Outcome, error) {
		once.Do(func() { close(entered) })
		<-release
		return Outcome{}, nil
	})
	svc := newService(t, st, replayer, netstatus.NewManual(true), newClock())
	mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("a"))

	done := make(chan DrainResult, 1)
	go func() {
		result, _ := svc.Drain(context.Background())
		done <- result
	}()
	<-entered

	second, err := svc.ForceSync(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if second.Skipped != skippedInProgress {
		t.Fatalf("second drain skipped = %q, want in progress", second.Skipped)
	}
	status, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Draining {
		t.Fatal("status should report the drain in flight")
	}

	close(release)
	if first := <-done; first.Succeeded != 1 {
		t.Fatalf("first drain = %+v", first)
	}
}

func TestBackoffHoldsOnlyTheFailingEntity(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	remote.fail["s1"] = errors.New("timeout")
	clock := newClock()
	svc := newService(t, st, remote, netstatus.NewManual(true), clock)
	ctx := context.Background()

	mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionUpdate, payload("v2"))
	mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionDelete, nil)
	mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("a"))

	first, err := svc.Drain(ctx)
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if first.Failed != 1 || first.Held != 1 || first.Succeeded != 1 {
		t.Fatalf("first drain = %+v", first)
	}

	// Still inside the 1s backoff: nothing is attempted.
	delete(remote.fail, "s1")
	clock.Advance(500 * time.Millisecond)
	second, err := svc.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if second.Attempted != 0 || second.Held != 2 {
		t.Fatalf("second drain = %+v", second)
	}

	clock.Advance(time.Second)
	third, err := svc.Drain(ctx)
	if err != nil {
		t.Fatalf("third drain: %v", err)
	}
	if third.Succeeded != 2 {
		t.Fatalf("third drain = %+v", third)
	}
	want := []string{"update survey s1", "create feedback f1", "update survey s1", "delete survey s1"}
	if diff := cmp.Diff(want, remote.Calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestRepeatedlyFailingFlag(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	remote.fail["f1"] = errors.New("422 invalid")
	svc := newService(t, st, remote, netstatus.NewManual(true), newClock())
	ctx := context.Background()

	mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("bad"))
	for i := 0; i < 3; i++ {
		if _, err := svc.ForceSync(ctx); err != nil {
			t.Fatalf("force sync: %v", err)
		}
		status, err := svc.Status(ctx)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		wantFailing := i+1 >= 3
		if got := len(status.Failing) == 1; got != wantFailing {
			t.Fatalf("attempt %d: failing = %v, want %v", i+1, got, wantFailing)
		}
		if status.Pending != 1 {
			t.Fatalf("entry dropped after %d failures", i+1)
		}
	}

	views, err := svc.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if views[0].NextAttempt == nil || !views[0].RepeatedlyFailing {
		t.Fatalf("view = %+v", views[0])
	}
}

func TestCreateRemapFollowsToLaterEntries(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	remote.created["local-s"] = "srv-1"
	svc := newService(t, st, remote, netstatus.NewManual(true), newClock())
	ctx := context.Background()

	if err := st.PutRecords(ctx, []store.Record{
		{Type: store.EntityCommunitySession, ID: "local-s", SyncStatus: store.SyncStatusPending, Data: json.RawMessage(`{"id":"local-s"}`)},
		{Type: store.EntityComment, ID: "local-c", ParentID: "local-s", SyncStatus: store.SyncStatusPending, Data: json.RawMessage(`{"id":"local-c"}`)},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	mustEnqueue(t, svc, store.EntityCommunitySession, "local-s", store.ActionCreate, payload("town hall"))
	if _, err := svc.EnqueueChild(ctx, store.EntityComment, "local-c", "local-s", store.ActionCreate, payload("first")); err != nil {
		t.Fatalf("enqueue child: %v", err)
	}
	mustEnqueue(t, svc, store.EntityCommunitySession, "local-s", store.ActionUpdate, payload("renamed"))

	if _, err := svc.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{
		"create communitySession local-s",
		"create comment local-c parent=srv-1",
		"update communitySession srv-1",
	}
	if diff := cmp.Diff(want, remote.Calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}

	session, err := st.GetRecord(ctx, store.EntityCommunitySession, "srv-1")
	if err != nil {
		t.Fatalf("get remapped session: %v", err)
	}
	if session.SyncStatus != store.SyncStatusSynced {
		t.Fatalf("session sync status = %q", session.SyncStatus)
	}
	comment, err := st.GetRecord(ctx, store.EntityComment, "local-c")
	if err != nil {
		t.Fatalf("get comment: %v", err)
	}
	if comment.ParentID != "srv-1" || comment.SyncStatus != store.SyncStatusSynced {
		t.Fatalf("comment = %+v", comment)
	}
}

func TestCachedRowStaysPendingUntilLastEdit(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, newFakeRemote(), netstatus.NewManual(true), newClock())
	ctx := context.Background()

	if err := st.PutRecords(ctx, []store.Record{{Type: store.EntitySurvey, ID: "s1", SyncStatus: store.SyncStatusPending, Data: json.RawMessage(`{}`)}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionUpdate, payload("a"))
	second := mustEnqueue(t, svc, store.EntitySurvey, "s1", store.ActionUpdate, payload("b"))

	calls := 0
	failSecond := ReplayerFunc(func(ctx context.Context, entry store.QueueEntry) (Outcome, error) {
		calls++
		if entry.ID == second.ID {
			return Outcome{}, errors.New("boom")
		}
		return Outcome{}, nil
	})
	svc.replayer = failSecond

	if _, err := svc.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	record, err := st.GetRecord(ctx, store.EntitySurvey, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.SyncStatus != store.SyncStatusPending {
		t.Fatalf("record marked %q while an edit is still queued", record.SyncStatus)
	}
	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc := newService(t, openStore(t), newFakeRemote(), netstatus.NewManual(true), newClock())
	ctx := context.Background()
	cases := []struct {
		name       string
		entityType store.EntityType
		id         string
		action     store.Action
		payload    json.RawMessage
	}{
		{name: "entity type", entityType: "poll", id: "x", action: store.ActionCreate},
		{name: "action", entityType: store.EntityFeedback, id: "x", action: "upsert"},
		{name: "id", entityType: store.EntityFeedback, id: " ", action: store.ActionCreate},
		{name: "payload", entityType: store.EntityFeedback, id: "x", action: store.ActionCreate, payload: json.RawMessage(`{nope`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Enqueue(ctx, tc.entityType, tc.id, tc.action, tc.payload)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Fatalf("err = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestDiscardAndClear(t *testing.T) {
	st := openStore(t)
	svc := newService(t, st, newFakeRemote(), netstatus.NewManual(false), newClock())
	ctx := context.Background()

	a := mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("a"))
	mustEnqueue(t, svc, store.EntityFeedback, "f2", store.ActionCreate, payload("b"))
	mustEnqueue(t, svc, store.EntityFeedback, "f3", store.ActionCreate, payload("c"))

	if err := svc.Discard(ctx, a.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := svc.Discard(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second discard err = %v", err)
	}
	n, err := svc.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 || pendingCount(t, st) != 0 {
		t.Fatalf("cleared %d, pending %d", n, pendingCount(t, st))
	}
}

func TestServeDrainsOnOnlineTransition(t *testing.T) {
	st := openStore(t)
	remote := newFakeRemote()
	network := netstatus.NewManual(false)
	svc := newService(t, st, remote, network, newClock())
	ctx := context.Background()

	if err := st.PutRecords(ctx, []store.Record{{Type: store.EntityFeedback, ID: "f1", SyncStatus: store.SyncStatusPending, Data: json.RawMessage(`{"id":"f1"}`)}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	mustEnqueue(t, svc, store.EntityFeedback, "f1", store.ActionCreate, payload("offline"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Serve(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Serve subscribes before its first drain, so the transition is seen
	// either as a notification or by that first drain.
	deadline := time.Now().Add(2 * time.Second)
	network.Set(true)

	for len(remote.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("online transition did not trigger a drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for pendingCount(t, st) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue not drained")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if diff := cmp.Diff([]string{"create feedback f1"}, remote.Calls()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
	record, err := st.GetRecord(ctx, store.EntityFeedback, "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.SyncStatus != store.SyncStatusSynced {
		t.Fatalf("record = %q, want synced", record.SyncStatus)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{100, time.Minute},
	}
	for _, tc := range cases {
		if got := Backoff(time.Second, time.Minute, tc.retries); got != tc.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}
