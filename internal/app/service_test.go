package app

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/js0980420/finance-crm-zeabur-sub003/internal/config"
	"github.com/js0980420/finance-crm-zeabur-sub003/internal/store"
)

type fakeStore struct {
	currentVersionFn      func(context.Context) (uint64, error)
	listChangesSinceFn    func(ctx context.Context, entityType string, since uint64, scope string, limit int) ([]store.ChangeRecord, error)
	snapshotFn            func(ctx context.Context, entityType, scope string, limit int) ([]store.ChangeRecord, error)
	createMessageFn       func(ctx context.Context, msg store.ChatMessage, actorID *string) (store.ChatMessage, store.Conversation, error)
	updateMessageStatusFn func(ctx context.Context, messageID, status string, actorID *string) (store.ChatMessage, error)
	upsertCustomerFn      func(ctx context.Context, customer store.Customer, actorID *string) (store.Customer, error)
	deleteCustomerFn      func(ctx context.Context, customerID string, actorID *string) (uint64, error)
	entityVersionsFn      func(ctx context.Context, entityType string, ids []string) (map[string]uint64, error)
	listConversationsFn   func(ctx context.Context, staffID string) ([]store.Conversation, error)
	pruneChangeLogFn      func(ctx context.Context, olderThan time.Time) (int64, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CurrentVersion(ctx context.Context) (uint64, error) {
	if f.currentVersionFn != nil {
		return f.currentVersionFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) ListChangesSince(ctx context.Context, entityType string, since uint64, scope string, limit int) ([]store.ChangeRecord, error) {
	if f.listChangesSinceFn != nil {
		return f.listChangesSinceFn(ctx, entityType, since, scope, limit)
	}
	return nil, nil
}

func (f *fakeStore) Snapshot(ctx context.Context, entityType, scope string, limit int) ([]store.ChangeRecord, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(ctx, entityType, scope, limit)
	}
	return nil, nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, msg store.ChatMessage, actorID *string) (store.ChatMessage, store.Conversation, error) {
	if f.createMessageFn != nil {
		return f.createMessageFn(ctx, msg, actorID)
	}
	return msg, store.Conversation{LineUserID: msg.LineUserID}, nil
}

func (f *fakeStore) UpdateMessageStatus(ctx context.Context, messageID, status string, actorID *string) (store.ChatMessage, error) {
	if f.updateMessageStatusFn != nil {
		return f.updateMessageStatusFn(ctx, messageID, status, actorID)
	}
	return store.ChatMessage{ID: messageID, Status: status}, nil
}

func (f *fakeStore) UpsertCustomer(ctx context.Context, customer store.Customer, actorID *string) (store.Customer, error) {
	if f.upsertCustomerFn != nil {
		return f.upsertCustomerFn(ctx, customer, actorID)
	}
	return customer, nil
}

func (f *fakeStore) DeleteCustomer(ctx context.Context, customerID string, actorID *string) (uint64, error) {
	if f.deleteCustomerFn != nil {
		return f.deleteCustomerFn(ctx, customerID, actorID)
	}
	return 1, nil
}

func (f *fakeStore) EntityVersions(ctx context.Context, entityType string, ids []string) (map[string]uint64, error) {
	if f.entityVersionsFn != nil {
		return f.entityVersionsFn(ctx, entityType, ids)
	}
	return map[string]uint64{}, nil
}

func (f *fakeStore) ListConversations(ctx context.Context, staffID string) ([]store.Conversation, error) {
	if f.listConversationsFn != nil {
		return f.listConversationsFn(ctx, staffID)
	}
	return nil, nil
}

func (f *fakeStore) PruneChangeLog(ctx context.Context, olderThan time.Time) (int64, error) {
	if f.pruneChangeLogFn != nil {
		return f.pruneChangeLogFn(ctx, olderThan)
	}
	return 0, nil
}

func testConfig() config.Config {
	return config.Config{
		MaxGap:          1000,
		MaxPollTimeout:  200 * time.Millisecond,
		PageLimit:       100,
		VersionCacheTTL: time.Minute,
		CacheTTL:        time.Minute,
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(testConfig(), fs)
}

func upsertRecord(entityType, id string, version uint64) store.ChangeRecord {
	return store.ChangeRecord{
		EntityType: entityType,
		EntityID:   id,
		Version:    version,
		Operation:  store.OpUpsert,
		Payload:    json.RawMessage(`{}`),
	}
}

func TestGetUpdateFirstContactReturnsFullSync(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 42, nil },
		snapshotFn: func(_ context.Context, entityType, scope string, limit int) ([]store.ChangeRecord, error) {
			return []store.ChangeRecord{upsertRecord(entityType, "m1", 42)}, nil
		},
	}
	svc := newTestService(fs)

	cs, err := svc.GetUpdate(context.Background(), store.EntityMessage, 0, "", 0)
	if err != nil {
		t.Fatalf("GetUpdate: %v", err)
	}
	if cs.SyncType != SyncFull {
		t.Fatalf("expected full sync, got %s", cs.SyncType)
	}
	if cs.ClientVersion != 0 {
		t.Fatalf("full sync must reset client_version, got %d", cs.ClientVersion)
	}
	if cs.Version != 42 {
		t.Fatalf("expected version 42, got %d", cs.Version)
	}
	if cs.Partial {
		t.Fatal("first contact is not a partial recovery")
	}
}

func TestGetUpdateGapBeyondThresholdForcesFullSync(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 1500, nil },
		snapshotFn: func(_ context.Context, entityType, scope string, limit int) ([]store.ChangeRecord, error) {
			return nil, nil
		},
	}
	svc := newTestService(fs)

	cs, err := svc.GetUpdate(context.Background(), store.EntityMessage, 3, "", 0)
	if err != nil {
		t.Fatalf("GetUpdate: %v", err)
	}
	if cs.SyncType != SyncFull {
		t.Fatalf("gap 1497 > 1000 must force full sync, got %s", cs.SyncType)
	}
	if !cs.Partial {
		t.Fatal("stale client full sync must be marked partial")
	}
}

func TestGetUpdateFutureClientVersionForcesFullSync(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 10, nil },
	}
	svc := newTestService(fs)

	cs, err := svc.GetUpdate(context.Background(), store.EntityCustomer, 99, "", 0)
	if err != nil {
		t.Fatalf("GetUpdate: %v", err)
	}
	if cs.SyncType != SyncFull {
		t.Fatalf("client ahead of server must resync from scratch, got %s", cs.SyncType)
	}
	if !cs.Partial {
		t.Fatal("corrupted client full sync must be marked partial")
	}
}

func TestGetUpdateFutureVersionRechecksAuthoritativeCounter(t *testing.T) {
	// The cached counter lags a live write; the diff path must not brand the
	// client corrupted without consulting the store again.
	reads := 0
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) {
			reads++
			if reads == 1 {
				return 5, nil
			}
			return 8, nil
		},
		listChangesSinceFn: func(_ context.Context, entityType string, since uint64, _ string, _ int) ([]store.ChangeRecord, error) {
			return []store.ChangeRecord{upsertRecord(entityType, "m1", 8)}, nil
		},
	}
	svc := newTestService(fs)

	// Warm the version cache at 5.
	if _, err := svc.GetUpdate(context.Background(), store.EntityMessage, 5, "", 0); err != nil {
		t.Fatalf("warmup GetUpdate: %v", err)
	}

	cs, err := svc.GetUpdate(context.Background(), store.EntityMessage, 7, "", 0)
	if err != nil {
		t.Fatalf("GetUpdate: %v", err)
	}
	if cs.SyncType != SyncIncremental {
		t.Fatalf("client at 7 with authoritative head 8 is incremental, got %s", cs.SyncType)
	}
	if reads < 2 {
		t.Fatalf("expected a store re-read for the impossible version, got %d reads", reads)
	}
}

func TestGetUpdateEqualVersionsReturnsEmptyIncremental(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 7, nil },
		listChangesSinceFn: func(context.Context, string, uint64, string, int) ([]store.ChangeRecord, error) {
			t.Fatal("equal versions must not hit the change log")
			return nil, nil
		},
	}
	svc := newTestService(fs)

	cs, err := svc.GetUpdate(context.Background(), store.EntityMessage, 7, "", 0)
	if err != nil {
		t.Fatalf("GetUpdate: %v", err)
	}
	if cs.SyncType != SyncFull && cs.SyncType != SyncIncremental {
		t.Fatalf("unexpected sync type %s", cs.SyncType)
	}
	if cs.SyncType == SyncFull {
		t.Fatal("caught-up client must not trigger a spurious full resync")
	}
	if len(cs.Data) != 0 || len(cs.Removed) != 0 {
		t.Fatal("expected empty change set")
	}
	if cs.Version != 7 {
		t.Fatalf("expected version 7, got %d", cs.Version)
	}
}

func TestGetUpdateIncrementalSeparatesDeletes(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 5, nil },
		listChangesSinceFn: func(_ context.Context, entityType string, since uint64, _ string, _ int) ([]store.ChangeRecord, error) {
			if since != 3 {
				t.Fatalf("expected since=3, got %d", since)
			}
			return []store.ChangeRecord{
				{EntityType: entityType, EntityID: "c1", Version: 4, Operation: store.OpDelete},
				upsertRecord(entityType, "c2", 5),
			}, nil
		},
	}
	svc := newTestService(fs)

	cs, err := svc.GetUpdate(context.Background(), store.EntityCustomer, 3, "", 0)
	if err != nil {
		t.Fatalf("GetUpdate: %v", err)
	}
	if cs.SyncType != SyncIncremental {
		t.Fatalf("expected incremental, got %s", cs.SyncType)
	}
	if len(cs.Data) != 1 || cs.Data[0].EntityID != "c2" {
		t.Fatalf("unexpected data: %+v", cs.Data)
	}
	if len(cs.Removed) != 1 || cs.Removed[0].EntityID != "c1" {
		t.Fatalf("unexpected removed: %+v", cs.Removed)
	}
	if cs.Version != 5 {
		t.Fatalf("expected version 5, got %d", cs.Version)
	}
	if cs.HasMore {
		t.Fatal("short page must not set has_more")
	}
}

func TestGetUpdateFullPageSetsResumeVersion(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 50, nil },
		listChangesSinceFn: func(_ context.Context, entityType string, since uint64, _ string, limit int) ([]store.ChangeRecord, error) {
			records := make([]store.ChangeRecord, 0, limit)
			for i := 0; i < limit; i++ {
				records = append(records, upsertRecord(entityType, "m", since+uint64(i)+1))
			}
			return records, nil
		},
	}
	svc := newTestService(fs)

	cs, err := svc.GetUpdate(context.Background(), store.EntityMessage, 10, "", 5)
	if err != nil {
		t.Fatalf("GetUpdate: %v", err)
	}
	if !cs.HasMore {
		t.Fatal("full page must set has_more")
	}
	// Resuming from the global head would skip records 16..50; the client
	// must resume from the last version it received.
	if cs.Version != 15 {
		t.Fatalf("expected resume version 15, got %d", cs.Version)
	}
}

func TestGetUpdateRejectsUnknownEntityType(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.GetUpdate(context.Background(), "invoices", 0, "", 0)
	if err == nil {
		t.Fatal("expected error for unknown entity type")
	}
}

func TestCreateMessageWakesPollersAndRefreshesVersion(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 0, nil },
		createMessageFn: func(_ context.Context, msg store.ChatMessage, _ *string) (store.ChatMessage, store.Conversation, error) {
			msg.Version = 11
			return msg, store.Conversation{LineUserID: msg.LineUserID, AssignedStaffID: "staff-1", Version: 12}, nil
		},
	}
	svc := newTestService(fs)

	messageWake := svc.Hub().Wait(store.EntityMessage)
	conversationWake := svc.Hub().Wait(store.EntityConversation)

	msg, err := svc.CreateMessage(context.Background(), CreateMessageInput{
		LineUserID: "U123",
		Content:    "hello",
	}, "staff-1")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.Version != 11 {
		t.Fatalf("expected stamped version 11, got %d", msg.Version)
	}

	select {
	case <-messageWake:
	default:
		t.Fatal("message pollers were not woken")
	}
	select {
	case <-conversationWake:
	default:
		t.Fatal("conversation pollers were not woken")
	}

	// The write refreshed the cached counter synchronously.
	version, err := svc.currentVersion(context.Background())
	if err != nil {
		t.Fatalf("currentVersion: %v", err)
	}
	if version != 12 {
		t.Fatalf("expected cached version 12 after write, got %d", version)
	}
}

func TestCreateMessageValidatesInput(t *testing.T) {
	svc := newTestService(&fakeStore{})
	if _, err := svc.CreateMessage(context.Background(), CreateMessageInput{Content: "hi"}, ""); err == nil {
		t.Fatal("expected error for missing line_user_id")
	}
	if _, err := svc.CreateMessage(context.Background(), CreateMessageInput{LineUserID: "U1"}, ""); err == nil {
		t.Fatal("expected error for missing content")
	}
}

func TestPollReturnsWhenWriteLands(t *testing.T) {
	var head atomic.Uint64
	head.Store(1)
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return head.Load(), nil },
		listChangesSinceFn: func(_ context.Context, entityType string, since uint64, _ string, _ int) ([]store.ChangeRecord, error) {
			current := head.Load()
			if current <= since {
				return nil, nil
			}
			return []store.ChangeRecord{upsertRecord(entityType, "m1", current)}, nil
		},
		createMessageFn: func(_ context.Context, msg store.ChatMessage, _ *string) (store.ChatMessage, store.Conversation, error) {
			msg.Version = 1
			return msg, store.Conversation{LineUserID: msg.LineUserID, Version: 2}, nil
		},
	}
	cfg := testConfig()
	cfg.MaxPollTimeout = 5 * time.Second
	svc := New(cfg, fs)

	type pollResult struct {
		cs  ChangeSet
		err error
	}
	results := make(chan pollResult, 1)
	go func() {
		cs, err := svc.Poll(context.Background(), store.EntityMessage, 0, "", 5*time.Second)
		results <- pollResult{cs, err}
	}()

	// First contact is a full sync and returns immediately even when empty,
	// so poll from the returned baseline instead.
	first := <-results
	if first.err != nil {
		t.Fatalf("baseline poll: %v", first.err)
	}
	if first.cs.SyncType != SyncFull {
		t.Fatalf("expected baseline full sync, got %s", first.cs.SyncType)
	}

	go func() {
		cs, err := svc.Poll(context.Background(), store.EntityMessage, first.cs.Version, "", 5*time.Second)
		results <- pollResult{cs, err}
	}()

	// Give the poller a moment to block, then write.
	time.Sleep(20 * time.Millisecond)
	head.Store(2)
	if _, err := svc.CreateMessage(context.Background(), CreateMessageInput{LineUserID: "U1", Content: "hi"}, ""); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	select {
	case result := <-results:
		if result.err != nil {
			t.Fatalf("poll: %v", result.err)
		}
		if len(result.cs.Data) == 0 {
			t.Fatal("expected released poll to carry data")
		}
		if result.cs.Timeout {
			t.Fatal("released poll must not be marked timeout")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("poll was not released by the write")
	}
}

func TestPollObservesWritesFromOtherInstances(t *testing.T) {
	// A write on another server instance advances the counter without waking
	// this instance's hub or refreshing its version cache. The parked poll's
	// timed re-check must consult the store and release anyway.
	var head atomic.Uint64
	head.Store(1)
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return head.Load(), nil },
		listChangesSinceFn: func(_ context.Context, entityType string, since uint64, _ string, _ int) ([]store.ChangeRecord, error) {
			current := head.Load()
			if current <= since {
				return nil, nil
			}
			return []store.ChangeRecord{upsertRecord(entityType, "m1", current)}, nil
		},
	}
	cfg := testConfig()
	cfg.MaxPollTimeout = 5 * time.Second
	cfg.VersionCacheTTL = time.Minute
	svc := New(cfg, fs)

	// Warm the version cache at 1.
	if _, err := svc.GetUpdate(context.Background(), store.EntityMessage, 1, "", 0); err != nil {
		t.Fatalf("warmup GetUpdate: %v", err)
	}

	type pollResult struct {
		cs  ChangeSet
		err error
	}
	results := make(chan pollResult, 1)
	go func() {
		cs, err := svc.Poll(context.Background(), store.EntityMessage, 1, "", 5*time.Second)
		results <- pollResult{cs, err}
	}()

	time.Sleep(20 * time.Millisecond)
	head.Store(2)

	select {
	case result := <-results:
		if result.err != nil {
			t.Fatalf("poll: %v", result.err)
		}
		if len(result.cs.Data) == 0 {
			t.Fatal("expected the remote write to release the poll with data")
		}
		if result.cs.Version != 2 {
			t.Fatalf("expected version 2, got %d", result.cs.Version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll never observed the other instance's write")
	}
}

func TestPollTimesOutWithEmptyChangeSet(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 9, nil },
	}
	svc := newTestService(fs)

	started := time.Now()
	cs, err := svc.Poll(context.Background(), store.EntityMessage, 9, "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !cs.Timeout {
		t.Fatal("expected timeout response")
	}
	if len(cs.Data) != 0 || len(cs.Removed) != 0 {
		t.Fatal("timeout response must be empty")
	}
	if cs.Version != 9 {
		t.Fatalf("timeout must leave version unchanged, got %d", cs.Version)
	}
	if elapsed := time.Since(started); elapsed < 100*time.Millisecond {
		t.Fatalf("poll returned before the window elapsed: %s", elapsed)
	}
}

func TestPollAbortedByClient(t *testing.T) {
	fs := &fakeStore{
		currentVersionFn: func(context.Context) (uint64, error) { return 3, nil },
	}
	cfg := testConfig()
	cfg.MaxPollTimeout = 5 * time.Second
	svc := New(cfg, fs)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Poll(ctx, store.EntityMessage, 3, "", 5*time.Second)
	if err == nil {
		t.Fatal("expected context error for aborted poll")
	}
}

func TestValidateVersionsReportsMismatchesAndMissing(t *testing.T) {
	fs := &fakeStore{
		entityVersionsFn: func(_ context.Context, _ string, ids []string) (map[string]uint64, error) {
			return map[string]uint64{"c1": 5, "c2": 9}, nil
		},
	}
	svc := newTestService(fs)

	mismatches, err := svc.ValidateVersions(context.Background(), ValidateInput{
		EntityType: store.EntityCustomer,
		Items: []store.VersionPair{
			{ID: "c1", Version: 5},
			{ID: "c2", Version: 7},
			{ID: "c3", Version: 2},
		},
	})
	if err != nil {
		t.Fatalf("ValidateVersions: %v", err)
	}
	if len(mismatches) != 2 {
		t.Fatalf("expected 2 mismatches, got %d: %+v", len(mismatches), mismatches)
	}
	if mismatches[0].Type != store.MismatchVersion || mismatches[0].ID != "c2" || mismatches[0].ServerVersion != 9 {
		t.Fatalf("unexpected first mismatch: %+v", mismatches[0])
	}
	if mismatches[1].Type != store.MismatchMissing || mismatches[1].ID != "c3" {
		t.Fatalf("unexpected second mismatch: %+v", mismatches[1])
	}
}

type fakeCache struct {
	entries     map[string][]byte
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	if value, ok := f.entries[key]; ok {
		return value, nil
	}
	return nil, context.DeadlineExceeded // any non-nil error reads as a miss
}

func (f *fakeCache) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, keys ...string) error {
	for _, key := range keys {
		f.invalidated = append(f.invalidated, key)
		delete(f.entries, key)
	}
	return nil
}

func (f *fakeCache) Close() error { return nil }

func TestConversationsPopulatesAndServesCache(t *testing.T) {
	listCalls := 0
	fs := &fakeStore{
		listConversationsFn: func(_ context.Context, staffID string) ([]store.Conversation, error) {
			listCalls++
			return []store.Conversation{{LineUserID: "U1", AssignedStaffID: staffID, Version: 3}}, nil
		},
	}
	fc := newFakeCache()
	svc := NewWithCache(testConfig(), fs, fc)

	first, err := svc.Conversations(context.Background(), "staff-1")
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	second, err := svc.Conversations(context.Background(), "staff-1")
	if err != nil {
		t.Fatalf("Conversations (cached): %v", err)
	}
	if listCalls != 1 {
		t.Fatalf("expected one store query, got %d", listCalls)
	}
	if len(first) != 1 || len(second) != 1 || second[0].LineUserID != "U1" {
		t.Fatalf("unexpected conversations: %+v / %+v", first, second)
	}
}

func TestCreateMessageInvalidatesExactScopeKeys(t *testing.T) {
	fs := &fakeStore{
		createMessageFn: func(_ context.Context, msg store.ChatMessage, _ *string) (store.ChatMessage, store.Conversation, error) {
			msg.Version = 1
			return msg, store.Conversation{LineUserID: msg.LineUserID, AssignedStaffID: "staff-7", Version: 2}, nil
		},
	}
	fc := newFakeCache()
	svc := NewWithCache(testConfig(), fs, fc)

	if _, err := svc.CreateMessage(context.Background(), CreateMessageInput{LineUserID: "U1", Content: "hi"}, ""); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	want := map[string]bool{"conversations:": true, "conversations:staff-7": true}
	if len(fc.invalidated) != len(want) {
		t.Fatalf("unexpected invalidations: %v", fc.invalidated)
	}
	for _, key := range fc.invalidated {
		if !want[key] {
			t.Fatalf("unexpected invalidated key %q", key)
		}
	}
}
