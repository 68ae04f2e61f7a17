package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/js0980420/finance-crm-zeabur-sub003/internal/cache"
	"github.com/js0980420/finance-crm-zeabur-sub003/internal/config"
	"github.com/js0980420/finance-crm-zeabur-sub003/internal/store"
	"github.com/js0980420/finance-crm-zeabur-sub003/internal/util"
)

const (
	SyncFull        = "full"
	SyncIncremental = "incremental"
)

// ChangeSet is the poll response DTO. For full syncs Data carries the
// snapshot and ClientVersion is reset to 0 so the client knows this is a
// baseline, not a delta.
type ChangeSet struct {
	Success       bool                 `json:"success"`
	SyncType      string               `json:"sync_type"`
	ClientVersion uint64               `json:"client_version"`
	Version       uint64               `json:"version"`
	Data          []store.ChangeRecord `json:"data"`
	Removed       []store.ChangeRecord `json:"removed,omitempty"`
	Partial       bool                 `json:"partial"`
	HasMore       bool                 `json:"has_more"`
	Timeout       bool                 `json:"timeout"`
}

// emptyIncremental reports whether the set carries nothing a client would
// act on. Full syncs always reach the client, even when the snapshot is
// empty, because they reset its baseline.
func (cs ChangeSet) emptyIncremental() bool {
	return cs.SyncType == SyncIncremental && len(cs.Data) == 0 && len(cs.Removed) == 0
}

type CreateMessageInput struct {
	LineUserID  string `json:"line_user_id"`
	Sender      string `json:"sender"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
}

type CustomerInput struct {
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Region          string `json:"region"`
	Channel         string `json:"channel"`
	AssignedStaffID string `json:"assigned_staff_id"`
	Status          string `json:"status"`
}

type ValidateInput struct {
	EntityType string              `json:"type"`
	Items      []store.VersionPair `json:"items"`
}

type dataStore interface {
	Ping(context.Context) error
	CurrentVersion(context.Context) (uint64, error)
	ListChangesSince(ctx context.Context, entityType string, since uint64, scope string, limit int) ([]store.ChangeRecord, error)
	Snapshot(ctx context.Context, entityType, scope string, limit int) ([]store.ChangeRecord, error)
	CreateMessage(ctx context.Context, msg store.ChatMessage, actorID *string) (store.ChatMessage, store.Conversation, error)
	UpdateMessageStatus(ctx context.Context, messageID, status string, actorID *string) (store.ChatMessage, error)
	UpsertCustomer(ctx context.Context, customer store.Customer, actorID *string) (store.Customer, error)
	DeleteCustomer(ctx context.Context, customerID string, actorID *string) (uint64, error)
	EntityVersions(ctx context.Context, entityType string, ids []string) (map[string]uint64, error)
	ListConversations(ctx context.Context, staffID string) ([]store.Conversation, error)
	PruneChangeLog(ctx context.Context, olderThan time.Time) (int64, error)
}

var knownEntityTypes = map[string]struct{}{
	store.EntityMessage:      {},
	store.EntityConversation: {},
	store.EntityCustomer:     {},
}

type Service struct {
	cfg   config.Config
	store dataStore
	cache cache.ReadCache
	hub   *Hub

	// Cached copy of the global counter. Staleness only delays a poll
	// response, never corrupts one: writes refresh it synchronously and the
	// diff path re-reads the store before trusting an impossible value.
	versionMu     sync.Mutex
	cachedVersion uint64
	versionReadAt time.Time
}

func New(cfg config.Config, dataStore dataStore) *Service {
	return NewWithCache(cfg, dataStore, nil)
}

func NewWithCache(cfg config.Config, dataStore dataStore, readCache cache.ReadCache) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
		cache: readCache,
		hub:   NewHub(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Hub() *Hub {
	return s.hub
}

// currentVersion serves the counter from the short-TTL cache, falling back to
// the store when the copy has aged out.
func (s *Service) currentVersion(ctx context.Context) (uint64, error) {
	s.versionMu.Lock()
	if !s.versionReadAt.IsZero() && time.Since(s.versionReadAt) < s.cfg.VersionCacheTTL {
		version := s.cachedVersion
		s.versionMu.Unlock()
		return version, nil
	}
	s.versionMu.Unlock()

	version, err := s.store.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}
	s.noteVersion(version)
	return version, nil
}

// noteVersion refreshes the cached counter. The write path calls this the
// moment a version is issued so pollers never wait on a stale cache.
func (s *Service) noteVersion(version uint64) {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	if version > s.cachedVersion {
		s.cachedVersion = version
	}
	s.versionReadAt = time.Now()
}

// GetUpdate is the incremental-vs-full decision engine.
func (s *Service) GetUpdate(ctx context.Context, entityType string, clientVersion uint64, scope string, limit int) (ChangeSet, error) {
	if _, ok := knownEntityTypes[entityType]; !ok {
		return ChangeSet{}, domainError(http.StatusUnprocessableEntity, "UNKNOWN_ENTITY_TYPE", "unknown entity type "+entityType, nil)
	}
	if limit <= 0 || limit > s.cfg.PageLimit {
		limit = s.cfg.PageLimit
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return ChangeSet{}, err
	}

	if clientVersion > current {
		// The cache may simply be behind a live write; only the
		// authoritative counter can brand the client corrupted.
		current, err = s.store.CurrentVersion(ctx)
		if err != nil {
			return ChangeSet{}, err
		}
		s.noteVersion(current)
		if clientVersion > current {
			return s.fullSync(ctx, entityType, scope, limit, current, true)
		}
	}

	if clientVersion == 0 {
		return s.fullSync(ctx, entityType, scope, limit, current, false)
	}
	if current-clientVersion > s.cfg.MaxGap {
		return s.fullSync(ctx, entityType, scope, limit, current, true)
	}
	if clientVersion == current {
		return ChangeSet{
			Success:       true,
			SyncType:      SyncIncremental,
			ClientVersion: clientVersion,
			Version:       current,
		}, nil
	}

	records, err := s.store.ListChangesSince(ctx, entityType, clientVersion, scope, limit)
	if err != nil {
		return ChangeSet{}, err
	}

	cs := ChangeSet{
		Success:       true,
		SyncType:      SyncIncremental,
		ClientVersion: clientVersion,
		Version:       current,
		HasMore:       len(records) == limit,
	}
	for _, rec := range records {
		if rec.Operation == store.OpDelete {
			cs.Removed = append(cs.Removed, rec)
		} else {
			cs.Data = append(cs.Data, rec)
		}
	}
	// When the page is truncated, the client must resume from the last
	// version it actually received, not from the global head.
	if cs.HasMore {
		cs.Version = records[len(records)-1].Version
	}
	return cs, nil
}

func (s *Service) fullSync(ctx context.Context, entityType, scope string, limit int, current uint64, partial bool) (ChangeSet, error) {
	records, err := s.store.Snapshot(ctx, entityType, scope, limit)
	if err != nil {
		return ChangeSet{}, err
	}
	return ChangeSet{
		Success:       true,
		SyncType:      SyncFull,
		ClientVersion: 0,
		Version:       current,
		Data:          records,
		Partial:       partial,
		HasMore:       len(records) == limit,
	}, nil
}

// Poll blocks until changes exist for the request, the timeout elapses, or
// the client aborts. Waiters re-check every 500ms so writes landing on other
// server instances are still observed within the window.
func (s *Service) Poll(ctx context.Context, entityType string, clientVersion uint64, scope string, timeout time.Duration) (ChangeSet, error) {
	if timeout <= 0 || timeout > s.cfg.MaxPollTimeout {
		timeout = s.cfg.MaxPollTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		// Register the wake before diffing, or a write between the diff and
		// the wait would be missed.
		wake := s.hub.Wait(entityType)

		cs, err := s.GetUpdate(ctx, entityType, clientVersion, scope, 0)
		if err != nil {
			return ChangeSet{}, err
		}
		if !cs.emptyIncremental() {
			return cs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			cs.Timeout = true
			return cs, nil
		}

		recheck := 500 * time.Millisecond
		if remaining < recheck {
			recheck = remaining
		}
		timer := time.NewTimer(recheck)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChangeSet{}, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			// The hub only sees this instance's writes; the timed re-check
			// must consult the authoritative counter, not the version cache.
			if current, err := s.store.CurrentVersion(ctx); err == nil {
				s.noteVersion(current)
			}
		}
	}
}

func (s *Service) CreateMessage(ctx context.Context, input CreateMessageInput, actorID string) (store.ChatMessage, error) {
	if strings.TrimSpace(input.LineUserID) == "" {
		return store.ChatMessage{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "line_user_id is required", nil)
	}
	if strings.TrimSpace(input.Content) == "" {
		return store.ChatMessage{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	sender := input.Sender
	if sender == "" {
		sender = "staff"
	}
	messageType := input.MessageType
	if messageType == "" {
		messageType = "text"
	}

	msg := store.ChatMessage{
		ID:          util.NewID("msg"),
		LineUserID:  strings.TrimSpace(input.LineUserID),
		Sender:      sender,
		Content:     input.Content,
		MessageType: messageType,
		Status:      "sent",
	}
	msg, conv, err := s.store.CreateMessage(ctx, msg, actor(actorID))
	if err != nil {
		return store.ChatMessage{}, err
	}

	s.noteVersion(conv.Version)
	s.invalidateConversations(ctx, conv.AssignedStaffID)
	s.hub.Wake(store.EntityMessage, store.EntityConversation)
	return msg, nil
}

func (s *Service) UpdateMessageStatus(ctx context.Context, messageID, status string, actorID string) (store.ChatMessage, error) {
	if status != "sent" && status != "delivered" && status != "read" {
		return store.ChatMessage{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be sent, delivered or read", nil)
	}
	msg, err := s.store.UpdateMessageStatus(ctx, messageID, status, actor(actorID))
	if err != nil {
		return store.ChatMessage{}, err
	}
	s.noteVersion(msg.Version)
	s.hub.Wake(store.EntityMessage)
	return msg, nil
}

func (s *Service) SaveCustomer(ctx context.Context, customerID string, input CustomerInput, actorID string) (store.Customer, error) {
	if strings.TrimSpace(input.Name) == "" {
		return store.Customer{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if customerID == "" {
		customerID = util.NewID("cust")
	}
	status := input.Status
	if status == "" {
		status = "new"
	}
	customer, err := s.store.UpsertCustomer(ctx, store.Customer{
		ID:              customerID,
		Name:            strings.TrimSpace(input.Name),
		Phone:           input.Phone,
		Region:          input.Region,
		Channel:         input.Channel,
		AssignedStaffID: input.AssignedStaffID,
		Status:          status,
	}, actor(actorID))
	if err != nil {
		return store.Customer{}, err
	}
	s.noteVersion(customer.Version)
	s.hub.Wake(store.EntityCustomer)
	return customer, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, customerID string, actorID string) error {
	version, err := s.store.DeleteCustomer(ctx, customerID, actor(actorID))
	if err != nil {
		return err
	}
	s.noteVersion(version)
	s.hub.Wake(store.EntityCustomer)
	return nil
}

// Conversations serves the per-staff conversation summaries through the read
// cache. Cache failures degrade to the store, never to an error.
func (s *Service) Conversations(ctx context.Context, staffID string) ([]store.Conversation, error) {
	key := conversationsKey(staffID)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key); err == nil {
			var items []store.Conversation
			if err := json.Unmarshal(cached, &items); err == nil {
				return items, nil
			}
		}
	}

	items, err := s.store.ListConversations(ctx, staffID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if encoded, err := json.Marshal(items); err == nil {
			if err := s.cache.Put(ctx, key, encoded, s.cfg.CacheTTL); err != nil {
				log.Printf("cache put %s: %v", key, err)
			}
		}
	}
	return items, nil
}

// invalidateConversations drops the exact projection keys a write touched:
// the assignee's list and the unscoped list.
func (s *Service) invalidateConversations(ctx context.Context, staffID string) {
	if s.cache == nil {
		return
	}
	keys := []string{conversationsKey("")}
	if staffID != "" {
		keys = append(keys, conversationsKey(staffID))
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		log.Printf("cache invalidate: %v", err)
	}
}

func conversationsKey(staffID string) string {
	return "conversations:" + staffID
}

// ValidateVersions answers a client integrity audit with the set of entities
// whose server version disagrees with the client's claim.
func (s *Service) ValidateVersions(ctx context.Context, input ValidateInput) ([]store.VersionMismatch, error) {
	if _, ok := knownEntityTypes[input.EntityType]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "UNKNOWN_ENTITY_TYPE", "unknown entity type "+input.EntityType, nil)
	}
	if len(input.Items) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(input.Items))
	for _, item := range input.Items {
		ids = append(ids, item.ID)
	}
	serverVersions, err := s.store.EntityVersions(ctx, input.EntityType, ids)
	if err != nil {
		return nil, err
	}

	var mismatches []store.VersionMismatch
	for _, item := range input.Items {
		serverVersion, ok := serverVersions[item.ID]
		if !ok {
			mismatches = append(mismatches, store.VersionMismatch{
				Type:          store.MismatchMissing,
				ID:            item.ID,
				ClientVersion: item.Version,
			})
			continue
		}
		if serverVersion != item.Version {
			mismatches = append(mismatches, store.VersionMismatch{
				Type:          store.MismatchVersion,
				ID:            item.ID,
				ClientVersion: item.Version,
				ServerVersion: serverVersion,
			})
		}
	}
	return mismatches, nil
}

// RunRetention prunes aged change log rows until ctx is cancelled.
func (s *Service) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := s.store.PruneChangeLog(ctx, time.Now().Add(-s.cfg.Retention))
			if err != nil {
				log.Printf("change log prune failed: %v", err)
				continue
			}
			if pruned > 0 {
				log.Printf("pruned %d change log records", pruned)
			}
		}
	}
}

func actor(actorID string) *string {
	if actorID == "" {
		return nil
	}
	return &actorID
}
