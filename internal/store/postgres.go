package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
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

// CurrentVersion reads the authoritative counter. Callers that only need a
// fast-path hint should go through the service-level cached copy instead.
func (s *PostgresStore) CurrentVersion(ctx context.Context) (uint64, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx, `SELECT current_version FROM global_version WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	return version, nil
}

// nextVersion increments the counter under the row lock held by tx. An error
// here fails the enclosing write: an unversioned mutation would be invisible
// to every poller.
func nextVersion(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var version uint64
	err := tx.QueryRowContext(ctx, `
		UPDATE global_version SET current_version = current_version + 1
		WHERE id = 1
		RETURNING current_version
	`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("issue version: %w", err)
	}
	return version, nil
}

func recordChange(ctx context.Context, tx *sql.Tx, rec ChangeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (entity_type, entity_id, version, operation, scope, payload, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.EntityType, rec.EntityID, rec.Version, rec.Operation, rec.Scope, nullableJSON(rec.Payload), rec.ActorID)
	if err != nil {
		return fmt.Errorf("record change %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// CreateMessage inserts a chat message and bumps the conversation summary for
// its line user in one transaction. Each mutated entity gets its own version
// and change record; the returned version is the highest issued.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg ChatMessage, actorID *string) (ChatMessage, Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, Conversation{}, fmt.Errorf("begin create message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	msgVersion, err := nextVersion(ctx, tx)
	if err != nil {
		return ChatMessage{}, Conversation{}, err
	}
	msg.Version = msgVersion
	msg.VersionUpdatedAt = now
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, line_user_id, sender, content, message_type, status, version, version_updated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, msg.ID, msg.LineUserID, msg.Sender, msg.Content, msg.MessageType, msg.Status, msg.Version, msg.VersionUpdatedAt, msg.CreatedAt); err != nil {
		return ChatMessage{}, Conversation{}, fmt.Errorf("insert message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return ChatMessage{}, Conversation{}, fmt.Errorf("marshal message payload: %w", err)
	}
	if err := recordChange(ctx, tx, ChangeRecord{
		EntityType: EntityMessage,
		EntityID:   msg.ID,
		Version:    msg.Version,
		Operation:  OpUpsert,
		Scope:      msg.LineUserID,
		Payload:    payload,
		ActorID:    actorID,
	}); err != nil {
		return ChatMessage{}, Conversation{}, err
	}

	convVersion, err := nextVersion(ctx, tx)
	if err != nil {
		return ChatMessage{}, Conversation{}, err
	}

	unreadDelta := 0
	if msg.Sender == "customer" {
		unreadDelta = 1
	}
	var conv Conversation
	err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (line_user_id, last_message, last_message_at, unread_count, version, version_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (line_user_id) DO UPDATE SET
			last_message = EXCLUDED.last_message,
			last_message_at = EXCLUDED.last_message_at,
			unread_count = conversations.unread_count + $7,
			version = EXCLUDED.version,
			version_updated_at = EXCLUDED.version_updated_at
		RETURNING line_user_id, assigned_staff_id, last_message, last_message_at, unread_count, version, version_updated_at
	`, msg.LineUserID, msg.Content, msg.CreatedAt, unreadDelta, convVersion, now, unreadDelta).Scan(
		&conv.LineUserID, &conv.AssignedStaffID, &conv.LastMessage, &conv.LastMessageAt,
		&conv.UnreadCount, &conv.Version, &conv.VersionUpdatedAt,
	)
	if err != nil {
		return ChatMessage{}, Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}

	convPayload, err := json.Marshal(conv)
	if err != nil {
		return ChatMessage{}, Conversation{}, fmt.Errorf("marshal conversation payload: %w", err)
	}
	if err := recordChange(ctx, tx, ChangeRecord{
		EntityType: EntityConversation,
		EntityID:   conv.LineUserID,
		Version:    conv.Version,
		Operation:  OpUpsert,
		Scope:      conv.AssignedStaffID,
		Payload:    convPayload,
		ActorID:    actorID,
	}); err != nil {
		return ChatMessage{}, Conversation{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChatMessage{}, Conversation{}, fmt.Errorf("commit create message: %w", err)
	}
	return msg, conv, nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, messageID, status string, actorID *string) (ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("begin update message status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return ChatMessage{}, err
	}

	var msg ChatMessage
	err = tx.QueryRowContext(ctx, `
		UPDATE chat_messages
		SET status = $2, version = $3, version_updated_at = NOW()
		WHERE id = $1
		RETURNING id, line_user_id, sender, content, message_type, status, version, version_updated_at, created_at
	`, messageID, status, version).Scan(
		&msg.ID, &msg.LineUserID, &msg.Sender, &msg.Content, &msg.MessageType,
		&msg.Status, &msg.Version, &msg.VersionUpdatedAt, &msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatMessage{}, err
	}
	if err != nil {
		return ChatMessage{}, fmt.Errorf("update message status: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("marshal message payload: %w", err)
	}
	if err := recordChange(ctx, tx, ChangeRecord{
		EntityType: EntityMessage,
		EntityID:   msg.ID,
		Version:    msg.Version,
		Operation:  OpUpsert,
		Scope:      msg.LineUserID,
		Payload:    payload,
		ActorID:    actorID,
	}); err != nil {
		return ChatMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChatMessage{}, fmt.Errorf("commit update message status: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) UpsertCustomer(ctx context.Context, customer Customer, actorID *string) (Customer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Customer{}, fmt.Errorf("begin upsert customer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return Customer{}, err
	}

	var saved Customer
	err = tx.QueryRowContext(ctx, `
		INSERT INTO customers (id, name, phone, region, channel, assigned_staff_id, status, version, version_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			region = EXCLUDED.region,
			channel = EXCLUDED.channel,
			assigned_staff_id = EXCLUDED.assigned_staff_id,
			status = EXCLUDED.status,
			version = EXCLUDED.version,
			version_updated_at = NOW(),
			deleted_at = NULL
		RETURNING id, name, phone, region, channel, assigned_staff_id, status, version, version_updated_at
	`, customer.ID, customer.Name, customer.Phone, customer.Region, customer.Channel,
		customer.AssignedStaffID, customer.Status, version).Scan(
		&saved.ID, &saved.Name, &saved.Phone, &saved.Region, &saved.Channel,
		&saved.AssignedStaffID, &saved.Status, &saved.Version, &saved.VersionUpdatedAt,
	)
	if err != nil {
		return Customer{}, fmt.Errorf("upsert customer: %w", err)
	}

	payload, err := json.Marshal(saved)
	if err != nil {
		return Customer{}, fmt.Errorf("marshal customer payload: %w", err)
	}
	if err := recordChange(ctx, tx, ChangeRecord{
		EntityType: EntityCustomer,
		EntityID:   saved.ID,
		Version:    saved.Version,
		Operation:  OpUpsert,
		Scope:      saved.AssignedStaffID,
		Payload:    payload,
		ActorID:    actorID,
	}); err != nil {
		return Customer{}, err
	}

	if err := tx.Commit(); err != nil {
		return Customer{}, fmt.Errorf("commit upsert customer: %w", err)
	}
	return saved, nil
}

// DeleteCustomer soft-deletes the row and appends a delete record so pollers
// learn about the removal through the same version stream.
func (s *PostgresStore) DeleteCustomer(ctx context.Context, customerID string, actorID *string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete customer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version, err := nextVersion(ctx, tx)
	if err != nil {
		return 0, err
	}

	var scope string
	err = tx.QueryRowContext(ctx, `
		UPDATE customers
		SET deleted_at = NOW(), version = $2, version_updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING assigned_staff_id
	`, customerID, version).Scan(&scope)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("soft delete customer: %w", err)
	}

	if err := recordChange(ctx, tx, ChangeRecord{
		EntityType: EntityCustomer,
		EntityID:   customerID,
		Version:    version,
		Operation:  OpDelete,
		Scope:      scope,
		ActorID:    actorID,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete customer: %w", err)
	}
	return version, nil
}

// ListChangesSince returns change records with version > since for one entity
// type, oldest first, bounded by limit. Scope narrows the stream when set.
func (s *PostgresStore) ListChangesSince(ctx context.Context, entityType string, since uint64, scope string, limit int) ([]ChangeRecord, error) {
	query := `
		SELECT entity_type, entity_id, version, operation, scope, payload, actor_id, created_at
		FROM change_log
		WHERE entity_type = $1 AND version > $2
	`
	args := []any{entityType, since}
	if scope != "" {
		query += ` AND scope = $3`
		args = append(args, scope)
	}
	query += fmt.Sprintf(` ORDER BY version ASC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		var payload []byte
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.Version, &rec.Operation,
			&rec.Scope, &payload, &rec.ActorID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return records, nil
}

// Snapshot returns the current materialized state for an entity type as
// upsert records, newest version first, bounded by limit. Soft-deleted rows
// are excluded: a full sync is a baseline, not a replay.
func (s *PostgresStore) Snapshot(ctx context.Context, entityType, scope string, limit int) ([]ChangeRecord, error) {
	switch entityType {
	case EntityMessage:
		return s.snapshotMessages(ctx, scope, limit)
	case EntityConversation:
		return s.snapshotConversations(ctx, scope, limit)
	case EntityCustomer:
		return s.snapshotCustomers(ctx, scope, limit)
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
}

func (s *PostgresStore) snapshotMessages(ctx context.Context, scope string, limit int) ([]ChangeRecord, error) {
	query := `
		SELECT id, line_user_id, sender, content, message_type, status, version, version_updated_at, created_at
		FROM chat_messages
	`
	var args []any
	if scope != "" {
		query += ` WHERE line_user_id = $1`
		args = append(args, scope)
	}
	query += fmt.Sprintf(` ORDER BY version DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot messages: %w", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.LineUserID, &msg.Sender, &msg.Content, &msg.MessageType,
			&msg.Status, &msg.Version, &msg.VersionUpdatedAt, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec, err := snapshotRecord(EntityMessage, msg.ID, msg.Version, msg.LineUserID, msg.VersionUpdatedAt, msg)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) snapshotConversations(ctx context.Context, scope string, limit int) ([]ChangeRecord, error) {
	query := `
		SELECT line_user_id, assigned_staff_id, last_message, last_message_at, unread_count, version, version_updated_at
		FROM conversations
	`
	var args []any
	if scope != "" {
		query += ` WHERE assigned_staff_id = $1`
		args = append(args, scope)
	}
	query += fmt.Sprintf(` ORDER BY version DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot conversations: %w", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.LineUserID, &conv.AssignedStaffID, &conv.LastMessage,
			&conv.LastMessageAt, &conv.UnreadCount, &conv.Version, &conv.VersionUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		rec, err := snapshotRecord(EntityConversation, conv.LineUserID, conv.Version, conv.AssignedStaffID, conv.VersionUpdatedAt, conv)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) snapshotCustomers(ctx context.Context, scope string, limit int) ([]ChangeRecord, error) {
	query := `
		SELECT id, name, phone, region, channel, assigned_staff_id, status, version, version_updated_at
		FROM customers
		WHERE deleted_at IS NULL
	`
	var args []any
	if scope != "" {
		query += ` AND assigned_staff_id = $1`
		args = append(args, scope)
	}
	query += fmt.Sprintf(` ORDER BY version DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot customers: %w", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var customer Customer
		if err := rows.Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.Region,
			&customer.Channel, &customer.AssignedStaffID, &customer.Status,
			&customer.Version, &customer.VersionUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		rec, err := snapshotRecord(EntityCustomer, customer.ID, customer.Version, customer.AssignedStaffID, customer.VersionUpdatedAt, customer)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func snapshotRecord(entityType, entityID string, version uint64, scope string, updatedAt time.Time, entity any) (ChangeRecord, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return ChangeRecord{}, fmt.Errorf("marshal %s snapshot: %w", entityType, err)
	}
	return ChangeRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		Operation:  OpUpsert,
		Scope:      scope,
		Payload:    payload,
		CreatedAt:  updatedAt,
	}, nil
}

// EntityVersions reports the server-side version stamp for each requested id.
// Missing ids are absent from the result.
func (s *PostgresStore) EntityVersions(ctx context.Context, entityType string, ids []string) (map[string]uint64, error) {
	var query string
	switch entityType {
	case EntityMessage:
		query = `SELECT id, version FROM chat_messages WHERE id = ANY($1)`
	case EntityConversation:
		query = `SELECT line_user_id, version FROM conversations WHERE line_user_id = ANY($1)`
	case EntityCustomer:
		query = `SELECT id, version FROM customers WHERE id = ANY($1) AND deleted_at IS NULL`
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	rows, err := s.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("load entity versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[string]uint64, len(ids))
	for rows.Next() {
		var id string
		var version uint64
		if err := rows.Scan(&id, &version); err != nil {
			return nil, fmt.Errorf("scan entity version: %w", err)
		}
		versions[id] = version
	}
	return versions, rows.Err()
}

// ListConversations is the expensive aggregate projection behind the cached
// conversation list endpoint.
func (s *PostgresStore) ListConversations(ctx context.Context, staffID string) ([]Conversation, error) {
	query := `
		SELECT line_user_id, assigned_staff_id, last_message, last_message_at, unread_count, version, version_updated_at
		FROM conversations
	`
	var args []any
	if staffID != "" {
		query += ` WHERE assigned_staff_id = $1`
		args = append(args, staffID)
	}
	query += ` ORDER BY last_message_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var items []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.LineUserID, &conv.AssignedStaffID, &conv.LastMessage,
			&conv.LastMessageAt, &conv.UnreadCount, &conv.Version, &conv.VersionUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

func (s *PostgresStore) PruneChangeLog(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM change_log WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune change log: %w", err)
	}
	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune change log rows affected: %w", err)
	}
	return pruned, nil
}
