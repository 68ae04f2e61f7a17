package store

import (
	"encoding/json"
	"time"
)

// Entity type partitions of the change log. Versions are globally issued but
// each partition's stream is what a client subscribes to.
const (
	EntityMessage      = "message"
	EntityConversation = "conversation"
	EntityCustomer     = "customer"
)

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// ChangeRecord is one append-only row of the change log. Payload carries the
// entity state at write time for upserts and is null for deletes.
type ChangeRecord struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Version    uint64          `json:"version"`
	Operation  string          `json:"operation"`
	Scope      string          `json:"scope,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ActorID    *string         `json:"actor_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type ChatMessage struct {
	ID               string    `json:"id"`
	LineUserID       string    `json:"line_user_id"`
	Sender           string    `json:"sender"`
	Content          string    `json:"content"`
	MessageType      string    `json:"message_type"`
	Status           string    `json:"status"`
	Version          uint64    `json:"version"`
	VersionUpdatedAt time.Time `json:"version_updated_at"`
	CreatedAt        time.Time `json:"created_at"`
}

type Conversation struct {
	LineUserID       string    `json:"line_user_id"`
	AssignedStaffID  string    `json:"assigned_staff_id"`
	LastMessage      string    `json:"last_message"`
	LastMessageAt    time.Time `json:"last_message_at"`
	UnreadCount      int       `json:"unread_count"`
	Version          uint64    `json:"version"`
	VersionUpdatedAt time.Time `json:"version_updated_at"`
}

type Customer struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Phone            string     `json:"phone"`
	Region           string     `json:"region"`
	Channel          string     `json:"channel"`
	AssignedStaffID  string     `json:"assigned_staff_id"`
	Status           string     `json:"status"`
	Version          uint64     `json:"version"`
	VersionUpdatedAt time.Time  `json:"version_updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// VersionPair is a client-reported (id, version) claim checked by the
// validation sync endpoint.
type VersionPair struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

const (
	MismatchVersion = "version_mismatch"
	MismatchMissing = "missing_on_server"
)

type VersionMismatch struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	ClientVersion uint64 `json:"client_version"`
	ServerVersion uint64 `json:"server_version,omitempty"`
}
