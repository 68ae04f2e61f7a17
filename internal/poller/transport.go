// Package poller implements the client side of the incremental sync
// protocol: an HTTP transport, a reconnect/backoff policy, and a polling
// state machine that switches between long-poll and interval strategies.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ChangeRecord mirrors the server's change log row on the wire.
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

type ChangeSet struct {
	Success       bool           `json:"success"`
	SyncType      string         `json:"sync_type"`
	ClientVersion uint64         `json:"client_version"`
	Version       uint64         `json:"version"`
	Data          []ChangeRecord `json:"data"`
	Removed       []ChangeRecord `json:"removed,omitempty"`
	Partial       bool           `json:"partial"`
	HasMore       bool           `json:"has_more"`
	Timeout       bool           `json:"timeout"`
}

const (
	SyncFull        = "full"
	SyncIncremental = "incremental"

	OpUpsert = "upsert"
	OpDelete = "delete"
)

type PollRequest struct {
	EntityType string
	Since      uint64
	Scope      string
	Timeout    time.Duration
	Limit      int
}

// Transport issues one sync request. Poll holds the request open server-side;
// Fetch is the cheap non-blocking variant used by the fallback strategy.
type Transport interface {
	Poll(ctx context.Context, req PollRequest) (*ChangeSet, error)
	Fetch(ctx context.Context, req PollRequest) (*ChangeSet, error)
}

// ErrUnauthorized is terminal: the poller stops and surfaces a re-login
// requirement instead of retrying.
var ErrUnauthorized = errors.New("unauthorized")

// TransportError wraps transient transport failures (network errors, 5xx).
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error: status %d", e.Status)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPTransport talks to the sync API over HTTP with a bearer token.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		// The client timeout must outlive the longest server-side hold.
		client: &http.Client{Timeout: 45 * time.Second},
	}
}

func (t *HTTPTransport) Poll(ctx context.Context, req PollRequest) (*ChangeSet, error) {
	return t.get(ctx, "/api/v1/poll", req, true)
}

func (t *HTTPTransport) Fetch(ctx context.Context, req PollRequest) (*ChangeSet, error) {
	return t.get(ctx, "/api/v1/updates", req, false)
}

func (t *HTTPTransport) get(ctx context.Context, path string, req PollRequest, withTimeout bool) (*ChangeSet, error) {
	query := url.Values{}
	query.Set("type", req.EntityType)
	query.Set("version", strconv.FormatUint(req.Since, 10))
	if req.Scope != "" {
		query.Set("scope", req.Scope)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if withTimeout && req.Timeout > 0 {
		query.Set("timeout", strconv.Itoa(int(req.Timeout/time.Second)))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode >= 500:
		return nil, &TransportError{Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("poll rejected: status %d", resp.StatusCode)
	}

	var cs ChangeSet
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode change set: %w", err)}
	}
	return &cs, nil
}
