package icechat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Message
// ============================================================================

// Status is the delivery state of a message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusRetrying Status = "retrying"
)

// Message is a single chat message. Exactly one of ID or TemporaryID
// identifies it: ID once the server has accepted the message, TemporaryID
// for messages that only exist on this device. Once ID is set it never
// changes and wins all identity comparisons.
type Message struct {
	ID          string    `json:"id,omitempty"`
	TemporaryID string    `json:"temporaryId,omitempty"`
	RoomID      string    `json:"roomId"`
	SenderID    string    `json:"senderId"`
	Content     string    `json:"content"`
	MediaURL    string    `json:"mediaUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Status      Status    `json:"status"`
	RetryCount  int       `json:"retryCount,omitempty"`
	MaxRetries  int       `json:"maxRetries,omitempty"`
	IsRetryable bool      `json:"isRetryable,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Key returns the identity key used for deduplication: ID when present,
// else TemporaryID. Empty for unidentifiable messages, which callers
// must drop rather than duplicate.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TemporaryID
}

// ============================================================================
// Room and participants
// ============================================================================

// Participant is a normalized chat participant. Rooms hold only UserID
// references; the Directory owns the single copy of each participant so
// avatar or name updates never go stale in one room but not another.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// Room is chat room metadata. IsDeleted is a soft flag: a room is never
// hard-removed locally while cached messages still reference it.
type Room struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	IsDeleted    bool      `json:"isDeleted"`
	LastActivity time.Time `json:"lastActivityAt"`
}

// ============================================================================
// Remote API payloads
// ============================================================================

// SendAck is the server's acknowledgement of an accepted message.
type SendAck struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// PageOptions selects a page of history older than CursorID.
type PageOptions struct {
	CursorID string
	Limit    int
}

// MessagePage is one page of room history, newest-last.
type MessagePage struct {
	Messages []Message `json:"messages"`
	PageSize int       `json:"pageSize"`
}

// RoomInfo is the wire shape of room metadata, with participants embedded.
// The Directory normalizes it on intake.
type RoomInfo struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	IsDeleted    bool          `json:"isDeleted"`
	LastActivity time.Time     `json:"lastActivityAt"`
}

// ============================================================================
// Errors
// ============================================================================

// ErrNetwork marks transport-level failures (connection refused, DNS,
// reset). Always retryable.
var ErrNetwork = errors.New("network error")

// ErrTimeout marks a request that ran out of time. Always retryable.
var ErrTimeout = errors.New("timeout")

// APIError is an error response from the message API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error (HTTP %d): %s", e.Status, e.Message)
}

// Retryable reports whether the error class is worth another attempt:
// all 5xx plus 408 and 429. Other 4xx responses are validation-type
// failures that will fail the same way every time.
func (e *APIError) Retryable() bool {
	switch {
	case e.Status >= 500:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// retryable classifies an error exactly once at the pipeline boundary.
// Downstream code only ever sees the resulting IsRetryable flag.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// The caller's own cancellation is not a transport failure.
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Anything else that never reached the API is a transport problem.
	return true
}
