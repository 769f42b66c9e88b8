package icechat

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Push payloads
// ============================================================================

// PushPayload is a message delivered out-of-band by the push notifier.
// The engine folds it into the store through the same Upsert contract as
// a fetched message, so a pushed record and a later-polled record
// converge to one entry keyed by MessageID.
type PushPayload struct {
	Event     string    `json:"event"`
	RoomID    string    `json:"roomId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content,omitempty"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Push event kinds.
const (
	PushEventMessageNew  = "message.new"
	PushEventRoomDeleted = "room.deleted"
)

// ============================================================================
// Verification and parsing
// ============================================================================

// VerifyPushSignature verifies a push delivery's HMAC-SHA256 signature
// using constant-time comparison. The "sha256=" prefix is optional.
func VerifyPushSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePushPayload parses and validates a raw push body.
func ParsePushPayload(body []byte) (*PushPayload, error) {
	var payload PushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in push payload")
	}
	if payload.RoomID == "" {
		return nil, fmt.Errorf("missing roomId in push payload")
	}
	if payload.Event == PushEventMessageNew && payload.MessageID == "" {
		return nil, fmt.Errorf("missing messageId in push payload")
	}
	return &payload, nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushReceiver verifies, parses and routes push deliveries into an
// engine. It is the glue between an external push transport (webhook
// endpoint, platform notification handler) and the message store.
type PushReceiver struct {
	secret string
	engine *Engine
}

// NewPushReceiver creates a receiver for the given shared secret.
func NewPushReceiver(secret string, engine *Engine) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	return &PushReceiver{secret: secret, engine: engine}, nil
}

// Handle verifies and applies one push delivery, returning the status
// code and response body for the caller to write.
func (pr *PushReceiver) Handle(body []byte, signature string) (int, any) {
	if !VerifyPushSignature(string(body), signature, pr.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	payload, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	pr.engine.HandlePush(payload)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler for webhook-style push delivery.
//
// Example:
//
//	pr, _ := icechat.NewPushReceiver(secret, engine)
//	http.Handle("/push", pr.HTTPHandler())
func (pr *PushReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := pr.Handle(body, r.Header.Get("X-Iceberg-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
