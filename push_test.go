package icechat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPushSecret = "test-push-secret-key"

func makePushSignature(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func makePushBody(t *testing.T, event string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"event":     event,
		"roomId":    "room-1",
		"messageId": "srv-1",
		"senderId":  "user-2",
		"content":   "your order is ready",
		"createdAt": testEpoch,
	})
	require.NoError(t, err)
	return string(b)
}

// ============================================================================
// VerifyPushSignature
// ============================================================================

func TestVerifyPushSignature(t *testing.T) {
	body := `{"event":"message.new"}`

	t.Run("valid signature", func(t *testing.T) {
		sig := makePushSignature(body, testPushSecret)
		assert.True(t, VerifyPushSignature(body, sig, testPushSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(makePushSignature(body, testPushSecret), "sha256=")
		assert.True(t, VerifyPushSignature(body, sig, testPushSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		sig := makePushSignature(body, "other-secret")
		assert.False(t, VerifyPushSignature(body, sig, testPushSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := makePushSignature(body, testPushSecret)
		assert.False(t, VerifyPushSignature(body+" ", sig, testPushSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		sig := makePushSignature(body, testPushSecret)
		assert.False(t, VerifyPushSignature("", sig, testPushSecret))
		assert.False(t, VerifyPushSignature(body, "", testPushSecret))
		assert.False(t, VerifyPushSignature(body, sig, ""))
		assert.False(t, VerifyPushSignature(body, "sha256=", testPushSecret))
	})
}

// ============================================================================
// ParsePushPayload
// ============================================================================

func TestParsePushPayload(t *testing.T) {
	t.Run("valid message payload", func(t *testing.T) {
		p, err := ParsePushPayload([]byte(makePushBody(t, PushEventMessageNew)))
		require.NoError(t, err)
		assert.Equal(t, "room-1", p.RoomID)
		assert.Equal(t, "srv-1", p.MessageID)
		assert.Equal(t, testEpoch, p.CreatedAt)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParsePushPayload([]byte("{not json"))
		assert.Error(t, err)
	})

	t.Run("missing event", func(t *testing.T) {
		_, err := ParsePushPayload([]byte(`{"roomId":"room-1"}`))
		assert.Error(t, err)
	})

	t.Run("missing room", func(t *testing.T) {
		_, err := ParsePushPayload([]byte(`{"event":"message.new","messageId":"m1"}`))
		assert.Error(t, err)
	})

	t.Run("new message requires message id", func(t *testing.T) {
		_, err := ParsePushPayload([]byte(`{"event":"message.new","roomId":"room-1"}`))
		assert.Error(t, err)
	})

	t.Run("room deleted needs no message id", func(t *testing.T) {
		p, err := ParsePushPayload([]byte(`{"event":"room.deleted","roomId":"room-1"}`))
		require.NoError(t, err)
		assert.Equal(t, PushEventRoomDeleted, p.Event)
	})
}

// ============================================================================
// PushReceiver
// ============================================================================

func TestNewPushReceiver(t *testing.T) {
	engine := NewEngine(&fakeAPI{})

	_, err := NewPushReceiver("", engine)
	assert.Error(t, err)

	_, err = NewPushReceiver(testPushSecret, nil)
	assert.Error(t, err)

	pr, err := NewPushReceiver(testPushSecret, engine)
	require.NoError(t, err)
	assert.NotNil(t, pr)
}

func TestPushReceiverHandle(t *testing.T) {
	newReceiver := func(t *testing.T) (*PushReceiver, *Engine) {
		t.Helper()
		engine := NewEngine(&fakeAPI{})
		pr, err := NewPushReceiver(testPushSecret, engine)
		require.NoError(t, err)
		return pr, engine
	}

	t.Run("applies a verified message", func(t *testing.T) {
		pr, engine := newReceiver(t)
		body := makePushBody(t, PushEventMessageNew)

		status, _ := pr.Handle([]byte(body), makePushSignature(body, testPushSecret))
		assert.Equal(t, http.StatusOK, status)

		msgs := engine.Messages("room-1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "srv-1", msgs[0].ID)
		assert.Equal(t, StatusSent, msgs[0].Status)
	})

	t.Run("rejects a bad signature", func(t *testing.T) {
		pr, engine := newReceiver(t)
		body := makePushBody(t, PushEventMessageNew)

		status, _ := pr.Handle([]byte(body), makePushSignature(body, "wrong"))
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Empty(t, engine.Messages("room-1"))
	})

	t.Run("rejects a malformed payload", func(t *testing.T) {
		pr, _ := newReceiver(t)
		body := `{"event":""}`

		status, _ := pr.Handle([]byte(body), makePushSignature(body, testPushSecret))
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestPushReceiverHTTPHandler(t *testing.T) {
	engine := NewEngine(&fakeAPI{})
	pr, err := NewPushReceiver(testPushSecret, engine)
	require.NoError(t, err)
	srv := httptest.NewServer(pr.HTTPHandler())
	defer srv.Close()

	t.Run("rejects non-POST", func(t *testing.T) {
		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("accepts a signed delivery", func(t *testing.T) {
		body := makePushBody(t, PushEventMessageNew)
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-Iceberg-Signature", makePushSignature(body, testPushSecret))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, engine.Messages("room-1"), 1)
	})
}

// ============================================================================
// Engine push intake
// ============================================================================

func TestEngineHandlePush(t *testing.T) {
	t.Run("pushed and fetched copies converge", func(t *testing.T) {
		engine := NewEngine(&fakeAPI{})

		engine.HandlePush(&PushPayload{
			Event:     PushEventMessageNew,
			RoomID:    "room-1",
			MessageID: "srv-1",
			SenderID:  "user-2",
			Content:   "hello",
			CreatedAt: testEpoch,
		})

		// The same message arrives again through a history fetch.
		engine.store.Upsert(serverMsg("srv-1", "room-1", 0))

		assert.Len(t, engine.Messages("room-1"), 1)
	})

	t.Run("missing timestamp gets a local one", func(t *testing.T) {
		engine := NewEngine(&fakeAPI{})
		engine.HandlePush(&PushPayload{
			Event:     PushEventMessageNew,
			RoomID:    "room-1",
			MessageID: "srv-1",
		})

		msgs := engine.Messages("room-1")
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].CreatedAt.IsZero())
	})

	t.Run("room deleted marks the directory", func(t *testing.T) {
		engine := NewEngine(&fakeAPI{})
		engine.HandlePush(&PushPayload{Event: PushEventRoomDeleted, RoomID: "room-1"})
		assert.True(t, engine.IsRoomDeleted("room-1"))
	})

	t.Run("unknown events are ignored", func(t *testing.T) {
		engine := NewEngine(&fakeAPI{})
		engine.HandlePush(&PushPayload{Event: "typing.started", RoomID: "room-1"})
		assert.Empty(t, engine.Messages("room-1"))
	})
}
