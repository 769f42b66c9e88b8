package icechat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake remote API
// ============================================================================

// fakeAPI is a scriptable RemoteAPI for tests. Unset hooks fall back to
// successful defaults.
type fakeAPI struct {
	mu         sync.Mutex
	sendCalls  int
	fetchCalls int
	roomCalls  int

	sendFn  func(ctx context.Context, roomID, content string) (*SendAck, error)
	fetchFn func(ctx context.Context, roomID string, opts PageOptions) (*MessagePage, error)
	roomFn  func(ctx context.Context, roomID string) (*RoomInfo, error)
}

func (f *fakeAPI) SendMessage(ctx context.Context, roomID, content string) (*SendAck, error) {
	f.mu.Lock()
	f.sendCalls++
	n := f.sendCalls
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, roomID, content)
	}
	return &SendAck{ID: fmt.Sprintf("srv-%d", n), CreatedAt: time.Now().UTC()}, nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, roomID string, opts PageOptions) (*MessagePage, error) {
	f.mu.Lock()
	f.fetchCalls++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, roomID, opts)
	}
	return &MessagePage{}, nil
}

func (f *fakeAPI) FetchRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	f.mu.Lock()
	f.roomCalls++
	fn := f.roomFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, roomID)
	}
	return &RoomInfo{ID: roomID}, nil
}

func (f *fakeAPI) calls() (send, fetch, room int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls, f.fetchCalls, f.roomCalls
}

// ============================================================================
// Helpers
// ============================================================================

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// serverMsg builds a confirmed message n seconds after the test epoch.
func serverMsg(id, roomID string, offsetSec int) Message {
	return Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  "peer-1",
		Content:   "message " + id,
		CreatedAt: testEpoch.Add(time.Duration(offsetSec) * time.Second),
		Status:    StatusSent,
	}
}
