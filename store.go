package icechat

import (
	"sort"
	"sync"
)

// Store is the ordered, deduplicated collection of messages per room and
// the single mutable owner of message state. Every component reads from
// it or writes through Upsert/Transition/Remove; nothing mutates message
// values in place.
type Store struct {
	mu    sync.RWMutex
	rooms map[string][]*Message

	// notify is invoked after every successful mutation, outside the
	// lock. The engine uses it to fan out to subscribers.
	notify func(roomID string)
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{rooms: make(map[string][]*Message)}
}

// OnChange registers the mutation callback. At most one; the engine owns it.
func (s *Store) OnChange(fn func(roomID string)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// findLocked returns the index of the message matched by ID first, then
// TemporaryID. ID takes precedence: a confirmed record keeps winning even
// if it still carries its old temporary identity.
func findLocked(msgs []*Message, key string) int {
	for i, m := range msgs {
		if m.ID != "" && m.ID == key {
			return i
		}
	}
	for i, m := range msgs {
		if m.TemporaryID != "" && m.TemporaryID == key {
			return i
		}
	}
	return -1
}

// Upsert inserts or replaces a message. An existing entry matched by ID,
// else by TemporaryID, is replaced in place so insertion order is stable;
// unmatched messages are appended. Messages with no identity are dropped.
func (s *Store) Upsert(msg Message) {
	if msg.Key() == "" {
		return
	}

	s.mu.Lock()
	msgs := s.rooms[msg.RoomID]
	idx := -1
	if msg.ID != "" {
		idx = findLocked(msgs, msg.ID)
	}
	if idx < 0 && msg.TemporaryID != "" {
		idx = findLocked(msgs, msg.TemporaryID)
	}
	m := msg
	if idx >= 0 {
		msgs[idx] = &m
	} else {
		s.rooms[msg.RoomID] = append(msgs, &m)
	}
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(msg.RoomID)
	}
}

// Transition moves the message matched by id or temporary id to a new
// status, applying patch to the stored copy. A missing target is a
// recoverable condition (evicted or cancelled), not an error: the call is
// a silent no-op and returns false.
func (s *Store) Transition(key string, status Status, patch func(*Message)) bool {
	s.mu.Lock()
	var found *Message
	var roomID string
	for id, msgs := range s.rooms {
		if idx := findLocked(msgs, key); idx >= 0 {
			found = msgs[idx]
			roomID = id
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return false
	}
	found.Status = status
	if patch != nil {
		patch(found)
	}
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(roomID)
	}
	return true
}

// Remove deletes the message matched by id or temporary id entirely.
// Safe to call from any state; removing an absent message is a no-op.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	var roomID string
	removed := false
	for id, msgs := range s.rooms {
		if idx := findLocked(msgs, key); idx >= 0 {
			s.rooms[id] = append(msgs[:idx], msgs[idx+1:]...)
			roomID = id
			removed = true
			break
		}
	}
	notify := s.notify
	s.mu.Unlock()

	if removed && notify != nil {
		notify(roomID)
	}
	return removed
}

// Contains reports whether a message with the given identity key is
// present. The delivery pipeline uses it to discard late results for
// cancelled messages.
func (s *Store) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msgs := range s.rooms {
		if findLocked(msgs, key) >= 0 {
			return true
		}
	}
	return false
}

// Get returns a copy of the message matched by identity key.
func (s *Store) Get(key string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, msgs := range s.rooms {
		if idx := findLocked(msgs, key); idx >= 0 {
			return *msgs[idx], true
		}
	}
	return Message{}, false
}

// MessagesForRoom returns the room's messages ordered by CreatedAt
// ascending, newest-last. The sort is stable so ties keep insertion
// order and rendering stays deterministic.
func (s *Store) MessagesForRoom(roomID string) []Message {
	s.mu.RLock()
	msgs := s.rooms[roomID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reset drops all messages for all rooms.
func (s *Store) Reset() {
	s.mu.Lock()
	s.rooms = make(map[string][]*Message)
	s.mu.Unlock()
}
