package icechat

import (
	"sync"
	"time"
)

// Directory tracks room metadata and the normalized participant table.
// Rooms reference participants by user ID only; the directory owns the
// single copy of each participant record, so a profile update is visible
// everywhere at once instead of leaving stale embedded copies behind.
type Directory struct {
	mu           sync.RWMutex
	rooms        map[string]*Room
	participants map[string]Participant
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		rooms:        make(map[string]*Room),
		participants: make(map[string]Participant),
	}
}

// PutRoom normalizes fetched room metadata: participants go into the
// shared table, the room keeps references. A room that is already known
// is updated in place; the soft-delete flag is preserved once set.
func (d *Directory) PutRoom(info RoomInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	refs := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		if p.UserID == "" {
			continue
		}
		d.participants[p.UserID] = p
		refs = append(refs, p.UserID)
	}

	room := d.rooms[info.ID]
	if room == nil {
		room = &Room{ID: info.ID}
		d.rooms[info.ID] = room
	}
	if len(refs) > 0 {
		room.Participants = refs
	}
	if info.IsDeleted {
		room.IsDeleted = true
	}
	if info.LastActivity.After(room.LastActivity) {
		room.LastActivity = info.LastActivity
	}
}

// Room returns a copy of the room metadata, if known.
func (d *Directory) Room(roomID string) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room := d.rooms[roomID]
	if room == nil {
		return Room{}, false
	}
	out := *room
	out.Participants = append([]string(nil), room.Participants...)
	return out, true
}

// Participant returns the normalized participant record for a user.
func (d *Directory) Participant(userID string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[userID]
	return p, ok
}

// ResolveParticipant returns the other party in a two-person room. Nil
// means the room's participants are not loaded yet; callers treat that
// as "unknown", not an error.
func (d *Directory) ResolveParticipant(roomID, excludeUserID string) *Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room := d.rooms[roomID]
	if room == nil {
		return nil
	}
	for _, userID := range room.Participants {
		if userID == excludeUserID {
			continue
		}
		if p, ok := d.participants[userID]; ok {
			out := p
			return &out
		}
	}
	return nil
}

// IsRoomDeleted reports the soft-delete flag, defaulting to false for
// unknown rooms.
func (d *Directory) IsRoomDeleted(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room := d.rooms[roomID]
	return room != nil && room.IsDeleted
}

// MarkDeleted sets the soft-delete flag. The room record stays around as
// long as cached messages may still reference it.
func (d *Directory) MarkDeleted(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room := d.rooms[roomID]
	if room == nil {
		room = &Room{ID: roomID}
		d.rooms[roomID] = room
	}
	room.IsDeleted = true
}

// TouchActivity advances the room's last-activity time, creating the
// room record on first contact with a new peer.
func (d *Directory) TouchActivity(roomID string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room := d.rooms[roomID]
	if room == nil {
		room = &Room{ID: roomID}
		d.rooms[roomID] = room
	}
	if at.After(room.LastActivity) {
		room.LastActivity = at
	}
}
