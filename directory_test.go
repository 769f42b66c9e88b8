package icechat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoomInfo() RoomInfo {
	return RoomInfo{
		ID: "room-1",
		Participants: []Participant{
			{UserID: "user-1", DisplayName: "Courier"},
			{UserID: "user-2", DisplayName: "Customer"},
		},
		LastActivity: testEpoch,
	}
}

func TestDirectoryPutRoom(t *testing.T) {
	t.Run("normalizes participants into the shared table", func(t *testing.T) {
		d := NewDirectory()
		d.PutRoom(testRoomInfo())

		room, ok := d.Room("room-1")
		require.True(t, ok)
		assert.Equal(t, []string{"user-1", "user-2"}, room.Participants)

		p, ok := d.Participant("user-2")
		require.True(t, ok)
		assert.Equal(t, "Customer", p.DisplayName)
	})

	t.Run("profile update is visible in every room", func(t *testing.T) {
		d := NewDirectory()
		d.PutRoom(testRoomInfo())

		second := testRoomInfo()
		second.ID = "room-2"
		second.Participants[1].DisplayName = "Customer (renamed)"
		d.PutRoom(second)

		p, ok := d.Participant("user-2")
		require.True(t, ok)
		assert.Equal(t, "Customer (renamed)", p.DisplayName)
	})

	t.Run("deleted flag sticks", func(t *testing.T) {
		d := NewDirectory()
		info := testRoomInfo()
		info.IsDeleted = true
		d.PutRoom(info)

		// A refetch without the flag must not resurrect the room.
		d.PutRoom(testRoomInfo())
		assert.True(t, d.IsRoomDeleted("room-1"))
	})

	t.Run("last activity only advances", func(t *testing.T) {
		d := NewDirectory()
		d.PutRoom(testRoomInfo())

		stale := testRoomInfo()
		stale.LastActivity = testEpoch.Add(-time.Hour)
		d.PutRoom(stale)

		room, _ := d.Room("room-1")
		assert.Equal(t, testEpoch, room.LastActivity)
	})

	t.Run("participants without an id are skipped", func(t *testing.T) {
		d := NewDirectory()
		info := testRoomInfo()
		info.Participants = append(info.Participants, Participant{DisplayName: "ghost"})
		d.PutRoom(info)

		room, _ := d.Room("room-1")
		assert.Len(t, room.Participants, 2)
	})
}

func TestDirectoryResolveParticipant(t *testing.T) {
	t.Run("returns the other party", func(t *testing.T) {
		d := NewDirectory()
		d.PutRoom(testRoomInfo())

		p := d.ResolveParticipant("room-1", "user-1")
		require.NotNil(t, p)
		assert.Equal(t, "user-2", p.UserID)
	})

	t.Run("unknown room resolves to nil, not an error", func(t *testing.T) {
		d := NewDirectory()
		assert.Nil(t, d.ResolveParticipant("room-404", "user-1"))
	})

	t.Run("room known but participants not loaded", func(t *testing.T) {
		d := NewDirectory()
		d.TouchActivity("room-1", testEpoch)
		assert.Nil(t, d.ResolveParticipant("room-1", "user-1"))
	})
}

func TestDirectoryDeletion(t *testing.T) {
	d := NewDirectory()

	// Unknown rooms are treated as live.
	assert.False(t, d.IsRoomDeleted("room-1"))

	d.MarkDeleted("room-1")
	assert.True(t, d.IsRoomDeleted("room-1"))

	// The record stays queryable after deletion.
	_, ok := d.Room("room-1")
	assert.True(t, ok)
}

func TestDirectoryTouchActivity(t *testing.T) {
	d := NewDirectory()

	d.TouchActivity("room-1", testEpoch)
	d.TouchActivity("room-1", testEpoch.Add(-time.Minute))

	room, ok := d.Room("room-1")
	require.True(t, ok)
	assert.Equal(t, testEpoch, room.LastActivity)
}
