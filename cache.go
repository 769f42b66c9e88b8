package icechat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Cache is the persistent, room-scoped mirror of recently seen messages.
// It exists to render instantly before the first fetch completes and to
// survive process restarts. It is best-effort: callers log failures and
// move on, and the engine writes it only after successful store
// mutations, never the other way around.
type Cache interface {
	Get(ctx context.Context, roomID string) ([]Message, error)
	Put(ctx context.Context, roomID string, msgs []Message) error
	Delete(ctx context.Context, roomID string) error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache, for tests and for
// callers that opt out of persistence.
type MemoryCache struct {
	mu    sync.RWMutex
	rooms map[string][]Message
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{rooms: make(map[string][]Message)}
}

func (c *MemoryCache) Get(_ context.Context, roomID string) ([]Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.rooms[roomID]...), nil
}

func (c *MemoryCache) Put(_ context.Context, roomID string, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = append([]Message(nil), msgs...)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
	return nil
}

// ============================================================================
// SQLiteCache
// ============================================================================

// maxCachedPerRoom caps how many recent messages are persisted per room.
const maxCachedPerRoom = 200

// SQLiteCache persists room snapshots in a local SQLite database. Each
// room is one row holding a JSON payload: the cache contract is a
// room-scoped key-value store, not a queryable message table.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens (creating if needed) the cache database at path.
func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS room_messages (
			room_id    TEXT PRIMARY KEY,
			payload    BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &SQLiteCache{db: db}, nil
}

// Get returns the cached snapshot for a room, or nil when absent.
func (c *SQLiteCache) Get(ctx context.Context, roomID string) ([]Message, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT payload FROM room_messages WHERE room_id = ?", roomID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache read for room %s: %w", roomID, err)
	}

	var msgs []Message
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, fmt.Errorf("cache payload for room %s: %w", roomID, err)
	}
	return msgs, nil
}

// Put replaces the room snapshot, keeping only the newest
// maxCachedPerRoom entries.
func (c *SQLiteCache) Put(ctx context.Context, roomID string, msgs []Message) error {
	if len(msgs) > maxCachedPerRoom {
		msgs = msgs[len(msgs)-maxCachedPerRoom:]
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("cache encode for room %s: %w", roomID, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO room_messages (room_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		roomID, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache write for room %s: %w", roomID, err)
	}
	return nil
}

// Delete drops the room snapshot.
func (c *SQLiteCache) Delete(ctx context.Context, roomID string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM room_messages WHERE room_id = ?", roomID)
	if err != nil {
		return fmt.Errorf("cache delete for room %s: %w", roomID, err)
	}
	return nil
}

// Close closes the underlying database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
