package icechat

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// pageState is the backward-history position for one room.
type pageState struct {
	cursorID string
	hasMore  bool
	loading  bool
}

// Paginator drives cursor-based backward history loads, one in-flight
// request per room at most. hasMore == false is terminal for a room
// until Invalidate is called.
type Paginator struct {
	api   RemoteAPI
	store *Store
	limit int
	log   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*pageState
}

// NewPaginator creates a paginator requesting pages of the given limit.
func NewPaginator(api RemoteAPI, store *Store, limit int, log zerolog.Logger) *Paginator {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return &Paginator{
		api:   api,
		store: store,
		limit: limit,
		log:   log,
		rooms: make(map[string]*pageState),
	}
}

func (p *Paginator) state(roomID string) *pageState {
	st := p.rooms[roomID]
	if st == nil {
		st = &pageState{hasMore: true}
		p.rooms[roomID] = st
	}
	return st
}

// HasMore reports whether older history may still exist for the room.
func (p *Paginator) HasMore(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state(roomID).hasMore
}

// Loading reports whether a page load is in flight for the room.
func (p *Paginator) Loading(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state(roomID).loading
}

// LoadOlder fetches the page of history older than the room's cursor and
// folds it into the store. It is a no-op while a load is in flight or
// after history is exhausted. A failed load resets only the loading flag
// so the user can retry by scrolling again; the error is returned for
// observability, never as a blocking condition.
func (p *Paginator) LoadOlder(ctx context.Context, roomID string) error {
	p.mu.Lock()
	st := p.state(roomID)
	if st.loading || !st.hasMore {
		p.mu.Unlock()
		return nil
	}
	st.loading = true
	cursor := st.cursorID
	p.mu.Unlock()

	page, err := p.api.FetchMessages(ctx, roomID, PageOptions{CursorID: cursor, Limit: p.limit})
	if err != nil {
		p.mu.Lock()
		st.loading = false
		p.mu.Unlock()
		p.log.Debug().Str("room", roomID).Err(err).Msg("history page load failed")
		return err
	}

	for _, m := range page.Messages {
		if m.Status == "" {
			m.Status = StatusSent
		}
		m.RoomID = roomID
		p.store.Upsert(m)
	}

	p.mu.Lock()
	if len(page.Messages) > 0 {
		// Pages are ordered oldest-first; the cursor points at the
		// oldest loaded message.
		st.cursorID = page.Messages[0].Key()
	}
	st.hasMore = page.PageSize == p.limit
	st.loading = false
	p.mu.Unlock()
	return nil
}

// Invalidate resets the room's pagination state to initial. This is the
// only way a room with exhausted history becomes loadable again.
func (p *Paginator) Invalidate(roomID string) {
	p.mu.Lock()
	delete(p.rooms, roomID)
	p.mu.Unlock()
}
