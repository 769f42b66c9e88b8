package icechat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultFlushInterval is how often dirty rooms are mirrored to the
// persistent cache. The cache intentionally lags the store by up to one
// tick: it is a cold-start fallback, not the primary read path.
const defaultFlushInterval = time.Second

// Engine is the process-scoped chat engine: it owns the message store,
// the local cache mirror, the room directory, pagination state and the
// outbound delivery pipeline, and exposes the read-only subscription
// surface the UI renders from. Create one per authenticated identity;
// switching accounts means Stop and a fresh engine.
type Engine struct {
	api       RemoteAPI
	store     *Store
	cache     Cache
	dir       *Directory
	pages     *Paginator
	pipe      *pipeline
	preloader *MediaPreloader
	events    *emitter
	log       zerolog.Logger

	pageLimit     int
	preloadN      int
	flushInterval time.Duration

	mu      sync.Mutex
	subs    map[string]map[int]func([]Message)
	nextSub int
	dirty   map[string]struct{}
	started bool
	stopCh  chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCache sets the persistent cache backend. Defaults to an in-memory
// cache, which gives up restart survival but keeps the same semantics.
func WithCache(cache Cache) EngineOption {
	return func(e *Engine) { e.cache = cache }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithSenderID sets the authenticated user stamped on outbound messages.
func WithSenderID(userID string) EngineOption {
	return func(e *Engine) { e.pipe.senderID = userID }
}

// WithPageLimit sets the history page size.
func WithPageLimit(limit int) EngineOption {
	return func(e *Engine) { e.pageLimit = limit }
}

// WithRetryPolicy tunes the delivery pipeline's retry loop.
func WithRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) EngineOption {
	return func(e *Engine) {
		if maxRetries > 0 {
			e.pipe.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			e.pipe.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			e.pipe.maxDelay = maxDelay
		}
	}
}

// WithPreloadConcurrency bounds simultaneous media prefetches.
func WithPreloadConcurrency(n int) EngineOption {
	return func(e *Engine) { e.preloadN = n }
}

// WithFlushInterval tunes how often the cache mirror catches up.
func WithFlushInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// NewEngine creates an engine over the given remote API. Call Start
// before use and Stop when done.
func NewEngine(api RemoteAPI, opts ...EngineOption) *Engine {
	e := &Engine{
		api:           api,
		store:         NewStore(),
		cache:         NewMemoryCache(),
		dir:           NewDirectory(),
		events:        newEmitter(),
		log:           zerolog.Nop(),
		pageLimit:     DefaultPageLimit,
		flushInterval: defaultFlushInterval,
		subs:          make(map[string]map[int]func([]Message)),
		dirty:         make(map[string]struct{}),
	}
	e.pipe = newPipeline(api, e.store, e.events, e.log)
	for _, opt := range opts {
		opt(e)
	}
	// Components that depend on option values are built after options ran.
	e.pipe.log = e.log
	e.preloader = NewMediaPreloader(http.DefaultClient, e.preloadN, e.log)
	e.pages = NewPaginator(api, e.store, e.pageLimit, e.log)
	e.store.OnChange(e.onStoreChange)
	return e
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the background cache flush loop. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stopCh = make(chan struct{})
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	go e.flushLoop()
}

// Stop halts background work, performs a final cache flush, and drops
// all event listeners and subscriptions.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stopCh)
	e.cancel()
	e.subs = make(map[string]map[int]func([]Message))
	e.mu.Unlock()

	e.flushDirty(context.Background())
	e.events.removeAll()
}

// On registers an observability event handler.
func (e *Engine) On(event Event, handler EventHandler) {
	e.events.On(event, handler)
}

// ============================================================================
// Read path
// ============================================================================

// Messages returns the render list for a room: the store's view merged
// with the cached mirror, deduplicated by identity key. Before the first
// fetch completes this is the cached snapshot; afterwards the store wins.
func (e *Engine) Messages(roomID string) []Message {
	cached, err := e.cache.Get(e.readCtx(), roomID)
	if err != nil {
		e.log.Warn().Str("room", roomID).Err(err).Msg("cache read failed")
		e.events.emit(EventCacheError, err)
		cached = nil
	}
	return Merge(e.store.MessagesForRoom(roomID), cached)
}

// Subscribe registers a render callback re-invoked with the merged
// message list on every store mutation for the room. It fires once
// immediately with the current list. Callbacks run on the mutating
// goroutine and must not block. The returned func cancels the
// subscription.
func (e *Engine) Subscribe(roomID string, fn func([]Message)) func() {
	e.mu.Lock()
	if e.subs[roomID] == nil {
		e.subs[roomID] = make(map[int]func([]Message))
	}
	id := e.nextSub
	e.nextSub++
	e.subs[roomID][id] = fn
	e.mu.Unlock()

	fn(e.Messages(roomID))

	return func() {
		e.mu.Lock()
		delete(e.subs[roomID], id)
		e.mu.Unlock()
	}
}

// ResolveParticipant returns the other party in a two-person room, or
// nil while the room's participants are not loaded yet.
func (e *Engine) ResolveParticipant(roomID, excludeUserID string) *Participant {
	return e.dir.ResolveParticipant(roomID, excludeUserID)
}

// IsRoomDeleted reports the room's soft-delete flag.
func (e *Engine) IsRoomDeleted(roomID string) bool {
	return e.dir.IsRoomDeleted(roomID)
}

// Directory exposes the room/participant directory.
func (e *Engine) Directory() *Directory {
	return e.dir
}

// ============================================================================
// Operations
// ============================================================================

// OpenRoom seeds a room view: the cached snapshot is already readable
// through Messages, room metadata is refreshed into the directory, and
// the newest history page is loaded. The returned error, if any, is the
// page load's; it is recoverable by calling OpenRoom or LoadOlder again.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) error {
	if info, err := e.api.FetchRoom(ctx, roomID); err != nil {
		e.log.Debug().Str("room", roomID).Err(err).Msg("room metadata fetch failed")
	} else {
		e.dir.PutRoom(*info)
	}

	err := e.pages.LoadOlder(ctx, roomID)

	e.preloader.Preload(e.readCtx(), e.Messages(roomID))
	return err
}

// Send optimistically inserts a message and delivers it in the
// background. The returned message carries the temporary identity used
// for Retry and Cancel.
func (e *Engine) Send(ctx context.Context, roomID, content string) Message {
	msg := e.pipe.Send(ctx, roomID, content)
	e.dir.TouchActivity(roomID, msg.CreatedAt)
	return msg
}

// Retry resubmits a failed retryable message after backoff. No-op for
// terminal failures or while an attempt is already in flight.
func (e *Engine) Retry(ctx context.Context, temporaryID string) bool {
	return e.pipe.Retry(ctx, temporaryID)
}

// Cancel removes a message from the local view without contacting the
// server. Safe in any state, including mid-flight.
func (e *Engine) Cancel(temporaryID string) bool {
	return e.pipe.Cancel(temporaryID)
}

// LoadOlder loads the next page of backward history for the room.
func (e *Engine) LoadOlder(ctx context.Context, roomID string) error {
	return e.pages.LoadOlder(ctx, roomID)
}

// HasMore reports whether older history may remain for the room.
func (e *Engine) HasMore(roomID string) bool {
	return e.pages.HasMore(roomID)
}

// HandlePush folds a push-delivered event into the engine through the
// same Upsert contract as fetched messages, so a pushed message and a
// polled one converge to a single record keyed by server ID.
func (e *Engine) HandlePush(p *PushPayload) {
	switch p.Event {
	case PushEventMessageNew:
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		msg := Message{
			ID:        p.MessageID,
			RoomID:    p.RoomID,
			SenderID:  p.SenderID,
			Content:   p.Content,
			MediaURL:  p.MediaURL,
			CreatedAt: createdAt,
			Status:    StatusSent,
		}
		e.store.Upsert(msg)
		e.dir.TouchActivity(p.RoomID, createdAt)
		e.events.emit(EventMessagePushed, msg)

	case PushEventRoomDeleted:
		e.dir.MarkDeleted(p.RoomID)
		e.events.emit(EventRoomDeleted, p.RoomID)

	default:
		e.log.Debug().Str("event", p.Event).Msg("ignoring unknown push event")
	}
}

// Invalidate drops the room's cached snapshot and resets its pagination
// state. This is the cache invalidation that makes an exhausted room's
// history loadable again.
func (e *Engine) Invalidate(ctx context.Context, roomID string) {
	e.pages.Invalidate(roomID)
	if err := e.cache.Delete(ctx, roomID); err != nil {
		e.log.Warn().Str("room", roomID).Err(err).Msg("cache delete failed")
		e.events.emit(EventCacheError, err)
	}
}

// Reset clears all messages and pagination state. The persistent cache
// is left alone so a restart can still seed from it.
func (e *Engine) Reset() {
	e.store.Reset()
	e.pages = NewPaginator(e.api, e.store, e.pageLimit, e.log)
}

// ============================================================================
// Cache mirroring
// ============================================================================

// onStoreChange runs after every successful store mutation: subscribers
// re-render, the room is marked for the next cache flush, and fresh
// media is prefetched.
func (e *Engine) onStoreChange(roomID string) {
	e.mu.Lock()
	e.dirty[roomID] = struct{}{}
	subs := make([]func([]Message), 0, len(e.subs[roomID]))
	for _, fn := range e.subs[roomID] {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	msgs := e.Messages(roomID)
	for _, fn := range subs {
		fn(msgs)
	}
	e.preloader.Preload(e.readCtx(), msgs)
}

func (e *Engine) flushLoop() {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.flushDirty(e.readCtx())
		}
	}
}

// flushDirty mirrors every dirty room's store state into the cache.
// Failures are logged and surfaced as events, never propagated: the
// cache is best-effort by contract.
func (e *Engine) flushDirty(ctx context.Context) {
	e.mu.Lock()
	rooms := make([]string, 0, len(e.dirty))
	for roomID := range e.dirty {
		rooms = append(rooms, roomID)
	}
	e.dirty = make(map[string]struct{})
	e.mu.Unlock()

	for _, roomID := range rooms {
		if err := e.cache.Put(ctx, roomID, e.store.MessagesForRoom(roomID)); err != nil {
			e.log.Warn().Str("room", roomID).Err(err).Msg("cache write failed")
			e.events.emit(EventCacheError, err)
		}
	}
}

// readCtx returns the engine lifecycle context, or Background before
// Start / after Stop so read paths keep working.
func (e *Engine) readCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil && e.started {
		return e.runCtx
	}
	return context.Background()
}
