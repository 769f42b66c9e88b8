package icechat

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxRetries bounds the retry loop per message.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the first retry backoff step.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 15 * time.Second
)

// pipeline is the outbound delivery path: optimistic insert, network
// attempt, classify-once error handling, and a bounded retry loop with
// exponential backoff. At most one attempt per temporary ID is in flight
// at any time.
type pipeline struct {
	api      RemoteAPI
	store    *Store
	events   *emitter
	log      zerolog.Logger
	senderID string

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newPipeline(api RemoteAPI, store *Store, events *emitter, log zerolog.Logger) *pipeline {
	return &pipeline{
		api:        api,
		store:      store,
		events:     events,
		log:        log,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
		inflight:   make(map[string]struct{}),
	}
}

// Send optimistically inserts a user-composed message and starts the
// delivery attempt in the background. The returned message carries the
// temporary identity the caller can use for Retry and Cancel.
func (p *pipeline) Send(ctx context.Context, roomID, content string) Message {
	msg := Message{
		TemporaryID: uuid.NewString(),
		RoomID:      roomID,
		SenderID:    p.senderID,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusPending,
		MaxRetries:  p.maxRetries,
	}
	p.store.Upsert(msg)
	p.events.emit(EventMessageQueued, msg)

	go p.deliver(ctx, msg.TemporaryID)
	return msg
}

// Retry resubmits a failed, retryable message after an exponential
// backoff delay. It is a no-op when the message is gone, not in a
// retryable failed state, or already has an attempt in flight. The
// check and the RETRYING transition happen under one lock, so exactly
// one of any concurrent Retry calls wins.
func (p *pipeline) Retry(ctx context.Context, temporaryID string) bool {
	p.mu.Lock()
	if _, busy := p.inflight[temporaryID]; busy {
		p.mu.Unlock()
		return false
	}
	msg, ok := p.store.Get(temporaryID)
	if !ok || msg.Status != StatusFailed || !msg.IsRetryable {
		p.mu.Unlock()
		return false
	}
	p.store.Transition(temporaryID, StatusRetrying, nil)
	p.mu.Unlock()

	p.events.emit(EventMessageRetrying, msg)

	delay := p.backoffDelay(msg.RetryCount)
	go func() {
		if !sleepCtx(ctx, delay) {
			// An abandoned backoff must not strand the message in
			// RETRYING; it goes back to FAILED, still retryable.
			p.store.Transition(temporaryID, StatusFailed, nil)
			return
		}
		p.deliver(ctx, temporaryID)
	}()
	return true
}

// Cancel removes the message from the store without contacting the
// server. Safe to call from any state; an attempt already in flight will
// find the message gone and discard its result.
func (p *pipeline) Cancel(temporaryID string) bool {
	if msg, ok := p.store.Get(temporaryID); ok {
		defer p.events.emit(EventMessageCancelled, msg)
	}
	return p.store.Remove(temporaryID)
}

// deliver runs a single network attempt for the message. Results that
// arrive after the message left the store (cancelled mid-flight) are
// silently discarded.
func (p *pipeline) deliver(ctx context.Context, temporaryID string) {
	p.mu.Lock()
	if _, busy := p.inflight[temporaryID]; busy {
		p.mu.Unlock()
		return
	}
	p.inflight[temporaryID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, temporaryID)
		p.mu.Unlock()
	}()

	msg, ok := p.store.Get(temporaryID)
	if !ok {
		return
	}

	ack, err := p.api.SendMessage(ctx, msg.RoomID, msg.Content)

	// Cancel-safety: apply nothing for a message that no longer exists.
	if !p.store.Contains(temporaryID) {
		p.log.Debug().Str("tempId", temporaryID).Msg("discarding result for cancelled message")
		return
	}

	if err == nil {
		p.store.Transition(temporaryID, StatusSent, func(m *Message) {
			m.ID = ack.ID
			if !ack.CreatedAt.IsZero() {
				m.CreatedAt = ack.CreatedAt
			}
			m.IsRetryable = false
			m.Error = ""
		})
		if sent, ok := p.store.Get(ack.ID); ok {
			p.events.emit(EventMessageSent, sent)
		}
		return
	}

	// Classified exactly once here; the store only ever sees the flag.
	canRetry := retryable(err) && msg.RetryCount < msg.MaxRetries
	p.store.Transition(temporaryID, StatusFailed, func(m *Message) {
		m.Error = err.Error()
		if canRetry {
			m.RetryCount++
			m.IsRetryable = true
		} else {
			m.IsRetryable = false
		}
	})
	if failed, ok := p.store.Get(temporaryID); ok {
		p.events.emit(EventMessageFailed, failed)
	}
	p.log.Debug().
		Str("tempId", temporaryID).
		Bool("retryable", canRetry).
		Err(err).
		Msg("message delivery failed")
}

// backoffDelay computes min(baseDelay * 2^attempt, maxDelay), with the
// first retry waiting one base delay.
func (p *pipeline) backoffDelay(retryCount int) time.Duration {
	attempt := retryCount - 1
	if attempt < 0 {
		attempt = 0
	}
	delay := time.Duration(float64(p.baseDelay) * math.Pow(2, float64(attempt)))
	if delay > p.maxDelay || delay <= 0 {
		delay = p.maxDelay
	}
	return delay
}

// sleepCtx waits for d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
