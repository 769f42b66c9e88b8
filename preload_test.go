package icechat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaPreloader(t *testing.T) {
	t.Run("fetches each url once per session", func(t *testing.T) {
		var mu sync.Mutex
		fetched := map[string]int{}

		p := NewMediaPreloader(nil, 2, zerolog.Nop())
		p.fetch = func(ctx context.Context, url string) error {
			mu.Lock()
			fetched[url]++
			mu.Unlock()
			return nil
		}

		msgs := []Message{
			{ID: "m1", MediaURL: "https://cdn.test/a.jpg"},
			{ID: "m2", MediaURL: "https://cdn.test/b.jpg"},
			{ID: "m3"}, // no media
		}
		p.Preload(context.Background(), msgs)
		// Re-rendering the same list must not refetch.
		p.Preload(context.Background(), msgs)

		waitFor(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(fetched) == 2
		})
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, fetched["https://cdn.test/a.jpg"])
		assert.Equal(t, 1, fetched["https://cdn.test/b.jpg"])
	})

	t.Run("bounds concurrent fetches", func(t *testing.T) {
		var active, peak int32
		release := make(chan struct{})

		p := NewMediaPreloader(nil, 2, zerolog.Nop())
		p.fetch = func(ctx context.Context, url string) error {
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		}

		msgs := make([]Message, 6)
		for i := range msgs {
			msgs[i] = Message{ID: string(rune('a' + i)), MediaURL: "https://cdn.test/" + string(rune('a'+i))}
		}
		p.Preload(context.Background(), msgs)

		waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&active) == 2 })
		// Give the remaining goroutines a beat to overrun, if they could.
		time.Sleep(20 * time.Millisecond)
		assert.EqualValues(t, 2, atomic.LoadInt32(&peak))

		close(release)
		waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&active) == 0 })
	})

	t.Run("failures are swallowed", func(t *testing.T) {
		var calls int32
		p := NewMediaPreloader(nil, 1, zerolog.Nop())
		p.fetch = func(ctx context.Context, url string) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("cdn unreachable")
		}

		p.Preload(context.Background(), []Message{{ID: "m1", MediaURL: "https://cdn.test/x.jpg"}})
		waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 1 })
	})

	t.Run("hung responses are bounded by the fetch timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done() // never answer
		}))
		defer srv.Close()

		p := NewMediaPreloader(nil, 1, zerolog.Nop())
		p.fetchTimeout = 20 * time.Millisecond

		start := time.Now()
		err := p.fetchHTTP(context.Background(), srv.URL)
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("cancelled context stops waiting workers", func(t *testing.T) {
		release := make(chan struct{})
		var calls int32
		p := NewMediaPreloader(nil, 1, zerolog.Nop())
		p.fetch = func(ctx context.Context, url string) error {
			atomic.AddInt32(&calls, 1)
			<-release
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.Preload(ctx, []Message{
			{ID: "m1", MediaURL: "https://cdn.test/1"},
			{ID: "m2", MediaURL: "https://cdn.test/2"},
		})
		waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) == 1 })

		// The queued worker is parked on the semaphore; cancelling lets
		// it bail without fetching.
		cancel()
		close(release)
		time.Sleep(20 * time.Millisecond)
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})
}
