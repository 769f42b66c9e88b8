package icechat

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// defaultPreloadConcurrency bounds simultaneous prefetch requests.
const defaultPreloadConcurrency = 3

// preloadFetchTimeout bounds a single prefetch so one hung CDN response
// cannot pin a semaphore slot for the rest of the session.
const preloadFetchTimeout = 30 * time.Second

// MediaPreloader opportunistically warms media referenced by a freshly
// merged message list so rendering does not stall on first paint. It is
// purely an optimization: failures are swallowed and nothing ever waits
// on it.
type MediaPreloader struct {
	httpClient   *http.Client
	log          zerolog.Logger
	sem          chan struct{}
	fetchTimeout time.Duration

	mu   sync.Mutex
	seen map[string]struct{}

	// fetch is replaceable in tests.
	fetch func(ctx context.Context, url string) error
}

// NewMediaPreloader creates a preloader with concurrency bounded workers.
func NewMediaPreloader(httpClient *http.Client, concurrency int, log zerolog.Logger) *MediaPreloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if concurrency <= 0 {
		concurrency = defaultPreloadConcurrency
	}
	p := &MediaPreloader{
		httpClient:   httpClient,
		log:          log,
		sem:          make(chan struct{}, concurrency),
		fetchTimeout: preloadFetchTimeout,
		seen:         make(map[string]struct{}),
	}
	p.fetch = p.fetchHTTP
	return p
}

// Preload issues best-effort prefetches for media URLs this session has
// not touched yet. It returns immediately; the requests run in the
// background bounded by the semaphore.
func (p *MediaPreloader) Preload(ctx context.Context, msgs []Message) {
	for _, m := range msgs {
		if m.MediaURL == "" {
			continue
		}
		url := m.MediaURL

		p.mu.Lock()
		if _, done := p.seen[url]; done {
			p.mu.Unlock()
			continue
		}
		p.seen[url] = struct{}{}
		p.mu.Unlock()

		go func() {
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-p.sem }()

			if err := p.fetch(ctx, url); err != nil {
				p.log.Debug().Str("url", url).Err(err).Msg("media prefetch failed")
			}
		}()
	}
}

func (p *MediaPreloader) fetchHTTP(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the transport can reuse the connection; the payload lands
	// in the HTTP cache layer, not here.
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
