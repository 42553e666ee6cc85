package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Result is the outcome of fetching and normalizing one source for one
// window. OK is false when the source could not be evaluated this cycle;
// the engine then excludes its documents from the orphan sweep.
type Result struct {
	Source        ics.Source
	Occurrences   []model.Occurrence
	OK            bool
	NormalizedURL string
	FromCache     bool
	StatusCode    int
	Err           error
}

// cacheKey identifies one cached fetch: same url, same window, same
// cancelled-inclusion.
type cacheKey struct {
	url              string
	windowStart      int64
	windowEnd        int64
	includeCancelled bool
}

type cacheEntry struct {
	result  Result
	savedAt time.Time
}

// Fetcher fetches ICS feeds with a bounded per-request timeout and a short
// in-memory TTL cache. It is an explicit, constructed, resettable component:
// the engine owns one instance, tests build their own.
type Fetcher struct {
	client *resty.Client
	ttl    time.Duration

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
}

// NewFetcher creates a Fetcher. timeout bounds each HTTP request; ttl is the
// cache lifetime for identical (url, window, includeCancelled) fetches.
func NewFetcher(timeout, ttl time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Fetcher{
		client: resty.New().
			SetTimeout(timeout).
			SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)),
		ttl:   ttl,
		cache: make(map[cacheKey]cacheEntry),
	}
}

// Reset drops all cached fetch results.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[cacheKey]cacheEntry)
}

// Fetch retrieves one source's occurrences within the window. A live cache
// entry is served unless forceRefresh is set. Failures never panic and never
// affect other sources; they come back as OK=false with Err set.
func (f *Fetcher) Fetch(ctx context.Context, src ics.Source, windowStart, windowEnd time.Time, includeCancelled, forceRefresh bool) Result {
	url := NormalizeURL(src.URL)
	if url == "" {
		return Result{Source: src, Err: fmt.Errorf("source %q has no URL", src.ID)}
	}

	key := cacheKey{
		url:              url,
		windowStart:      windowStart.Unix(),
		windowEnd:        windowEnd.Unix(),
		includeCancelled: includeCancelled,
	}

	if !forceRefresh {
		if res, ok := f.cached(key); ok {
			appLog.Debug("feed cache hit", "id", src.ID, "url", ics.RedactURL(url))
			res.FromCache = true
			return res
		}
	}

	appLog.Debug("feed fetch start", "id", src.ID, "url", ics.RedactURL(url))

	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		appLog.Warn("feed fetch failed", "id", src.ID, "url", ics.RedactURL(url), "err", err)
		return Result{Source: src, NormalizedURL: url, Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		appLog.Warn("feed fetch non-OK status",
			"id", src.ID, "url", ics.RedactURL(url), "status", resp.StatusCode())
		return Result{
			Source:        src,
			NormalizedURL: url,
			StatusCode:    resp.StatusCode(),
			Err:           fmt.Errorf("unexpected status %d", resp.StatusCode()),
		}
	}

	occurrences := ics.Normalize(ics.Source{ID: src.ID, URL: url}, resp.Body(), ics.NormalizeOptions{
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		IncludeCancelled: includeCancelled,
	})

	result := Result{
		Source:        src,
		Occurrences:   occurrences,
		OK:            true,
		NormalizedURL: url,
		StatusCode:    resp.StatusCode(),
	}

	f.mu.Lock()
	f.cache[key] = cacheEntry{result: result, savedAt: time.Now()}
	f.mu.Unlock()

	appLog.Debug("feed fetch success",
		"id", src.ID, "url", ics.RedactURL(url), "occurrences", len(occurrences))
	return result
}

func (f *Fetcher) cached(key cacheKey) (Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return Result{}, false
	}
	if time.Since(entry.savedAt) > f.ttl {
		delete(f.cache, key)
		return Result{}, false
	}
	return entry.result, true
}

// NormalizeURL canonicalizes a subscription URL: webcal scheme becomes
// https, surrounding whitespace is dropped.
func NormalizeURL(url string) string {
	url = strings.TrimSpace(url)
	if strings.HasPrefix(strings.ToLower(url), "webcal://") {
		url = "https://" + url[len("webcal://"):]
	}
	return url
}
