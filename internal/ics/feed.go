package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "webcal/internal/log"
)

// maxFeedSize caps the body read from a single ICS feed.
const maxFeedSize = 16 << 20

// FeedResult contains the outcome of fetching a single ICS feed.
type FeedResult struct {
	SourceUID string
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if the cached body was reused
	FetchedAt time.Time
}

// cacheEntry holds HTTP cache metadata for a single feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FeedFetcher fetches ICS subscriptions with HTTP caching
// (ETag / Last-Modified) and a disk-backed cache. ICS sources are served
// to the display layer as-is and never enter the occurrence index.
type FeedFetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFeedFetcher creates a FeedFetcher caching under cacheDir.
func NewFeedFetcher(cacheDir string, timeout time.Duration) *FeedFetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FeedFetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// Fetch fetches the feed at feedURL for the source sourceUID. headers are
// added to the request (typically basic auth). On network errors or
// non-OK statuses a previously cached body is returned when available.
func (f *FeedFetcher) Fetch(ctx context.Context, sourceUID, feedURL string, headers http.Header) (FeedResult, error) {
	if feedURL == "" {
		return FeedResult{}, errors.New("feed URL is empty")
	}

	cachePath := f.cachePathForURL(feedURL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FeedResult{}, err
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return FeedResult{}, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics feed fetch start", "source", sourceUID, "url", RedactURL(feedURL))

	fromCache := func(reason string, cause error) (FeedResult, error) {
		if len(cachedBody) == 0 {
			return FeedResult{}, cause
		}
		appLog.Error("ics feed "+reason+", using cached body", cause, "source", sourceUID, "url", RedactURL(feedURL))
		return FeedResult{SourceUID: sourceUID, Body: cachedBody, FromCache: true, FetchedAt: meta.UpdatedAt}, nil
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fromCache("network error", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
		if readErr != nil {
			return fromCache("read error", readErr)
		}

		newMeta := cacheEntry{
			URL:          feedURL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("ics feed cache save failed", err, "source", sourceUID, "url", RedactURL(feedURL))
		}

		appLog.Info("ics feed fetch success", "source", sourceUID, "url", RedactURL(feedURL), "bytes", len(body))
		return FeedResult{SourceUID: sourceUID, Body: body, FetchedAt: time.Now().UTC()}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FeedResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("ics feed not modified; using cache", "source", sourceUID)
		return FeedResult{SourceUID: sourceUID, Body: cachedBody, FromCache: true, FetchedAt: meta.UpdatedAt}, nil

	default:
		return fromCache("non-OK status", fmt.Errorf("feed returned %s", resp.Status))
	}
}

func (f *FeedFetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *FeedFetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *FeedFetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *FeedFetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// RedactURL hides credentials, path and query of a URL for logging.
//
//	https://user:pw@example.com/path/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "url://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}
