// Package contentcache implements the HTTP-fetch-and-cache collaborator
// that fronts the server: it turns an arbitrary URL into a filename inside
// the TFTP data directory, fetching the content on first request and
// serving the cached copy afterward. Spec.md treats this as an external
// interface only; this is a minimal concrete adapter so a server can be
// driven end to end against it.
package contentcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/windowtftp/tftp/internal"
	"github.com/windowtftp/tftp/internal/lrucache"
)

// maxIndexEntries bounds the in-memory URL→filename index; the underlying
// files themselves are never evicted by this package.
const maxIndexEntries = 4096

// fetchAttempts bounds the retry loop around a single URL fetch.
const fetchAttempts = 4

// fetchMaxBackoff bounds the wait between retries of a single URL fetch.
const fetchMaxBackoff = 2 * time.Second

// Cache fetches URLs into dir and indexes them by URL so repeat lookups
// avoid a network round trip.
type Cache struct {
	dir    string
	client *http.Client

	mu    sync.Mutex
	index lrucache.Cache[string, string]
}

// New returns a Cache that stores fetched content under dir. dir must
// already exist.
func New(dir string, client *http.Client) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{
		dir:    dir,
		client: client,
		index:  lrucache.New[string, string](maxIndexEntries),
	}
}

// Lookup reports the local filename already cached for url, if any, without
// performing network I/O.
func (c *Cache) Lookup(url string) (filename string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Get(url)
}

// Fetch returns the local filename for url, downloading it into dir first
// if it is not already cached. The returned filename is relative to dir,
// suitable for use as a TFTP RRQ filename.
func (c *Cache) Fetch(url string) (filename string, err error) {
	if name, ok := c.Lookup(url); ok {
		if _, statErr := os.Stat(filepath.Join(c.dir, name)); statErr == nil {
			return name, nil
		}
		// Cached entry's file vanished from disk; fall through and refetch.
	}

	name := urlFilename(url)
	path := filepath.Join(c.dir, name)

	resp, err := c.getWithRetry(url)
	if err != nil {
		return "", fmt.Errorf("contentcache: fetch %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("contentcache: fetch %q: status %s", url, resp.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("contentcache: create %q: %w", path, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("contentcache: write %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.index.Push(url, name)
	c.mu.Unlock()
	return name, nil
}

// getWithRetry retries transient network errors (DNS hiccups, connection
// resets on an origin under load) with a short exponential backoff; a non-2xx
// response is returned to the caller on the first attempt since retrying it
// wouldn't change the outcome.
func (c *Cache) getWithRetry(url string) (*http.Response, error) {
	b := internal.NewBackoff(fetchMaxBackoff)
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		resp, err := c.client.Get(url)
		if err == nil {
			b.Hit()
			return resp, nil
		}
		lastErr = err
		b.Miss()
	}
	return nil, lastErr
}

// urlFilename derives a stable, filesystem-safe filename for url by hashing
// it; this avoids any path-traversal or special-character concerns from
// using the URL's own path component verbatim.
func urlFilename(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
