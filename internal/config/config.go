// Package config caches the cluster's ingestion configuration document
// (container/queue/table resources and their refresh cadence) the way the
// teacher's kusto/ingest/internal/resources.Manager caches DM-reported
// resource URIs: a single cached value behind a mutex, refreshed on expiry,
// with concurrent refreshers collapsed into one in-flight fetch.
package config

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
)

// ContainerInfo is a single SAS-scoped storage destination the service
// handed back, tagged with the kind of store it names.
type ContainerInfo struct {
	Path string
	Kind string // "storage" or "lake"
}

// Document is the ingestion configuration returned by the cluster's
// /v1/rest/ingestion/configuration endpoint: the storage resources to
// upload to and how often this client should ask for them again.
type Document struct {
	QueueURIs                []string
	Containers               []ContainerInfo
	LakeFolders              []ContainerInfo
	PreferredUploadMethod    string
	FailureNotificationsURIs []string
	SuccessNotificationsURIs []string
	TableURIs                []string
	RefreshPeriod            time.Duration
}

// Fetcher retrieves a fresh Document from the cluster. Implementations
// call through an *restclient.Client.
type Fetcher func(ctx context.Context) (Document, *ingesterrors.Error)

// defaultRefreshPeriod is the cache TTL used when a fetched Document doesn't
// specify a RefreshPeriod of its own.
const defaultRefreshPeriod = 1 * time.Hour

// Cache is a single-entry, TTL-bound, single-flight configuration cache.
// A stale cached value is served (rather than an error) if a refresh
// attempt fails and a previous value exists, matching spec.md §4.D's
// "prefer stale data over failing a submit" rule.
type Cache struct {
	fetch Fetcher

	mu        sync.Mutex
	doc       Document
	haveDoc   bool
	expiresAt time.Time
	inflight  chan struct{}
}

// New builds a Cache that calls fetch to populate or refresh itself.
func New(fetch Fetcher) *Cache {
	return &Cache{fetch: fetch}
}

// Get returns the current Document, fetching or refreshing it as needed.
// Concurrent callers during a refresh share its result. If the refresh
// fails and a previous Document is cached, the stale Document is returned
// with a nil error; the error is only returned when there is nothing to
// fall back to.
func (c *Cache) Get(ctx context.Context) (Document, *ingesterrors.Error) {
	c.mu.Lock()
	if c.haveDoc && time.Now().Before(c.expiresAt) {
		doc := c.doc
		c.mu.Unlock()
		return doc, nil
	}

	if c.inflight != nil {
		ch := c.inflight
		c.mu.Unlock()
		<-ch
		return c.snapshot()
	}

	ch := make(chan struct{})
	c.inflight = ch
	c.mu.Unlock()

	doc, fetchErr := c.fetch(ctx)

	c.mu.Lock()
	if fetchErr == nil {
		c.doc = doc
		c.haveDoc = true
		period := doc.RefreshPeriod
		if period <= 0 {
			period = defaultRefreshPeriod
		}
		c.expiresAt = time.Now().Add(period)
	}
	c.inflight = nil
	close(ch)

	switch {
	case fetchErr == nil:
		result := c.doc
		c.mu.Unlock()
		return result, nil
	case c.haveDoc:
		stale := c.doc
		c.mu.Unlock()
		return stale, nil
	default:
		c.mu.Unlock()
		return Document{}, fetchErr
	}
}

func (c *Cache) snapshot() (Document, *ingesterrors.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveDoc {
		return c.doc, nil
	}
	return Document{}, ingesterrors.E(ingesterrors.OpConfigFetch, ingesterrors.KindNetwork, errNoConfigAvailable{}).SetTransient()
}

// Invalidate forces the next Get to refresh regardless of TTL. No code in
// this module calls it; the cached Document otherwise lives until its TTL
// expires.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = time.Time{}
}

type errNoConfigAvailable struct{}

func (errNoConfigAvailable) Error() string { return "no ingestion configuration available yet" }
