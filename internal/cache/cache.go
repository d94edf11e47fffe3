// Package cache memoizes finished transcriptions by content fingerprint.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/loqalabs/loqa-scribe/internal/fingerprint"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
)

// Cache is a bounded, concurrency-safe LRU of pipeline records. Entries
// older than the TTL are evicted on access and in the background.
type Cache struct {
	lru *expirable.LRU[fingerprint.Fingerprint, pipeline.Record]
}

// New creates a cache holding at most capacity records. A capacity of zero
// means unbounded and a ttl of zero disables expiry.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[fingerprint.Fingerprint, pipeline.Record](max(capacity, 0), nil, max(ttl, 0))}
}

func (c *Cache) Get(fp fingerprint.Fingerprint) (pipeline.Record, bool) {
	return c.lru.Get(fp)
}

// Put stores rec under fp, replacing any earlier record.
func (c *Cache) Put(fp fingerprint.Fingerprint, rec pipeline.Record) {
	c.lru.Add(fp, rec)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
