package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/fingerprint"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
)

func fp(t *testing.T, content string) fingerprint.Fingerprint {
	t.Helper()
	f, err := fingerprint.Compute(strings.NewReader(content))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return f
}

func TestPutGetIdempotent(t *testing.T) {
	c := New(8, 0)
	key := fp(t, "hello")
	c.Put(key, pipeline.Record{Text: "hello world"})
	c.Put(key, pipeline.Record{Text: "hello world"})

	for i := 0; i < 2; i++ {
		rec, ok := c.Get(key)
		if !ok || rec.Text != "hello world" {
			t.Fatalf("read %d: expected cached record, got %+v ok=%v", i, rec, ok)
		}
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestMiss(t *testing.T) {
	c := New(8, 0)
	if _, ok := c.Get(fp(t, "absent")); ok {
		t.Fatal("expected miss")
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, 0)
	a, b, d := fp(t, "a"), fp(t, "b"), fp(t, "d")
	c.Put(a, pipeline.Record{Text: "a"})
	c.Put(b, pipeline.Record{Text: "b"})
	c.Get(a)
	c.Put(d, pipeline.Record{Text: "d"})

	if _, ok := c.Get(b); ok {
		t.Fatal("expected b to be evicted")
	}
	if _, ok := c.Get(a); !ok {
		t.Fatal("expected a to survive")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(8, 20*time.Millisecond)
	key := fp(t, "ttl")
	c.Put(key, pipeline.Record{Text: "soon gone"})
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Fatal("expected entry to expire")
	}
}
