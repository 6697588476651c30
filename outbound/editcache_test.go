package outbound

import (
	"fmt"
	"testing"
	"time"
)

func TestEditCacheCorrelation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := newEditCache(4, time.Minute, func() time.Time { return now })

	cache.put("+551199", "search", "msg-1")
	if id, ok := cache.get("+551199", "search"); !ok || id != "msg-1" {
		t.Fatalf("expected msg-1, got %q ok=%v", id, ok)
	}
	if _, ok := cache.get("+551199", "browse"); ok {
		t.Fatalf("expected miss for different tool")
	}
	if _, ok := cache.get("+551188", "search"); ok {
		t.Fatalf("expected miss for different recipient")
	}

	cache.put("+551199", "search", "msg-2")
	if id, _ := cache.get("+551199", "search"); id != "msg-2" {
		t.Fatalf("expected overwrite to msg-2, got %q", id)
	}

	cache.drop("+551199", "search")
	if _, ok := cache.get("+551199", "search"); ok {
		t.Fatalf("expected miss after drop")
	}
}

func TestEditCacheEvictsByRecency(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := newEditCache(2, time.Minute, func() time.Time { return now })

	cache.put("a", "t", "m1")
	cache.put("b", "t", "m2")
	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := cache.get("a", "t"); !ok {
		t.Fatalf("expected hit for a")
	}
	cache.put("c", "t", "m3")

	if _, ok := cache.get("b", "t"); ok {
		t.Fatalf("expected b evicted")
	}
	if _, ok := cache.get("a", "t"); !ok {
		t.Fatalf("expected a retained")
	}
	if _, ok := cache.get("c", "t"); !ok {
		t.Fatalf("expected c retained")
	}
	if cache.len() != 2 {
		t.Fatalf("expected bounded size 2, got %d", cache.len())
	}
}

func TestEditCacheExpiresByTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := newEditCache(4, time.Minute, func() time.Time { return now })

	cache.put("a", "t", "m1")
	now = now.Add(2 * time.Minute)
	if _, ok := cache.get("a", "t"); ok {
		t.Fatalf("expected entry expired after TTL")
	}
	if cache.len() != 0 {
		t.Fatalf("expected expired entry removed, got %d", cache.len())
	}
}

func TestEditCacheStaysBounded(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := newEditCache(8, time.Hour, func() time.Time { return now })
	for i := 0; i < 100; i++ {
		cache.put(fmt.Sprintf("+55%d", i), "tool", fmt.Sprintf("m%d", i))
	}
	if cache.len() != 8 {
		t.Fatalf("expected cache capped at 8, got %d", cache.len())
	}
}
