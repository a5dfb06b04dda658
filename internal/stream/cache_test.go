package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLookupCacheRoundTrip(t *testing.T) {
	cache := NewLookupCache(time.Minute)
	cache.PutUser("u1", "alice")
	cache.PutChannel("c1", "general")

	if name, ok := cache.UserName("u1"); !ok || name != "alice" {
		t.Fatalf("expected alice, got %q ok=%v", name, ok)
	}
	if name, ok := cache.ChannelName("c1"); !ok || name != "general" {
		t.Fatalf("expected general, got %q ok=%v", name, ok)
	}
	if _, ok := cache.UserName("unknown"); ok {
		t.Fatalf("expected miss for unknown user")
	}
}

func TestLookupCacheExpiry(t *testing.T) {
	cache := NewLookupCache(time.Minute)
	current := time.Unix(1000, 0)
	cache.now = func() time.Time { return current }

	cache.PutUser("u1", "alice")
	if _, ok := cache.UserName("u1"); !ok {
		t.Fatalf("expected fresh entry to hit")
	}

	current = current.Add(2 * time.Minute)
	if _, ok := cache.UserName("u1"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestClearCachesKeepsCurrentUser(t *testing.T) {
	cache := NewLookupCache(time.Minute)
	cache.SetCurrentUsername("bob")
	cache.PutUser("u1", "alice")

	cache.ClearCaches()
	if _, ok := cache.UserName("u1"); ok {
		t.Fatalf("expected lookup entries cleared")
	}
	if cache.CurrentUsername() != "bob" {
		t.Fatalf("expected current user to survive clear")
	}
}

func TestLookupCacheConcurrentClear(t *testing.T) {
	cache := NewLookupCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := fmt.Sprintf("u%d", j%10)
				cache.PutUser(id, "alice")
				cache.UserName(id)
				cache.PutChannel(id, "general")
				cache.ChannelName(id)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 200; j++ {
			cache.ClearCaches()
		}
	}()
	wg.Wait()

	cache.PutUser("u1", "alice")
	if name, ok := cache.UserName("u1"); !ok || name != "alice" {
		t.Fatalf("expected cache usable after concurrent clears, got %q ok=%v", name, ok)
	}
}
