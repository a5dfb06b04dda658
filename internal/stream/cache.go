package stream

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// LookupCache memoizes user and channel display-name lookups. It is an
// injected dependency with an explicit lifecycle, not ambient global state.
type LookupCache struct {
	mu          sync.RWMutex
	ttl         time.Duration
	users       map[string]cacheEntry
	channels    map[string]cacheEntry
	currentUser string
	now         func() time.Time
}

func NewLookupCache(ttl time.Duration) *LookupCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LookupCache{
		ttl:      ttl,
		users:    map[string]cacheEntry{},
		channels: map[string]cacheEntry{},
		now:      time.Now,
	}
}

func (c *LookupCache) SetCurrentUsername(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentUser = username
}

func (c *LookupCache) CurrentUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentUser
}

func (c *LookupCache) PutUser(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(c.users, id, name)
}

func (c *LookupCache) UserName(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(c.users, id)
}

func (c *LookupCache) PutChannel(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(c.channels, id, name)
}

func (c *LookupCache) ChannelName(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(c.channels, id)
}

// ClearCaches drops every memoized name. The configured current user
// survives; it is identity, not a lookup result.
func (c *LookupCache) ClearCaches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = map[string]cacheEntry{}
	c.channels = map[string]cacheEntry{}
}

// put and get require c.mu held; the map field must be selected under the
// lock because ClearCaches swaps the maps out wholesale.
func (c *LookupCache) put(table map[string]cacheEntry, id, name string) {
	if id == "" {
		return
	}
	table[id] = cacheEntry{value: name, expiresAt: c.now().Add(c.ttl)}
}

func (c *LookupCache) get(table map[string]cacheEntry, id string) (string, bool) {
	entry, ok := table[id]
	if !ok {
		return "", false
	}
	if c.now().After(entry.expiresAt) {
		delete(table, id)
		return "", false
	}
	return entry.value, true
}
