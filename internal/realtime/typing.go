package realtime

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingExpiry is how long a typing indicator stays live. The
// protocol never sends a stop signal, so expiry is purely local.
const DefaultTypingExpiry = 3 * time.Second

type typistKey struct {
	channelID string
	userID    string
}

// TypingTracker keeps the ephemeral set of currently-typing users. Every
// observation arms (or re-arms) an expiry timer; all timers are cancelled on
// Close so nothing fires against a torn-down session.
type TypingTracker struct {
	mu      sync.Mutex
	expiry  time.Duration
	timers  map[typistKey]*time.Timer
	closed  bool
}

func NewTypingTracker(expiry time.Duration) *TypingTracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &TypingTracker{
		expiry: expiry,
		timers: map[typistKey]*time.Timer{},
	}
}

func (t *TypingTracker) Observe(channelID, userID string) {
	if channelID == "" || userID == "" {
		return
	}
	key := typistKey{channelID: channelID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.expiry)
		return
	}
	t.timers[key] = time.AfterFunc(t.expiry, func() {
		t.expire(key)
	})
}

func (t *TypingTracker) expire(key typistKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.timers, key)
}

// Active lists the users currently typing in a channel, sorted for stable
// display.
func (t *TypingTracker) Active(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := []string{}
	for key := range t.timers {
		if key.channelID == channelID {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}
