package session

import (
	"sync"
	"time"

	"github.com/4ourtune/dks-client-sub000/internal/log"
)

// Cache is the shared in-memory session cache. All mutation paths (establish, seed, clear) hold
// the lock for the full alias-set update, so a concurrent reader either sees a session under all
// of its aliases or under none of them.
type Cache struct {
	lock     sync.Mutex
	sessions map[string]*Session
}

func NewCache() *Cache {
	return &Cache{sessions: make(map[string]*Session)}
}

// Lookup returns the session cached under alias. Expired or invalidated sessions are evicted on
// first access rather than returned.
func (c *Cache) Lookup(alias string) (*Session, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	s, ok := c.sessions[alias]
	if !ok {
		return nil, false
	}
	if !s.Live(time.Now()) {
		log.Info("session: evicting stale session %s", s.ID)
		c.removeLocked(s.ID)
		return nil, false
	}
	return s, true
}

// Put stores a session under every key in aliases atomically, superseding any sessions previously
// cached under those keys.
func (c *Cache) Put(aliases AliasSet, s *Session) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, key := range aliases.Keys() {
		c.sessions[key] = s
	}
}

// Clear removes the session cached under alias, under all of its aliases.
func (c *Cache) Clear(alias string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if s, ok := c.sessions[alias]; ok {
		c.removeLocked(s.ID)
	}
}

// ClearAll drops every cached session, e.g. on disconnect.
func (c *Cache) ClearAll() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sessions = make(map[string]*Session)
}

// ActiveSessions returns the distinct live sessions, opportunistically evicting any whose expiry
// has passed. The cache therefore self-prunes without a sweeper goroutine.
func (c *Cache) ActiveSessions() []*Session {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := time.Now()
	seen := make(map[string]bool)
	var live []*Session
	for _, s := range c.sessions {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		if !s.Live(now) {
			c.removeLocked(s.ID)
			continue
		}
		live = append(live, s)
	}
	return live
}

// removeLocked deletes every alias pointing at session id. Caller holds c.lock.
func (c *Cache) removeLocked(id string) {
	for key, s := range c.sessions {
		if s.ID == id {
			delete(c.sessions, key)
		}
	}
}
