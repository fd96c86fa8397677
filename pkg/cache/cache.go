// Package cache persists session material between process runs so a client restart does not
// force a new handshake or backend round trip for every vehicle.
package cache

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
	"github.com/4ourtune/dks-client-sub000/pkg/session"
)

// Entry is one vehicle's persisted session state. Key material is base64 in the export format.
type Entry struct {
	VehicleID        string    `json:"vehicleId"`
	SessionID        string    `json:"sessionId"`
	SessionKey       string    `json:"sessionKey"`
	VehiclePublicKey string    `json:"vehiclePublicKey"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

func (e *Entry) live(t time.Time) bool {
	return t.Before(e.ExpiresAt)
}

// SessionCache stores the most recent session per vehicle, bounded by MaxEntries with
// least-recently-updated eviction.
type SessionCache struct {
	MaxEntries int `json:"maxEntries"`

	lock     sync.Mutex
	vehicles map[string]*Entry
}

// New creates an empty cache. maxEntries <= 0 means unbounded.
func New(maxEntries int) *SessionCache {
	return &SessionCache{
		MaxEntries: maxEntries,
		vehicles:   make(map[string]*Entry),
	}
}

// LoadFromFile reads a cache from disk. A missing file yields an empty cache, not an error.
func LoadFromFile(filename string, maxEntries int) (*SessionCache, error) {
	c := New(maxEntries)
	file, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := c.Import(file); err != nil {
		return nil, err
	}
	return c, nil
}

// Import merges entries from r, dropping any that have already expired.
func (c *SessionCache) Import(r io.Reader) error {
	var export struct {
		MaxEntries int     `json:"maxEntries"`
		Sessions   []Entry `json:"sessions"`
	}
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return err
	}
	now := time.Now()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.MaxEntries == 0 {
		c.MaxEntries = export.MaxEntries
	}
	for i := range export.Sessions {
		entry := export.Sessions[i]
		if !entry.live(now) {
			continue
		}
		c.vehicles[entry.VehicleID] = &entry
	}
	c.evictLocked()
	return nil
}

// Export writes the cache to w in the import format, oldest entry first.
func (c *SessionCache) Export(w io.Writer) error {
	c.lock.Lock()
	entries := make([]Entry, 0, len(c.vehicles))
	for _, entry := range c.vehicles {
		entries = append(entries, *entry)
	}
	maxEntries := c.MaxEntries
	c.lock.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	export := struct {
		MaxEntries int     `json:"maxEntries"`
		Sessions   []Entry `json:"sessions"`
	}{MaxEntries: maxEntries, Sessions: entries}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(&export)
}

// ExportToFile atomically replaces filename with the current cache contents. The file is written
// owner-only; it holds live key material.
func (c *SessionCache) ExportToFile(filename string) error {
	temp := filename + ".tmp"
	file, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := c.Export(file); err != nil {
		file.Close()
		os.Remove(temp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(temp)
		return err
	}
	return os.Rename(temp, filename)
}

// Update records s as the current session for its vehicle.
func (c *SessionCache) Update(s *session.Session) {
	if s == nil || s.VehicleID == "" {
		return
	}
	entry := &Entry{
		VehicleID:        s.VehicleID,
		SessionID:        s.ID,
		SessionKey:       base64.StdEncoding.EncodeToString(s.Key),
		VehiclePublicKey: base64.StdEncoding.EncodeToString(s.VehiclePublicKey),
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.vehicles[s.VehicleID] = entry
	c.evictLocked()
}

// Delete forgets a vehicle's persisted session.
func (c *SessionCache) Delete(vehicleID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.vehicles, vehicleID)
}

// Restore seeds engine with the persisted session for vehicleID, if one is still live. Returns
// false when nothing usable is cached.
func (c *SessionCache) Restore(engine *session.Engine, deviceID, vehicleID string) bool {
	c.lock.Lock()
	entry, ok := c.vehicles[vehicleID]
	c.lock.Unlock()
	if !ok || !entry.live(time.Now()) {
		return false
	}
	vehiclePublicKey, err := base64.StdEncoding.DecodeString(entry.VehiclePublicKey)
	if err != nil {
		return false
	}
	seed := protocol.SeededSession{
		SessionID:  entry.SessionID,
		SessionKey: entry.SessionKey,
		ExpiresAt:  protocol.NewTimestamp(entry.ExpiresAt),
		VehicleID:  entry.VehicleID,
	}
	if _, err := engine.SeedFromServer(deviceID, seed, vehiclePublicKey); err != nil {
		log.Debug("cache: persisted session for %s unusable: %s", vehicleID, err)
		return false
	}
	log.Info("cache: restored session %s for vehicle %s", entry.SessionID, vehicleID)
	return true
}

// evictLocked drops expired entries, then the least recently created until within MaxEntries.
// Caller holds c.lock.
func (c *SessionCache) evictLocked() {
	now := time.Now()
	for id, entry := range c.vehicles {
		if !entry.live(now) {
			delete(c.vehicles, id)
		}
	}
	if c.MaxEntries <= 0 {
		return
	}
	for len(c.vehicles) > c.MaxEntries {
		oldestID := ""
		var oldest time.Time
		for id, entry := range c.vehicles {
			if oldestID == "" || entry.CreatedAt.Before(oldest) {
				oldestID = id
				oldest = entry.CreatedAt
			}
		}
		delete(c.vehicles, oldestID)
	}
}
