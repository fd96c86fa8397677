// Package session maintains the encrypted-channel state shared with a vehicle: symmetric session
// keys derived from ECDH key agreement, the secure command/response envelope crypto, and an
// in-memory cache keyed by every alias a vehicle may be referenced by.
package session

import (
	"strconv"
	"strings"
	"time"
)

// Session holds one established channel's shared secret material and identity bindings.
type Session struct {
	ID               string
	Key              []byte
	VehiclePublicKey []byte
	UserPublicKey    []byte
	VehicleID        string
	ClientNonce      []byte
	ServerNonce      []byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Valid            bool
}

// Live reports whether the session can authorize commands at time t.
func (s *Session) Live(t time.Time) bool {
	return s != nil && s.Valid && t.Before(s.ExpiresAt)
}

// Matches reports whether the session binds the given vehicle and has not gone stale.
func (s *Session) Matches(vehicleID string, t time.Time) bool {
	return s.Live(t) && s.VehicleID == vehicleID
}

// AliasSet is the full set of cache keys under which one vehicle's session is stored: the raw
// device identifier, a normalized vehicle key, and (when the vehicle id is numeric) its canonical
// decimal rendering. The cache always updates the whole set atomically so readers never observe a
// partially-aliased session.
type AliasSet struct {
	keys []string
}

const vehicleAliasPrefix = "vehicle:"

// Aliases builds the alias set for a vehicle reached through deviceID. Either argument may be
// empty; duplicates collapse.
func Aliases(deviceID, vehicleID string) AliasSet {
	var set AliasSet
	set.add(deviceID)
	if vehicleID != "" {
		set.add(vehicleAliasPrefix + vehicleID)
		if n, err := strconv.ParseInt(strings.TrimSpace(vehicleID), 10, 64); err == nil {
			set.add(strconv.FormatInt(n, 10))
		}
	}
	return set
}

func (a *AliasSet) add(key string) {
	if key == "" {
		return
	}
	for _, existing := range a.keys {
		if existing == key {
			return
		}
	}
	a.keys = append(a.keys, key)
}

// Keys returns the alias keys. The returned slice must not be modified.
func (a AliasSet) Keys() []string {
	return a.keys
}

func (a AliasSet) Empty() bool {
	return len(a.keys) == 0
}
