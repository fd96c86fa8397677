// Package connector defines the byte-oriented transport interface the protocol engine runs over,
// together with the structured error classification retry logic depends on.
package connector

import (
	"context"
	"time"
)

// State tracks the lifecycle of a transport link.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DiscoveredDevice describes one advertisement observed during a scan.
type DiscoveredDevice struct {
	ID        string // transport address or platform identifier
	LocalName string
	RSSI      int
}

// ScanFilter restricts discovery to known devices. An empty filter passes everything.
type ScanFilter struct {
	// AllowedIDs restricts results to these device identifiers, e.g. from prior registrations.
	AllowedIDs []string
	// LocalName restricts results to advertisements with this local name.
	LocalName string
}

// Accept reports whether a discovered device passes the filter.
func (f *ScanFilter) Accept(d DiscoveredDevice) bool {
	if f.LocalName != "" && d.LocalName != f.LocalName {
		return false
	}
	if len(f.AllowedIDs) == 0 {
		return true
	}
	for _, id := range f.AllowedIDs {
		if id == d.ID {
			return true
		}
	}
	return false
}

// DefaultMaxPayload is the conservative per-write budget used when MTU negotiation is
// unavailable, leaving headroom for link-layer overhead.
const DefaultMaxPayload = 180

// Default per-phase timeouts. Every transport operation is bounded; nothing blocks indefinitely.
const (
	ScanTimeout    = 10 * time.Second
	ConnectTimeout = 15 * time.Second
)

// Transport is the radio link collaborator: scan, connect, write, and receive raw bytes.
// Implementations must report failures as *connector.Error so callers can classify them.
type Transport interface {
	// Scan streams discovered devices until ctx expires or Disconnect is called. The channel is
	// closed when the scan ends.
	Scan(ctx context.Context, filter ScanFilter) (<-chan DiscoveredDevice, error)

	// Connect attaches to a previously discovered device.
	Connect(ctx context.Context, deviceID string) error

	// Disconnect tears the link down. Must be idempotent.
	Disconnect()

	// Write sends one buffer (at most the negotiated max payload).
	Write(ctx context.Context, p []byte) error

	// Subscribe returns the notification stream of inbound buffers. Implementations that cannot
	// push must return ErrNotSupported, in which case callers fall back to Read polling.
	Subscribe(ctx context.Context) (<-chan []byte, error)

	// Read performs one polling read, returning an empty slice when no data is pending.
	Read(ctx context.Context) ([]byte, error)

	// NegotiateMaxPayload returns the transport's per-write byte budget.
	NegotiateMaxPayload(ctx context.Context) (int, error)

	// State returns the current link state.
	State() State

	// DeviceID returns the identifier of the connected device, or "" when disconnected.
	DeviceID() string
}
