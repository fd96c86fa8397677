// Package simulated provides an offline transport that emulates a vehicle control unit: it
// reassembles chunked packets, answers handshakes, decrypts seeded-session commands, and returns
// signed, encrypted responses. It exists so the rest of the client (and its tests) can run when
// the radio is unavailable, with injected random failures approximating a lossy link.
package simulated

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/chunk"
	"github.com/4ourtune/dks-client-sub000/pkg/connector"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
	"github.com/4ourtune/dks-client-sub000/pkg/session"
)

// DefaultFailureRate is the fraction of commands that silently time out.
const DefaultFailureRate = 0.1

const simulatedDeviceID = "SIM-0001"

// Transport emulates a paired vehicle behind the connector.Transport interface.
type Transport struct {
	mu         sync.Mutex
	state      connector.State
	deviceID   string
	subscribed bool
	inbox      chan []byte
	pending    [][]byte

	rng           *mrand.Rand
	failureRate   float64
	notifySupport bool
	maxPayload    int

	vehicleID     string
	vehicleKey    *keys.PrivateKey
	peerPublicKey []byte

	rxChunks []chunk.Chunk
	sessions map[string][]byte // session id -> session key
}

// Option configures the simulator.
type Option func(*Transport)

// WithSeed makes the failure injection deterministic.
func WithSeed(seed int64) Option {
	return func(t *Transport) { t.rng = mrand.New(mrand.NewSource(seed)) }
}

// WithFailureRate overrides the injected command-timeout rate. Zero disables injection.
func WithFailureRate(rate float64) Option {
	return func(t *Transport) { t.failureRate = rate }
}

// WithoutNotifications makes Subscribe fail so clients exercise the polling fallback.
func WithoutNotifications() Option {
	return func(t *Transport) { t.notifySupport = false }
}

// WithVehicleID sets the emulated vehicle's identifier.
func WithVehicleID(id string) Option {
	return func(t *Transport) { t.vehicleID = id }
}

// NewTransport creates a disconnected simulator with its own vehicle key pair.
func NewTransport(opts ...Option) (*Transport, error) {
	vehicleKey, err := keys.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		state:         connector.StateDisconnected,
		rng:           mrand.New(mrand.NewSource(time.Now().UnixNano())),
		failureRate:   DefaultFailureRate,
		notifySupport: true,
		maxPayload:    connector.DefaultMaxPayload,
		vehicleID:     "42",
		vehicleKey:    vehicleKey,
		sessions:      make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// VehiclePublicKey exposes the emulated vehicle's public key so callers can seed sessions.
func (t *Transport) VehiclePublicKey() []byte {
	return t.vehicleKey.PublicBytes()
}

// SeedSession installs session key material directly, mirroring a backend-provisioned session.
func (t *Transport) SeedSession(sessionID string, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = key
}

func (t *Transport) State() connector.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

func (t *Transport) Scan(ctx context.Context, filter connector.ScanFilter) (<-chan connector.DiscoveredDevice, error) {
	out := make(chan connector.DiscoveredDevice, 1)
	device := connector.DiscoveredDevice{ID: simulatedDeviceID, LocalName: "DK-" + t.vehicleID, RSSI: -40}
	t.mu.Lock()
	t.state = connector.StateScanning
	t.mu.Unlock()
	go func() {
		defer close(out)
		if filter.Accept(device) {
			select {
			case out <- device:
			case <-ctx.Done():
			}
		}
		t.mu.Lock()
		if t.state == connector.StateScanning {
			t.state = connector.StateDisconnected
		}
		t.mu.Unlock()
	}()
	return out, nil
}

func (t *Transport) Connect(ctx context.Context, deviceID string) error {
	if deviceID != simulatedDeviceID {
		return connector.NewError(connector.KindLinkLost, "connect", fmt.Errorf("unknown device %s", deviceID))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = connector.StateConnected
	t.deviceID = deviceID
	t.inbox = make(chan []byte, 16)
	t.pending = nil
	t.rxChunks = nil
	t.subscribed = false
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = connector.StateDisconnected
	t.deviceID = ""
	t.subscribed = false
	t.rxChunks = nil
	t.pending = nil
}

func (t *Transport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != connector.StateConnected {
		return nil, connector.NewError(connector.KindLinkLost, "subscribe", fmt.Errorf("not connected"))
	}
	if !t.notifySupport {
		return nil, connector.ErrNotSupported
	}
	t.subscribed = true
	return t.inbox, nil
}

// DropNotifications closes the notify stream while the link stays up, emulating a subscription
// that dies mid-connection. Later responses queue for polling reads.
func (t *Transport) DropNotifications() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribed {
		t.subscribed = false
		close(t.inbox)
	}
}

func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != connector.StateConnected {
		return nil, connector.NewError(connector.KindLinkLost, "read", fmt.Errorf("not connected"))
	}
	if len(t.pending) == 0 {
		return nil, nil
	}
	next := t.pending[0]
	t.pending = t.pending[1:]
	return next, nil
}

func (t *Transport) NegotiateMaxPayload(ctx context.Context) (int, error) {
	return t.maxPayload, nil
}

// Write accepts one chunk frame (or bare packet) from the client and, once a packet is complete,
// produces the emulated vehicle's response.
func (t *Transport) Write(ctx context.Context, p []byte) error {
	t.mu.Lock()
	if t.state != connector.StateConnected {
		t.mu.Unlock()
		return connector.NewError(connector.KindLinkLost, "write", fmt.Errorf("not connected"))
	}
	t.mu.Unlock()

	var frame chunk.Chunk
	if err := json.Unmarshal(p, &frame); err == nil && frame.Checksum != "" {
		t.mu.Lock()
		t.rxChunks = append(t.rxChunks, frame)
		complete := len(t.rxChunks) == frame.Total
		var packet []byte
		if complete {
			var rerr error
			packet, rerr = chunk.Reassemble(t.rxChunks)
			t.rxChunks = nil
			if rerr != nil {
				t.mu.Unlock()
				log.Warning("simulated: dropping corrupt packet: %s", rerr)
				return nil
			}
		}
		t.mu.Unlock()
		if complete {
			t.handlePacket(packet)
		}
		return nil
	}
	t.handlePacket(p)
	return nil
}

func (t *Transport) handlePacket(packet []byte) {
	switch protocol.PacketType(packet) {
	case protocol.TypeHandshake:
		t.handleHandshake(packet)
	case protocol.TypeSessionSeed:
		t.handleSessionSeed(packet)
	case protocol.TypeCertExchange:
		// The emulated vehicle accepts any certificate; nothing to verify offline.
	case protocol.TypeSecureCommand:
		t.handleCommand(packet)
	default:
		log.Warning("simulated: ignoring packet of unknown type")
	}
}

func (t *Transport) handleHandshake(packet []byte) {
	var hs protocol.HandshakePacket
	if err := json.Unmarshal(packet, &hs); err != nil {
		return
	}
	if peer, err := hex.DecodeString(hs.UserPublicKey); err == nil {
		t.mu.Lock()
		t.peerPublicKey = peer
		t.mu.Unlock()
	}
	nonce := make([]byte, session.NonceSizeBytes)
	t.rng.Read(nonce)
	reply := protocol.NewHandshakePacket(
		hex.EncodeToString(t.vehicleKey.PublicBytes()),
		base64.StdEncoding.EncodeToString(nonce),
	)
	t.deliverPacket(reply)
}

func (t *Transport) handleSessionSeed(packet []byte) {
	var seed protocol.SessionSeedPacket
	if err := json.Unmarshal(packet, &seed); err != nil {
		return
	}
	var key []byte
	if seed.Session.SessionKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(seed.Session.SessionKey)
		if err != nil {
			log.Warning("simulated: seed packet with invalid key material")
			return
		}
		key = decoded
	} else {
		// Handshake-derived session: both sides compute the key from ECDH agreement plus the
		// exchanged nonces, so the seed packet carries no key material.
		t.mu.Lock()
		peer := t.peerPublicKey
		t.mu.Unlock()
		if len(peer) == 0 {
			log.Warning("simulated: key-less seed without a preceding handshake")
			return
		}
		secret, err := t.vehicleKey.SharedSecret(peer)
		if err != nil {
			log.Warning("simulated: cannot derive session key: %s", err)
			return
		}
		clientNonce, _ := base64.StdEncoding.DecodeString(seed.Session.ClientNonce)
		serverNonce, _ := base64.StdEncoding.DecodeString(seed.Session.ServerNonce)
		key = session.DeriveKey(secret, clientNonce, serverNonce)
	}
	t.mu.Lock()
	t.sessions[seed.Session.SessionID] = key
	t.mu.Unlock()
	log.Debug("simulated: adopted seeded session %s", seed.Session.SessionID)
}

func (t *Transport) handleCommand(packet []byte) {
	if t.rng.Float64() < t.failureRate {
		log.Info("simulated: injecting command timeout")
		return
	}
	var envelope protocol.SecureCommandPacket
	if err := json.Unmarshal(packet, &envelope); err != nil {
		return
	}
	t.mu.Lock()
	key, ok := t.sessions[envelope.SessionID]
	t.mu.Unlock()
	if !ok {
		t.respondError(envelope.SessionID, "unknown session")
		return
	}
	plaintext, err := session.Decrypt(key, envelope.EncryptedPayload)
	if err != nil {
		t.respondError(envelope.SessionID, "decryption failed")
		return
	}
	var payload protocol.CommandPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		t.respondError(envelope.SessionID, "malformed payload")
		return
	}

	response := protocol.ResponsePacket{
		Success:   true,
		Command:   payload.Command,
		Timestamp: protocol.Now(),
		Data:      t.commandData(payload.Command),
	}
	responseJSON, err := json.Marshal(&response)
	if err != nil {
		return
	}
	encrypted, err := session.Encrypt(key, responseJSON)
	if err != nil {
		return
	}
	secure := &protocol.SecureResponsePacket{
		Version:          protocol.Version,
		Type:             protocol.TypeSecureResponse,
		Success:          true,
		SessionID:        envelope.SessionID,
		EncryptedPayload: encrypted,
		Timestamp:        protocol.Now(),
	}
	t.signAndDeliver(secure)
}

func (t *Transport) commandData(cmd protocol.Command) map[string]interface{} {
	switch cmd {
	case protocol.CommandUnlock:
		return map[string]interface{}{"doorsLocked": false}
	case protocol.CommandLock:
		return map[string]interface{}{"doorsLocked": true}
	case protocol.CommandStart:
		return map[string]interface{}{"engineRunning": true}
	case protocol.CommandStatus:
		return map[string]interface{}{
			"doorsLocked":   true,
			"engineRunning": false,
			"batteryLevel":  87,
		}
	}
	return nil
}

func (t *Transport) respondError(sessionID, message string) {
	secure := &protocol.SecureResponsePacket{
		Version:   protocol.Version,
		Type:      protocol.TypeSecureResponse,
		Success:   false,
		SessionID: sessionID,
		Timestamp: protocol.Now(),
		Error:     message,
	}
	t.signAndDeliver(secure)
}

func (t *Transport) signAndDeliver(secure *protocol.SecureResponsePacket) {
	signingBytes, err := secure.SigningBytes()
	if err != nil {
		return
	}
	if secure.Signature, err = t.vehicleKey.SignBase64(signingBytes); err != nil {
		return
	}
	t.deliverPacket(secure)
}

// deliverPacket chunks a response and feeds the frames through the notify stream when subscribed,
// else queues them for polling reads.
func (t *Transport) deliverPacket(packet interface{}) {
	raw, err := json.Marshal(packet)
	if err != nil {
		return
	}
	frames, err := chunk.Split(raw, t.maxPayload)
	if err != nil {
		log.Error("simulated: failed to chunk response: %s", err)
		return
	}
	for _, frame := range frames {
		encoded, err := json.Marshal(&frame)
		if err != nil {
			return
		}
		t.mu.Lock()
		if t.subscribed {
			select {
			case t.inbox <- encoded:
			default:
				log.Error("simulated: inbox full, dropping frame")
			}
		} else {
			t.pending = append(t.pending, encoded)
		}
		t.mu.Unlock()
	}
}
