// Package vehicle orchestrates command delivery: session lifecycle, envelope construction,
// chunked transmission over the transport, and response verification.
package vehicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/account"
	"github.com/4ourtune/dks-client-sub000/pkg/chunk"
	"github.com/4ourtune/dks-client-sub000/pkg/connector"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
	"github.com/4ourtune/dks-client-sub000/pkg/session"
)

// Backend provisions sessions remotely so clients can skip the on-link handshake. A nil Backend
// restricts the client to handshake-derived sessions.
type Backend interface {
	RefreshPKISession(ctx context.Context, vehicleID, pairingToken, sessionID string) (*account.SessionGrant, error)
}

const (
	commandTimeout   = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	pollInterval     = 200 * time.Millisecond
	writeRetryDelay  = 100 * time.Millisecond
)

// Vehicle is a client for one vehicle reachable over a transport link. Methods are safe for
// concurrent use; commands are serialized on the link.
type Vehicle struct {
	transport connector.Transport
	keys      *keys.Store
	certs     *keys.CertStore
	sessions  *session.Engine
	backend   Backend

	// InterChunkDelay spaces consecutive frame writes for peers that drain their receive buffer
	// slowly. Zero disables pacing.
	InterChunkDelay time.Duration

	mu               sync.Mutex // guards connection context below
	vehicleID        string
	pairingToken     string
	current          *session.Session
	lastSessionID    string
	maxPayload       int
	inbox            <-chan []byte // nil when the transport cannot push

	sessionMu sync.Mutex // single-flight session establishment
	ioMu      sync.Mutex // one command exchange on the link at a time
}

// New creates a client over transport. backend may be nil for offline (handshake-only) operation.
func New(transport connector.Transport, keyStore *keys.Store, certs *keys.CertStore, backend Backend) *Vehicle {
	return &Vehicle{
		transport: transport,
		keys:      keyStore,
		certs:     certs,
		sessions:  session.NewEngine(keyStore, certs),
		backend:   backend,
	}
}

// Sessions exposes the session engine, e.g. for cache persistence.
func (v *Vehicle) Sessions() *session.Engine {
	return v.sessions
}

// Transport exposes the underlying link, e.g. for driving a pairing flow over it.
func (v *Vehicle) Transport() connector.Transport {
	return v.transport
}

// Certificates exposes the certificate store shared with the pairing flow.
func (v *Vehicle) Certificates() *keys.CertStore {
	return v.certs
}

// SetVehicleContext binds the connection to a vehicle identity. Commands fail with
// ErrVehicleContextUnavailable until this is called.
func (v *Vehicle) SetVehicleContext(vehicleID, pairingToken string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vehicleID != vehicleID {
		v.current = nil
		v.lastSessionID = ""
	}
	v.vehicleID = vehicleID
	v.pairingToken = pairingToken
}

// FindVehicle scans for the first device passing filter.
func (v *Vehicle) FindVehicle(ctx context.Context, filter connector.ScanFilter) (*connector.DiscoveredDevice, error) {
	scanCtx, cancel := context.WithTimeout(ctx, connector.ScanTimeout)
	defer cancel()
	devices, err := v.transport.Scan(scanCtx, filter)
	if err != nil {
		return nil, err
	}
	for device := range devices {
		log.Debug("vehicle: discovered %s (%s, %d dBm)", device.ID, device.LocalName, device.RSSI)
		return &device, nil
	}
	return nil, connector.NewError(connector.KindTimeout, "scan", fmt.Errorf("no matching device found"))
}

// Connect attaches to a device and prepares the receive path. Transports without notification
// support fall back to polling reads; a recoverable subscribe failure does the same rather than
// failing the connection.
func (v *Vehicle) Connect(ctx context.Context, deviceID string) error {
	connectCtx, cancel := context.WithTimeout(ctx, connector.ConnectTimeout)
	defer cancel()
	if err := v.transport.Connect(connectCtx, deviceID); err != nil {
		return err
	}

	maxPayload := connector.DefaultMaxPayload
	if negotiated, err := v.transport.NegotiateMaxPayload(ctx); err == nil && negotiated >= chunk.MinPayloadBytes {
		maxPayload = negotiated
	} else if err != nil {
		log.Warning("vehicle: payload negotiation failed, using %d bytes: %s", maxPayload, err)
	}

	inbox, err := v.transport.Subscribe(ctx)
	if err != nil {
		if connector.KindOf(err) != connector.KindNotSupported && !connector.Recoverable(err) {
			v.transport.Disconnect()
			return err
		}
		log.Info("vehicle: notifications unavailable, falling back to polling: %s", err)
		inbox = nil
	}

	v.mu.Lock()
	v.maxPayload = maxPayload
	v.inbox = inbox
	v.mu.Unlock()
	log.Info("vehicle: connected to %s (payload budget %d bytes)", deviceID, maxPayload)
	return nil
}

// Disconnect tears down the link and forgets the in-memory session pointer. Cached sessions
// survive for the next connection.
func (v *Vehicle) Disconnect() {
	v.transport.Disconnect()
	v.mu.Lock()
	v.current = nil
	v.inbox = nil
	v.mu.Unlock()
}

// Unlock unlocks the doors.
func (v *Vehicle) Unlock(ctx context.Context) (*protocol.ResponsePacket, error) {
	return v.SendCommand(ctx, protocol.CommandUnlock)
}

// Lock locks the doors.
func (v *Vehicle) Lock(ctx context.Context) (*protocol.ResponsePacket, error) {
	return v.SendCommand(ctx, protocol.CommandLock)
}

// StartEngine starts the engine.
func (v *Vehicle) StartEngine(ctx context.Context) (*protocol.ResponsePacket, error) {
	return v.SendCommand(ctx, protocol.CommandStart)
}

// Status fetches the vehicle state snapshot.
func (v *Vehicle) Status(ctx context.Context) (*protocol.ResponsePacket, error) {
	return v.SendCommand(ctx, protocol.CommandStatus)
}

// SendCommand executes one command end to end: ensure a live session, build the encrypted signed
// envelope, transmit it in chunks, and verify the response. A stale-session failure triggers
// exactly one refresh-and-retry cycle; all other failures surface to the caller.
func (v *Vehicle) SendCommand(ctx context.Context, command protocol.Command) (*protocol.ResponsePacket, error) {
	if v.transport.State() != connector.StateConnected {
		return nil, protocol.ErrNotConnected
	}
	v.mu.Lock()
	vehicleID := v.vehicleID
	v.mu.Unlock()
	if vehicleID == "" {
		return nil, protocol.ErrVehicleContextUnavailable
	}

	response, err := v.sendOnce(ctx, command, vehicleID)
	if err != nil && protocol.NeedsSessionRefresh(err) {
		log.Info("vehicle: session stale (%s), refreshing and retrying %s once", err, command)
		v.invalidateSession()
		response, err = v.sendOnce(ctx, command, vehicleID)
	}
	if err != nil && connector.KindOf(err) == connector.KindEndpointMissing {
		// The transport's endpoint map is desynced from the peer; reconnecting is the only fix.
		log.Warning("vehicle: endpoint missing, dropping connection")
		v.Disconnect()
	}
	return response, err
}

func (v *Vehicle) sendOnce(ctx context.Context, command protocol.Command, vehicleID string) (*protocol.ResponsePacket, error) {
	s, err := v.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	envelope, err := v.sessions.CreateSecureCommand(ctx, command, vehicleID, s)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	packet, err := v.exchange(ctx, raw, commandTimeout)
	if err != nil {
		return nil, err
	}
	return v.decodeCommandResponse(packet, s)
}

// decodeCommandResponse classifies a complete inbound packet as a signed envelope or a bare
// response. Signed envelopes are the norm; bare responses appear only from peers predating the
// envelope format and are flagged as unauthenticated.
func (v *Vehicle) decodeCommandResponse(packet []byte, s *session.Session) (*protocol.ResponsePacket, error) {
	if protocol.PacketType(packet) == protocol.TypeSecureResponse {
		var envelope protocol.SecureResponsePacket
		if err := json.Unmarshal(packet, &envelope); err != nil {
			return nil, protocol.ErrBadResponse
		}
		return v.sessions.VerifyResponse(&envelope, s, s.VehiclePublicKey)
	}
	var response protocol.ResponsePacket
	if err := json.Unmarshal(packet, &response); err != nil || response.Command == "" {
		return nil, protocol.ErrBadResponse
	}
	log.Warning("vehicle: accepted unauthenticated legacy response")
	return &response, nil
}

func (v *Vehicle) invalidateSession() {
	v.mu.Lock()
	current := v.current
	v.current = nil
	if current != nil {
		v.lastSessionID = current.ID
	}
	v.mu.Unlock()
	if current != nil {
		for _, key := range session.Aliases(v.transport.DeviceID(), current.VehicleID).Keys() {
			v.sessions.Cache().Clear(key)
		}
	}
}

func (v *Vehicle) payloadBudget() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.maxPayload >= chunk.MinPayloadBytes {
		return v.maxPayload
	}
	return connector.DefaultMaxPayload
}

// exchange transmits one packet and waits for one complete response packet. The link is held
// exclusively for the duration so interleaved commands cannot corrupt each other's frame
// sequences.
func (v *Vehicle) exchange(ctx context.Context, raw []byte, timeout time.Duration) ([]byte, error) {
	v.ioMu.Lock()
	defer v.ioMu.Unlock()
	if err := v.writeFrames(ctx, raw); err != nil {
		return nil, err
	}
	return v.awaitPacket(ctx, timeout)
}

// pushPacket transmits one packet without expecting a response.
func (v *Vehicle) pushPacket(ctx context.Context, packet interface{}) error {
	raw, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	v.ioMu.Lock()
	defer v.ioMu.Unlock()
	return v.writeFrames(ctx, raw)
}

// writeFrames chunks raw and writes the frames in order. A recoverable write failure is retried
// once after a short delay; anything else aborts the sequence.
func (v *Vehicle) writeFrames(ctx context.Context, raw []byte) error {
	frames, err := chunk.Split(raw, v.payloadBudget())
	if err != nil {
		return err
	}
	for i, frame := range frames {
		encoded, err := json.Marshal(&frame)
		if err != nil {
			return err
		}
		if err := v.writeFrame(ctx, encoded); err != nil {
			return fmt.Errorf("vehicle: frame %d/%d: %w", i+1, len(frames), err)
		}
		if v.InterChunkDelay > 0 && i < len(frames)-1 {
			select {
			case <-time.After(v.InterChunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (v *Vehicle) writeFrame(ctx context.Context, encoded []byte) error {
	err := v.transport.Write(ctx, encoded)
	if err == nil || !connector.Recoverable(err) {
		return err
	}
	log.Debug("vehicle: write failed (%s), retrying once", err)
	select {
	case <-time.After(writeRetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return v.transport.Write(ctx, encoded)
}

// errResponseTimeout: the command was delivered but no response arrived, so it may have executed.
// MayHaveSucceeded suppresses automatic retry; re-issuing a possibly-executed command is the
// caller's call.
var errResponseTimeout = &protocol.CommandError{
	Err:               errors.New("timed out waiting for vehicle response"),
	PossibleSuccess:   true,
	PossibleTemporary: true,
}

// awaitPacket collects inbound frames until a complete packet reassembles, via the notification
// stream when available or polling reads otherwise. A stream that closes mid-collection degrades
// to polling for the remaining timeout. Undecodable buffers are skipped; the peer may share the
// link with unrelated traffic.
func (v *Vehicle) awaitPacket(ctx context.Context, timeout time.Duration) ([]byte, error) {
	v.mu.Lock()
	inbox := v.inbox
	v.mu.Unlock()

	var frames collector
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		var data []byte
		if inbox != nil {
			select {
			case buf, ok := <-inbox:
				if !ok {
					log.Warning("vehicle: notification stream closed, falling back to polling reads")
					v.mu.Lock()
					v.inbox = nil
					v.mu.Unlock()
					inbox = nil
					continue
				}
				data = buf
			case <-deadline.C:
				return nil, errResponseTimeout
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			buf, err := v.transport.Read(ctx)
			if err != nil {
				return nil, err
			}
			if len(buf) == 0 {
				select {
				case <-time.After(pollInterval):
					continue
				case <-deadline.C:
					return nil, errResponseTimeout
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			data = buf
		}
		if len(data) == 0 {
			continue
		}
		packet, err := frames.add(data)
		if errors.Is(err, errUndecodable) {
			log.Debug("vehicle: skipping undecodable inbound buffer (%d bytes)", len(data))
			continue
		}
		if err != nil {
			return nil, err
		}
		if packet != nil {
			return packet, nil
		}
	}
}
