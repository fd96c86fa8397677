// Package pairing implements the out-of-band enrollment flow that binds a physical device to a
// vehicle and user account. Pairing is distinct from establishing a command session: it happens
// once, requires a PIN displayed by the vehicle itself, and round-trips through the backend to
// finalize the binding.
package pairing

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/account"
	"github.com/4ourtune/dks-client-sub000/pkg/connector"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// State enumerates the pairing flow's explicit states. Transitions only move forward, to Error,
// or back to Idle via Cancel/Reset; there is no implicit reset.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateDeviceSelected
	StateConnecting
	StateChallenge
	StateRegistering
	StateCompleting
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateDeviceSelected:
		return "deviceSelected"
	case StateConnecting:
		return "connecting"
	case StateChallenge:
		return "challenge"
	case StateRegistering:
		return "registering"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	default:
		return "error"
	}
}

// Backend is the subset of the remote API the pairing flow depends on.
type Backend interface {
	ConfirmPairingPin(ctx context.Context, vehicleID, pin string) (*account.PairingGrant, error)
	FinalizePairing(ctx context.Context, vehicleID, deviceID, pairingToken string) error
}

// Result is the outcome of a completed pairing.
type Result struct {
	VehicleID    string
	DeviceID     string
	PairingToken string
	Certificate  *keys.UserCertificate
}

// completionPacket is the on-link pairing completion message. The credential proves possession of
// both the device challenge and the backend-issued token without exposing the token itself.
type completionPacket struct {
	Version    int                `json:"version"`
	Type       string             `json:"type"`
	Credential string             `json:"credential"`
	Timestamp  protocol.Timestamp `json:"timestamp"`
}

const challengeReadInterval = 250 * time.Millisecond
const challengeReadTimeout = 5 * time.Second

// Machine drives one pairing attempt through its state sequence. Methods validate the current
// state and move to StateError (with a human-readable message) on failure.
type Machine struct {
	transport connector.Transport
	backend   Backend
	certs     *keys.CertStore

	mu                sync.Mutex
	state             State
	vehicleID         string
	expectedDeviceIDs []string
	device            *connector.DiscoveredDevice
	challenge         []byte
	pairingToken      string
	result            *Result
	err               error
	attemptsRemaining int
	finalizePending   bool
	stopScan          context.CancelFunc
}

func NewMachine(transport connector.Transport, backend Backend, certs *keys.CertStore) *Machine {
	return &Machine{
		transport:         transport,
		backend:           backend,
		certs:             certs,
		state:             StateIdle,
		attemptsRemaining: -1,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure that moved the machine to StateError, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// AttemptsRemaining reports the PIN budget surfaced by the backend, or -1 when unknown. The
// budget is enforced server-side; the client only mirrors it.
func (m *Machine) AttemptsRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attemptsRemaining
}

// Result returns the pairing outcome once the machine reaches StateCompleted.
func (m *Machine) Result() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

func (m *Machine) requireState(want State) error {
	if m.state != want {
		return fmt.Errorf("pairing: operation requires state %s, machine is %s", want, m.state)
	}
	return nil
}

func (m *Machine) fail(format string, a ...interface{}) error {
	err := fmt.Errorf(format, a...)
	m.state = StateError
	m.err = err
	log.Warning("pairing: %s", err)
	return err
}

// StartScan begins device discovery for vehicleID, optionally restricted to expected device
// identifiers from prior registrations so unrelated nearby devices are not surfaced.
func (m *Machine) StartScan(ctx context.Context, vehicleID string, expectedDeviceIDs []string) (<-chan connector.DiscoveredDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState(StateIdle); err != nil {
		return nil, err
	}
	scanCtx, cancel := context.WithCancel(ctx)
	devices, err := m.transport.Scan(scanCtx, connector.ScanFilter{AllowedIDs: expectedDeviceIDs})
	if err != nil {
		cancel()
		return nil, m.fail("device discovery failed: %w", err)
	}
	m.vehicleID = vehicleID
	m.expectedDeviceIDs = expectedDeviceIDs
	m.stopScan = cancel
	m.state = StateScanning
	return devices, nil
}

// SelectDevice picks one discovered device and stops the scan.
func (m *Machine) SelectDevice(device connector.DiscoveredDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireState(StateScanning); err != nil {
		return err
	}
	if m.stopScan != nil {
		m.stopScan()
		m.stopScan = nil
	}
	m.device = &device
	m.state = StateDeviceSelected
	return nil
}

// Connect attaches to the selected device.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if err := m.requireState(StateDeviceSelected); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateConnecting
	device := *m.device
	m.mu.Unlock()

	err := m.transport.Connect(ctx, device.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.fail("could not connect to %s: %w", device.ID, err)
	}
	return nil
}

// ReadChallenge reads the pairing challenge (nonce) the device publishes after connection.
func (m *Machine) ReadChallenge(ctx context.Context) error {
	m.mu.Lock()
	if err := m.requireState(StateConnecting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	challenge, err := m.pollChallenge(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return m.fail("could not read pairing challenge: %w", err)
	}
	m.challenge = challenge
	m.state = StateChallenge
	return nil
}

func (m *Machine) pollChallenge(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(challengeReadTimeout)
	for {
		data, err := m.transport.Read(ctx)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			return decodeChallenge(data), nil
		}
		if time.Now().After(deadline) {
			return nil, connector.NewError(connector.KindTimeout, "read", fmt.Errorf("no challenge within %s", challengeReadTimeout))
		}
		select {
		case <-time.After(challengeReadInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// decodeChallenge accepts either raw nonce bytes or a JSON wrapper {"challenge": base64}.
func decodeChallenge(data []byte) []byte {
	var wrapper struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Challenge != "" {
		if decoded, err := base64.StdEncoding.DecodeString(wrapper.Challenge); err == nil {
			return decoded
		}
	}
	return data
}

// SubmitPIN sends the one-time PIN (obtained out of band, e.g. from the vehicle's screen) to the
// backend. Once the backend reports the attempt budget exhausted, further submissions fail
// immediately without contacting backend or transport.
func (m *Machine) SubmitPIN(ctx context.Context, pin string) error {
	m.mu.Lock()
	if err := m.requireState(StateChallenge); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.attemptsRemaining == 0 {
		m.mu.Unlock()
		return &protocol.PinError{AttemptsRemaining: 0}
	}
	vehicleID := m.vehicleID
	m.mu.Unlock()

	grant, err := m.backend.ConfirmPairingPin(ctx, vehicleID, pin)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if pinErr, ok := err.(*protocol.PinError); ok {
			m.attemptsRemaining = pinErr.AttemptsRemaining
			// A rejected PIN keeps the machine in StateChallenge while attempts remain.
			if pinErr.AttemptsRemaining != 0 {
				return err
			}
		}
		m.fail("PIN confirmation failed: %w", err)
		return err
	}
	m.pairingToken = grant.PairingToken
	m.state = StateRegistering
	return nil
}

// Complete performs on-link pairing completion, finalizes the binding with the backend, and
// provisions a user certificate for the newly bound vehicle.
func (m *Machine) Complete(ctx context.Context) error {
	m.mu.Lock()
	if err := m.requireState(StateRegistering); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateCompleting
	m.mu.Unlock()
	return m.finishCompletion(ctx, true)
}

// RetryFinalize retries backend finalization after a finalization-only failure. The pairing
// context (device, token) is intact, so no re-scan or reconnect is needed.
func (m *Machine) RetryFinalize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateError || !m.finalizePending {
		m.mu.Unlock()
		return fmt.Errorf("pairing: no pending finalization to retry")
	}
	m.state = StateCompleting
	m.err = nil
	m.mu.Unlock()
	return m.finishCompletion(ctx, false)
}

func (m *Machine) finishCompletion(ctx context.Context, sendCredential bool) error {
	m.mu.Lock()
	vehicleID := m.vehicleID
	deviceID := m.device.ID
	token := m.pairingToken
	challenge := m.challenge
	m.mu.Unlock()

	if sendCredential {
		if err := m.sendCompletion(ctx, challenge, token); err != nil {
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.fail("on-link pairing completion failed: %w", err)
		}
	}

	if err := m.backend.FinalizePairing(ctx, vehicleID, deviceID, token); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Keep context so RetryFinalize can run without re-scanning.
		m.finalizePending = true
		return m.fail("pairing finalization failed: %w", err)
	}

	cert, err := m.certs.EnsureUserCertificate(ctx, vehicleID, keys.Permissions{Unlock: true, Lock: true, StartEngine: true})
	if err != nil {
		log.Warning("pairing: paired but certificate provisioning failed: %s", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizePending = false
	m.result = &Result{
		VehicleID:    vehicleID,
		DeviceID:     deviceID,
		PairingToken: token,
		Certificate:  cert,
	}
	m.state = StateCompleted
	log.Info("pairing: device %s bound to vehicle %s", deviceID, vehicleID)
	return nil
}

func (m *Machine) sendCompletion(ctx context.Context, challenge []byte, token string) error {
	digest := sha256.Sum256(append(append([]byte{}, challenge...), []byte(token)...))
	packet := completionPacket{
		Version:    protocol.Version,
		Type:       "pair_complete",
		Credential: base64.StdEncoding.EncodeToString(digest[:]),
		Timestamp:  protocol.Now(),
	}
	encoded, err := json.Marshal(&packet)
	if err != nil {
		return err
	}
	return m.transport.Write(ctx, encoded)
}

// Cancel aborts from any non-terminal state: stops an in-flight scan, disconnects if connected,
// and resets the machine to StateIdle with empty context. This is the only path that tears down
// partial state without requiring completion or error.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCompleted {
		return
	}
	if m.stopScan != nil {
		m.stopScan()
		m.stopScan = nil
	}
	if m.transport.State() == connector.StateConnected {
		m.transport.Disconnect()
	}
	m.resetLocked()
}

// Reset returns an errored machine to StateIdle. Retrying after an error requires this explicit
// transition.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return fmt.Errorf("pairing: reset only valid from error state, machine is %s", m.state)
	}
	m.resetLocked()
	return nil
}

func (m *Machine) resetLocked() {
	m.state = StateIdle
	m.vehicleID = ""
	m.expectedDeviceIDs = nil
	m.device = nil
	m.challenge = nil
	m.pairingToken = ""
	m.result = nil
	m.err = nil
	m.attemptsRemaining = -1
	m.finalizePending = false
}
