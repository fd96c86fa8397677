package vehicle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
	"github.com/4ourtune/dks-client-sub000/pkg/session"
)

var allPermissions = keys.Permissions{Unlock: true, Lock: true, StartEngine: true}

// ensureSession returns a live session for the current vehicle, establishing one if needed.
// Establishment is single-flight: concurrent commands block here and share the resulting session
// rather than racing separate handshakes.
func (v *Vehicle) ensureSession(ctx context.Context) (*session.Session, error) {
	v.sessionMu.Lock()
	defer v.sessionMu.Unlock()

	v.mu.Lock()
	current := v.current
	vehicleID := v.vehicleID
	v.mu.Unlock()
	if current != nil && current.Matches(vehicleID, time.Now()) {
		return current, nil
	}

	aliasKey := v.transport.DeviceID()
	for _, key := range session.Aliases(aliasKey, vehicleID).Keys() {
		if cached, ok := v.sessions.Cache().Lookup(key); ok {
			v.adoptSession(cached)
			log.Debug("vehicle: adopted cached session %s", cached.ID)
			return cached, nil
		}
	}

	if v.backend != nil {
		s, err := v.seedFromBackend(ctx, aliasKey, vehicleID)
		if err == nil {
			return s, nil
		}
		log.Warning("vehicle: backend session provisioning failed, falling back to handshake: %s", err)
	}
	return v.handshakeOnLink(ctx, aliasKey, vehicleID)
}

func (v *Vehicle) adoptSession(s *session.Session) {
	v.mu.Lock()
	v.current = s
	v.lastSessionID = s.ID
	v.mu.Unlock()
}

// seedFromBackend provisions a session remotely and pushes the seed to the vehicle, skipping the
// on-link key exchange entirely. This is the fast path: one backend round trip plus one outbound
// packet.
func (v *Vehicle) seedFromBackend(ctx context.Context, aliasKey, vehicleID string) (*session.Session, error) {
	v.mu.Lock()
	pairingToken := v.pairingToken
	lastSessionID := v.lastSessionID
	v.mu.Unlock()

	grant, err := v.backend.RefreshPKISession(ctx, vehicleID, pairingToken, lastSessionID)
	if err != nil {
		return nil, err
	}
	vehiclePublicKey, err := session.VehiclePublicKeyHex(grant.VehiclePublicKey)
	if err != nil {
		return nil, err
	}
	s, err := v.sessions.SeedFromServer(aliasKey, grant.SeededSession, vehiclePublicKey)
	if err != nil {
		return nil, err
	}
	if err := v.pushPacket(ctx, protocol.NewSessionSeedPacket(grant.SeededSession)); err != nil {
		return nil, err
	}
	v.adoptSession(s)
	return s, nil
}

// handshakeOnLink performs the on-device key exchange: trade public keys and nonces over the
// link, derive the session key from ECDH agreement on both ends, and announce the session
// parameters. No key material crosses the link on this path.
func (v *Vehicle) handshakeOnLink(ctx context.Context, aliasKey, vehicleID string) (*session.Session, error) {
	private, err := v.keys.EnsureKeyPair()
	if err != nil {
		return nil, err
	}
	nonce, err := session.NewNonce()
	if err != nil {
		return nil, err
	}
	hello := protocol.NewHandshakePacket(private.PublicHex(), base64.StdEncoding.EncodeToString(nonce))
	raw, err := json.Marshal(hello)
	if err != nil {
		return nil, err
	}
	packet, err := v.exchange(ctx, raw, handshakeTimeout)
	if err != nil {
		return nil, err
	}
	if protocol.PacketType(packet) != protocol.TypeHandshake {
		return nil, protocol.ErrBadResponse
	}
	var reply protocol.HandshakePacket
	if err := json.Unmarshal(packet, &reply); err != nil {
		return nil, protocol.ErrBadResponse
	}
	vehiclePublicKey, err := session.VehiclePublicKeyHex(reply.UserPublicKey)
	if err != nil {
		return nil, err
	}

	s, err := v.sessions.Establish(aliasKey, vehicleID, vehiclePublicKey)
	if err != nil {
		return nil, err
	}

	// Certificate exchange is best effort on-link; the vehicle verifies against its stored root.
	if cert, err := v.certs.EnsureUserCertificate(ctx, vehicleID, allPermissions); err == nil {
		if certJSON, err := json.Marshal(cert); err == nil {
			if err := v.pushPacket(ctx, protocol.NewCertExchangePacket(certJSON)); err != nil {
				log.Warning("vehicle: certificate exchange failed: %s", err)
			}
		}
	} else {
		log.Warning("vehicle: no user certificate for handshake: %s", err)
	}

	seed := protocol.SeededSession{
		SessionID:   s.ID,
		ExpiresAt:   protocol.NewTimestamp(s.ExpiresAt),
		VehicleID:   vehicleID,
		ClientNonce: base64.StdEncoding.EncodeToString(s.ClientNonce),
		ServerNonce: base64.StdEncoding.EncodeToString(s.ServerNonce),
	}
	if err := v.pushPacket(ctx, protocol.NewSessionSeedPacket(seed)); err != nil {
		return nil, err
	}
	v.adoptSession(s)
	return s, nil
}
