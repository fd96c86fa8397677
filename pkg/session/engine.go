package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// DefaultTTL bounds the lifetime of locally-established sessions. Server-seeded sessions carry
// their own expiry.
const DefaultTTL = 15 * time.Minute

// MaxResponseSkew is the permitted gap between a response timestamp and local time.
const MaxResponseSkew = 30 * time.Second

// fullPermissions is requested when refreshing the user certificate for envelope construction;
// the backend narrows it to what the account actually holds.
var fullPermissions = keys.Permissions{Unlock: true, Lock: true, StartEngine: true}

// Engine derives, caches, and applies session keys. It owns the session cache; the orchestrator
// and handshake layers share one Engine per client.
type Engine struct {
	keys  *keys.Store
	certs *keys.CertStore
	cache *Cache
	ttl   time.Duration
}

func NewEngine(keyStore *keys.Store, certs *keys.CertStore) *Engine {
	return &Engine{
		keys:  keyStore,
		certs: certs,
		cache: NewCache(),
		ttl:   DefaultTTL,
	}
}

// Cache exposes the engine's session cache for lookup/clear operations.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Establish returns a live session for the vehicle reached through aliasKey, reusing a cached one
// when possible. Reuse installs a copy carrying the refreshed vehicle public key; sessions already
// handed out are never mutated. A fresh session derives its key from ECDH agreement with
// vehiclePublicKey plus two nonces.
func (e *Engine) Establish(aliasKey, vehicleID string, vehiclePublicKey []byte) (*Session, error) {
	aliases := Aliases(aliasKey, vehicleID)
	for _, key := range aliases.Keys() {
		if cached, ok := e.cache.Lookup(key); ok {
			if len(vehiclePublicKey) > 0 && !bytes.Equal(cached.VehiclePublicKey, vehiclePublicKey) {
				refreshed := *cached
				refreshed.VehiclePublicKey = vehiclePublicKey
				cached = &refreshed
			}
			e.cache.Put(aliases, cached)
			log.Info("session: reusing cached session %s for %s", cached.ID, vehicleID)
			return cached, nil
		}
	}

	private, found, err := e.keys.KeyPair()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, protocol.ErrKeyUnavailable
	}

	secret, err := private.SharedSecret(vehiclePublicKey)
	if err != nil {
		return nil, err
	}
	clientNonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	serverNonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:               uuid.NewString(),
		Key:              DeriveKey(secret, clientNonce, serverNonce),
		VehiclePublicKey: vehiclePublicKey,
		UserPublicKey:    private.PublicBytes(),
		VehicleID:        vehicleID,
		ClientNonce:      clientNonce,
		ServerNonce:      serverNonce,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.ttl),
		Valid:            true,
	}
	e.cache.Put(aliases, s)
	log.Info("session: established session %s for %s", s.ID, vehicleID)
	return s, nil
}

// SeedFromServer installs a backend-provisioned session under all aliases for its vehicle. This
// is the primary path when the backend pre-provisions sessions to avoid on-device handshakes.
func (e *Engine) SeedFromServer(aliasKey string, seed protocol.SeededSession, vehiclePublicKey []byte) (*Session, error) {
	key, err := base64.StdEncoding.DecodeString(seed.SessionKey)
	if err != nil {
		return nil, protocol.ErrBadResponse
	}
	clientNonce, _ := base64.StdEncoding.DecodeString(seed.ClientNonce)
	serverNonce, _ := base64.StdEncoding.DecodeString(seed.ServerNonce)

	s := &Session{
		ID:               seed.SessionID,
		Key:              key,
		VehiclePublicKey: vehiclePublicKey,
		VehicleID:        seed.VehicleID,
		ClientNonce:      clientNonce,
		ServerNonce:      serverNonce,
		CreatedAt:        time.Now(),
		ExpiresAt:        seed.ExpiresAt.Time(),
		Valid:            true,
	}
	if !s.Live(time.Now()) {
		return nil, protocol.ErrSessionExpired
	}
	e.cache.Put(Aliases(aliasKey, seed.VehicleID), s)
	log.Info("session: seeded session %s for %s from server (expires %s)",
		s.ID, s.VehicleID, s.ExpiresAt.Format(time.RFC3339))
	return s, nil
}

// CreateSecureCommand builds the encrypted, signed envelope for one command: the plaintext
// payload is sealed under the session key, and the envelope (sans signature) is signed with the
// user's private key.
func (e *Engine) CreateSecureCommand(ctx context.Context, command protocol.Command, vehicleID string, s *Session) (*protocol.SecureCommandPacket, error) {
	if !s.Matches(vehicleID, time.Now()) {
		return nil, protocol.ErrSessionExpired
	}
	cert, err := e.certs.EnsureUserCertificate(ctx, vehicleID, fullPermissions)
	if err != nil {
		return nil, err
	}
	private, found, err := e.keys.KeyPair()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, protocol.ErrKeyUnavailable
	}

	payloadNonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	payload := protocol.CommandPayload{
		Command:   command,
		Timestamp: protocol.Now(),
		VehicleID: vehicleID,
		KeyID:     cert.KeyID,
		Nonce:     base64.StdEncoding.EncodeToString(payloadNonce),
	}
	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}
	encrypted, err := Encrypt(s.Key, plaintext)
	if err != nil {
		return nil, err
	}
	certJSON, err := json.Marshal(cert)
	if err != nil {
		return nil, err
	}

	envelope := &protocol.SecureCommandPacket{
		Version:          protocol.Version,
		Type:             protocol.TypeSecureCommand,
		Certificate:      certJSON,
		EncryptedPayload: encrypted,
		Nonce:            payload.Nonce,
		SessionID:        s.ID,
		Timestamp:        payload.Timestamp,
	}
	signingBytes, err := envelope.SigningBytes()
	if err != nil {
		return nil, err
	}
	if envelope.Signature, err = private.SignBase64(signingBytes); err != nil {
		return nil, err
	}
	return envelope, nil
}

// VerifyResponse authenticates and decrypts a response envelope. Each check failure surfaces as
// its own typed error so the caller can distinguish "stale session, refresh and retry" from
// "tampered, abort".
func (e *Engine) VerifyResponse(envelope *protocol.SecureResponsePacket, s *Session, vehiclePublicKey []byte) (*protocol.ResponsePacket, error) {
	signingBytes, err := envelope.SigningBytes()
	if err != nil {
		return nil, protocol.ErrBadResponse
	}
	if !keys.Verify(signingBytes, []byte(envelope.Signature), vehiclePublicKey) {
		return nil, protocol.ErrInvalidSignature
	}
	if envelope.SessionID != s.ID {
		return nil, protocol.ErrSessionMismatch
	}
	if age := envelope.Timestamp.Age(); age > MaxResponseSkew || age < -MaxResponseSkew {
		return nil, protocol.ErrStaleTimestamp
	}
	if envelope.EncryptedPayload == "" {
		// Authenticated failure responses carry no payload.
		return &protocol.ResponsePacket{
			Success:   envelope.Success,
			Timestamp: envelope.Timestamp,
			Error:     envelope.Error,
		}, nil
	}
	plaintext, err := Decrypt(s.Key, envelope.EncryptedPayload)
	if err != nil {
		return nil, protocol.ErrDecryptionFailed
	}
	var response protocol.ResponsePacket
	if err := json.Unmarshal(plaintext, &response); err != nil {
		return nil, protocol.ErrBadResponse
	}
	return &response, nil
}

// VehiclePublicKeyHex decodes a hex-encoded vehicle public key from a handshake packet.
func VehiclePublicKeyHex(encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return nil, protocol.ErrInvalidPublicKey
	}
	return raw, nil
}
