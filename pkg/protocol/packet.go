// Package protocol defines the wire envelopes and error taxonomy shared by the handshake, pairing,
// and command layers.
//
// The JSON field order of every envelope below is load-bearing: signatures cover the serialized
// bytes, and the remote peer reproduces the same serialization independently. Do not reorder
// struct fields.
package protocol

import (
	"encoding/json"
	"time"
)

// Version identifies the wire protocol revision. Peers log, but do not reject, mismatched
// versions.
const Version = 1

// Packet type discriminators.
const (
	TypeHandshake      = "handshake"
	TypeCertExchange   = "cert_exchange"
	TypeSessionSeed    = "session_seed"
	TypeSecureCommand  = "pki_command"
	TypeSecureResponse = "pki_response"
)

// Command identifies a logical vehicle operation.
type Command string

const (
	CommandUnlock Command = "UNLOCK"
	CommandLock   Command = "LOCK"
	CommandStart  Command = "START"
	CommandStatus Command = "STATUS"
)

// Timestamp is a wire-format timestamp, serialized as Unix milliseconds. Integer milliseconds
// avoid the date-formatting ambiguity that would otherwise undermine signature interop.
type Timestamp int64

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

func Now() Timestamp {
	return NewTimestamp(time.Now())
}

func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// Age returns how far in the past the timestamp lies. Negative for future timestamps.
func (t Timestamp) Age() time.Duration {
	return time.Since(t.Time())
}

// HandshakePacket initiates an on-link key exchange.
type HandshakePacket struct {
	Version       int       `json:"version"`
	Type          string    `json:"type"`
	UserPublicKey string    `json:"userPublicKey"`
	Timestamp     Timestamp `json:"timestamp"`
	Nonce         string    `json:"nonce"`
}

func NewHandshakePacket(publicKeyHex, nonce string) *HandshakePacket {
	return &HandshakePacket{
		Version:       Version,
		Type:          TypeHandshake,
		UserPublicKey: publicKeyHex,
		Timestamp:     Now(),
		Nonce:         nonce,
	}
}

// CertExchangePacket carries one certificate between peers during a handshake.
type CertExchangePacket struct {
	Version     int             `json:"version"`
	Type        string          `json:"type"`
	Certificate json.RawMessage `json:"certificate"`
	Timestamp   Timestamp       `json:"timestamp"`
}

func NewCertExchangePacket(certificate json.RawMessage) *CertExchangePacket {
	return &CertExchangePacket{
		Version:     Version,
		Type:        TypeCertExchange,
		Certificate: certificate,
		Timestamp:   Now(),
	}
}

// SeededSession is the session material carried by a SessionSeedPacket. Key material is
// base64-encoded on the wire.
type SeededSession struct {
	SessionID   string    `json:"sessionId"`
	SessionKey  string    `json:"sessionKey"`
	ExpiresAt   Timestamp `json:"expiresAt"`
	VehicleID   string    `json:"vehicleId"`
	ClientNonce string    `json:"clientNonce"`
	ServerNonce string    `json:"serverNonce"`
}

// SessionSeedPacket pushes a backend-provisioned session to the peer so both ends share the same
// session without an on-link handshake.
type SessionSeedPacket struct {
	Version   int           `json:"version"`
	Type      string        `json:"type"`
	Session   SeededSession `json:"session"`
	Timestamp Timestamp     `json:"timestamp"`
}

func NewSessionSeedPacket(session SeededSession) *SessionSeedPacket {
	return &SessionSeedPacket{
		Version:   Version,
		Type:      TypeSessionSeed,
		Session:   session,
		Timestamp: Now(),
	}
}

// CommandPayload is the plaintext command body encrypted into a SecureCommandPacket.
type CommandPayload struct {
	Command   Command   `json:"command"`
	Timestamp Timestamp `json:"timestamp"`
	VehicleID string    `json:"vehicleId"`
	KeyID     string    `json:"keyId"`
	Nonce     string    `json:"nonce"`
}

// SecureCommandPacket is an encrypted, signed command envelope.
type SecureCommandPacket struct {
	Version          int             `json:"version"`
	Type             string          `json:"type"`
	Certificate      json.RawMessage `json:"certificate"`
	EncryptedPayload string          `json:"encryptedPayload"`
	Nonce            string          `json:"nonce"`
	SessionID        string          `json:"sessionId"`
	Timestamp        Timestamp       `json:"timestamp"`
	Signature        string          `json:"signature"`
}

// SigningBytes returns the serialization covered by the envelope signature: the envelope with its
// signature field empty.
func (p *SecureCommandPacket) SigningBytes() ([]byte, error) {
	unsigned := *p
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

// SecureResponsePacket is an encrypted, signed response envelope.
type SecureResponsePacket struct {
	Version          int       `json:"version"`
	Type             string    `json:"type"`
	Success          bool      `json:"success"`
	SessionID        string    `json:"sessionId"`
	EncryptedPayload string    `json:"encryptedPayload"`
	Timestamp        Timestamp `json:"timestamp"`
	Signature        string    `json:"signature"`
	Error            string    `json:"error,omitempty"`
}

func (p *SecureResponsePacket) SigningBytes() ([]byte, error) {
	unsigned := *p
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

// ResponsePacket is the decrypted logical result of a command.
type ResponsePacket struct {
	Success   bool                   `json:"success"`
	Command   Command                `json:"command"`
	Timestamp Timestamp              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// PacketType extracts the type discriminator from a serialized packet without decoding the rest.
// Returns "" if raw is not a JSON object or carries no type field.
func PacketType(raw []byte) string {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return ""
	}
	return header.Type
}
