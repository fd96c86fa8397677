package keys

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// RefreshThreshold is how much remaining validity a cached certificate may have before the client
// proactively requests a replacement.
const RefreshThreshold = 10 * time.Minute

// Permissions enumerates the operations a user certificate authorizes.
//
// The backend has historically emitted these under several field names (camelCase, snake_case,
// and "start" for "startEngine"). Decoding normalizes all variants here, at the boundary, so the
// rest of the client only ever sees the canonical form.
type Permissions struct {
	Unlock      bool
	Lock        bool
	StartEngine bool
}

type canonicalPermissions struct {
	Unlock      bool `json:"unlock"`
	Lock        bool `json:"lock"`
	StartEngine bool `json:"startEngine"`
}

func (p Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(canonicalPermissions(p))
}

func (p *Permissions) UnmarshalJSON(data []byte) error {
	var raw map[string]bool
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Unlock = raw["unlock"]
	p.Lock = raw["lock"]
	p.StartEngine = raw["startEngine"] || raw["start_engine"] || raw["start"]
	return nil
}

// Allows reports whether the permission set covers a command.
func (p Permissions) Allows(cmd protocol.Command) bool {
	switch cmd {
	case protocol.CommandUnlock:
		return p.Unlock
	case protocol.CommandLock:
		return p.Lock
	case protocol.CommandStart:
		return p.StartEngine
	case protocol.CommandStatus:
		return true
	}
	return false
}

// Certificate is the application-level certificate shared by all three variants (root CA, vehicle,
// user). Field order is pinned: signatures cover the serialized form.
type Certificate struct {
	ID           string             `json:"id"`
	Subject      string             `json:"subject"`
	Issuer       string             `json:"issuer"`
	PublicKey    string             `json:"publicKey"` // hex-encoded curve point or PEM
	Signature    string             `json:"signature"` // base64 ECDSA over SigningBytes
	NotBefore    protocol.Timestamp `json:"notBefore"`
	NotAfter     protocol.Timestamp `json:"notAfter"`
	SerialNumber string             `json:"serialNumber"`
	Version      int                `json:"version"`
}

// UserCertificate authorizes a user's key to command specific vehicles.
type UserCertificate struct {
	Certificate
	VehicleID       string      `json:"vehicleId"`
	Permissions     Permissions `json:"permissions"`
	UserID          string      `json:"userId"`
	KeyID           string      `json:"keyId"`
	AllowedVehicles []string    `json:"allowedVehicles,omitempty"`
}

// VehicleCertificate identifies a vehicle's control unit and its supported capabilities.
type VehicleCertificate struct {
	Certificate
	VehicleID    string   `json:"vehicleId"`
	DeviceID     string   `json:"deviceId"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ValidAt reports whether t falls within the certificate's validity window.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore.Time()) && !t.After(c.NotAfter.Time())
}

// NeedsRefresh reports whether the certificate has expired or its remaining validity at t has
// dropped below RefreshThreshold.
func (c *Certificate) NeedsRefresh(t time.Time) bool {
	return c.NotAfter.Time().Sub(t) < RefreshThreshold
}

// PublicKeyBytes decodes the certificate's public key to uncompressed SEC1 bytes. Accepts the hex
// and PEM encodings backends are known to emit.
func (c *Certificate) PublicKeyBytes() ([]byte, error) {
	decoded, err := hex.DecodeString(c.PublicKey)
	if err != nil {
		decoded = []byte(c.PublicKey)
	}
	pub, err := ParsePublicKey(decoded)
	if err != nil {
		return nil, err
	}
	return append([]byte{0x04}, append(pub.X.FillBytes(make([]byte, 32)), pub.Y.FillBytes(make([]byte, 32))...)...), nil
}

// SigningBytes returns the serialization covered by the issuer's signature: the certificate with
// its signature field empty.
func (c *Certificate) SigningBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

func (c *UserCertificate) SigningBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

func (c *VehicleCertificate) SigningBytes() ([]byte, error) {
	unsigned := *c
	unsigned.Signature = ""
	return json.Marshal(&unsigned)
}

// VerifySignature checks the certificate signature against the issuer's public key. Returns false
// rather than an error on any malformed input.
func verifySignature(signingBytes func() ([]byte, error), signature string, issuerPublicKey []byte) bool {
	data, err := signingBytes()
	if err != nil {
		return false
	}
	return Verify(data, []byte(signature), issuerPublicKey)
}

func (c *Certificate) VerifySignature(issuerPublicKey []byte) bool {
	return verifySignature(c.SigningBytes, c.Signature, issuerPublicKey)
}

func (c *UserCertificate) VerifySignature(issuerPublicKey []byte) bool {
	return verifySignature(c.SigningBytes, c.Signature, issuerPublicKey)
}

func (c *VehicleCertificate) VerifySignature(issuerPublicKey []byte) bool {
	return verifySignature(c.SigningBytes, c.Signature, issuerPublicKey)
}
