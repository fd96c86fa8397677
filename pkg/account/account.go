// Package account is the client for the remote backend that issues certificates, provisions PKI
// sessions, and finalizes device pairing. Only the contract this engine consumes is implemented
// here; vehicle/user record management stays server-side.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/4ourtune/dks-client-sub000/internal/log"
	"github.com/4ourtune/dks-client-sub000/pkg/keys"
	"github.com/4ourtune/dks-client-sub000/pkg/protocol"
)

// MaxResponseLength caps response bodies read from the backend.
const MaxResponseLength = 100000

// Account holds credentials for the digital-key backend.
type Account struct {
	// UserAgent is sent with every request and can be overridden.
	UserAgent  string
	Host       string
	authHeader string
	client     http.Client
}

// New creates an Account for the backend at host, authenticated with oauthToken.
func New(host, oauthToken, userAgent string) (*Account, error) {
	if host == "" {
		return nil, fmt.Errorf("account: no backend host configured")
	}
	if userAgent == "" {
		userAgent = "dks-client"
	}
	return &Account{
		UserAgent:  userAgent,
		Host:       host,
		authHeader: "Bearer " + strings.TrimSpace(oauthToken),
	}, nil
}

func (a *Account) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	url := fmt.Sprintf("https://%s/%s", a.Host, endpoint)
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("account: error encoding request to %s: %w", endpoint, err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("account: error constructing request to %s: %w", endpoint, err)
	}
	log.Debug("account: %s %s", method, url)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", a.UserAgent)
	request.Header.Set("Authorization", a.authHeader)

	response, err := a.client.Do(request)
	if err != nil {
		return fmt.Errorf("account: error reaching %s: %w", endpoint, err)
	}
	defer response.Body.Close()

	limited := io.LimitedReader{R: response.Body, N: MaxResponseLength}
	responseBody, err := io.ReadAll(&limited)
	if err != nil {
		return err
	}
	if response.StatusCode != http.StatusOK {
		return apiError(endpoint, response.StatusCode, responseBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("account: malformed response from %s: %w", endpoint, err)
	}
	return nil
}

// apiError maps a non-200 response to a typed error. PIN rejections carry a remaining-attempts
// count which must survive into the error value.
func apiError(endpoint string, status int, body []byte) error {
	var payload struct {
		Error             string `json:"error"`
		AttemptsRemaining *int   `json:"attemptsRemaining"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.AttemptsRemaining != nil {
			return &protocol.PinError{AttemptsRemaining: *payload.AttemptsRemaining}
		}
		if payload.Error != "" {
			return fmt.Errorf("account: %s: %s", endpoint, payload.Error)
		}
	}
	return fmt.Errorf("account: %s returned HTTP %d", endpoint, status)
}

// RequestUserCertificate asks the backend to issue a user certificate for the given vehicle and
// permission set, bound to the client's public key.
func (a *Account) RequestUserCertificate(ctx context.Context, vehicleID, publicKeyHex string, permissions keys.Permissions) (*keys.UserCertificate, error) {
	request := map[string]interface{}{
		"vehicleId":   vehicleID,
		"publicKey":   publicKeyHex,
		"permissions": permissions,
	}
	var cert keys.UserCertificate
	if err := a.do(ctx, http.MethodPost, "api/1/certificates/user", request, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// VerifyCertificate asks the backend to validate a certificate it issued.
func (a *Account) VerifyCertificate(ctx context.Context, certificate json.RawMessage) (bool, error) {
	request := map[string]interface{}{"certificate": certificate}
	var result struct {
		IsValid bool   `json:"isValid"`
		Error   string `json:"error"`
	}
	if err := a.do(ctx, http.MethodPost, "api/1/certificates/verify", request, &result); err != nil {
		return false, err
	}
	if !result.IsValid && result.Error != "" {
		log.Info("account: certificate rejected by backend: %s", result.Error)
	}
	return result.IsValid, nil
}

// GetRootCA fetches the root-of-trust certificate.
func (a *Account) GetRootCA(ctx context.Context) (*keys.Certificate, error) {
	var cert keys.Certificate
	if err := a.do(ctx, http.MethodGet, "api/1/certificates/root", nil, &cert); err != nil {
		return nil, err
	}
	return &cert, nil
}

// SessionGrant is a backend-provisioned session, ready to seed into the session engine and push
// to the vehicle.
type SessionGrant struct {
	protocol.SeededSession
	VehiclePublicKey string `json:"vehiclePublicKey"`
	PairingToken     string `json:"pairingToken,omitempty"`
}

// RefreshPKISession asks the backend for a fresh (or resumed) session for vehicleID. The
// pairingToken and sessionID are optional context from earlier exchanges.
func (a *Account) RefreshPKISession(ctx context.Context, vehicleID, pairingToken, sessionID string) (*SessionGrant, error) {
	request := map[string]string{"vehicleId": vehicleID}
	if pairingToken != "" {
		request["pairingToken"] = pairingToken
	}
	if sessionID != "" {
		request["sessionId"] = sessionID
	}
	var grant SessionGrant
	if err := a.do(ctx, http.MethodPost, "api/1/sessions/refresh", request, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// PairingGrant is the result of a successful PIN confirmation.
type PairingGrant struct {
	PairingToken string `json:"pairingToken"`
	VehicleID    string `json:"vehicleId"`
}

// ConfirmPairingPin submits the one-time PIN shown by the vehicle. The backend enforces a bounded
// attempt budget; rejections surface as *protocol.PinError with the remaining count.
func (a *Account) ConfirmPairingPin(ctx context.Context, vehicleID, pin string) (*PairingGrant, error) {
	request := map[string]string{"vehicleId": vehicleID, "pin": pin}
	var grant PairingGrant
	if err := a.do(ctx, http.MethodPost, "api/1/pairing/confirm-pin", request, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// FinalizePairing binds device, vehicle, and user account after on-link pairing completes.
func (a *Account) FinalizePairing(ctx context.Context, vehicleID, deviceID, pairingToken string) error {
	request := map[string]string{
		"vehicleId":    vehicleID,
		"deviceId":     deviceID,
		"pairingToken": pairingToken,
	}
	return a.do(ctx, http.MethodPost, "api/1/pairing/finalize", request, nil)
}

// TokenExpiry extracts the expiry claim from a pairing token without verifying it; verification
// is the backend's job. Returns zero time when the token carries no parseable expiry.
func TokenExpiry(pairingToken string) time.Time {
	parser := jwt.NewParser()
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(pairingToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
