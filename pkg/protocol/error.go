package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if a client times out while waiting for a response, then the client
	// cannot tell if the command was received. (Not all timeouts mean the command MayHaveSucceeded,
	// so the common Timeout() error interface is not appropriate here).
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition. For
	// example, the vehicle controller can reject writes while it is still draining its receive
	// buffer from the previous chunk.
	Temporary() bool
}

var (
	// ErrNotConnected indicates the vehicle could not be reached.
	ErrNotConnected = NewError("vehicle not connected", false, false)
	// ErrNoSession indicates the client has not established a session with the vehicle.
	ErrNoSession = NewError("cannot send secure command before establishing a vehicle session", false, false)
	// ErrKeyUnavailable indicates no local key material could be loaded. Storage read failures are
	// folded into this error rather than surfaced separately.
	ErrKeyUnavailable = NewError("no private key available", false, false)
	// ErrVehicleContextUnavailable indicates the client attempted to send a command without first
	// resolving which vehicle the current connection belongs to.
	ErrVehicleContextUnavailable = NewError("no vehicle context for current connection", false, false)

	// ErrInvalidSignature indicates an envelope signature did not verify. Not retried; it implies
	// tampering or a fundamentally wrong key.
	ErrInvalidSignature = NewError("envelope signature verification failed", false, false)
	// ErrDecryptionFailed indicates an authenticated decryption failure. Not retried.
	ErrDecryptionFailed = NewError("payload decryption failed", false, false)
	// ErrSessionMismatch indicates a response referenced a different session than the one the
	// request was built with. The session should be refreshed and the command retried once.
	ErrSessionMismatch = NewError("response session id does not match request session", false, true)
	// ErrStaleTimestamp indicates a response timestamp outside the permitted freshness window.
	ErrStaleTimestamp = NewError("response timestamp outside freshness window", false, true)
	// ErrSessionExpired indicates the cached session's expiry has passed.
	ErrSessionExpired = NewError("session expired", false, true)

	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrBadResponse       = errors.New("invalid response")
)

// ErrCertificateOffline indicates a required certificate was missing or expired and the backend
// could not be reached to replace it. Distinct from a generic network error so the UI can explain
// the situation.
var ErrCertificateOffline = NewError("certificate unavailable and backend unreachable", false, true)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// MayHaveSucceeded returns true if err indicates the command may have been executed even though
// the client did not receive a confirmation from the vehicle.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err indicates the command failed due to possibly transient conditions
// that do not require user action to resolve.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retry the command that triggered an error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(Error); ok {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}

// NeedsSessionRefresh returns true if err indicates the cached session is stale and the command
// may succeed after exactly one refresh-and-retry cycle.
func NeedsSessionRefresh(err error) bool {
	return errors.Is(err, ErrSessionMismatch) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrNoSession)
}

// PinError reports a rejected pairing PIN. AttemptsRemaining is -1 when the backend did not
// include a count.
type PinError struct {
	AttemptsRemaining int
}

func (e *PinError) Error() string {
	if e.AttemptsRemaining >= 0 {
		return fmt.Sprintf("pairing PIN rejected (%d attempts remaining)", e.AttemptsRemaining)
	}
	return "pairing PIN rejected"
}

func (e *PinError) MayHaveSucceeded() bool { return false }
func (e *PinError) Temporary() bool        { return false }
