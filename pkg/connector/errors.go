package connector

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies transport failures. Retry logic consults the kind, never the message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindRejected        // peer or platform refused the write
	KindCancelled       // operation cancelled by the platform or caller
	KindLinkLost        // connection dropped mid-operation
	KindEndpointMissing // characteristic/endpoint not found; implies desynced transport state
	KindNotSupported    // operation not available on this transport
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindCancelled:
		return "cancelled"
	case KindLinkLost:
		return "link lost"
	case KindEndpointMissing:
		return "endpoint missing"
	case KindNotSupported:
		return "not supported"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	Op   string // the operation that failed: "scan", "connect", "write", "subscribe", "read"
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s %s: %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MayHaveSucceeded: a timed-out write may have been delivered.
func (e *Error) MayHaveSucceeded() bool {
	return e.Op == "write" && e.Kind == KindTimeout
}

func (e *Error) Temporary() bool {
	return Recoverable(e)
}

// NewError wraps err as a classified transport error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrNotSupported is returned by transports that cannot provide an optional operation, such as
// notification subscriptions.
var ErrNotSupported = &Error{Kind: KindNotSupported, Op: "subscribe"}

// KindOf extracts the classification from err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindUnknown
}

// Recoverable reports whether a failed operation is worth retrying once: timeouts, cancellations,
// and peer rejections commonly clear on their own. Link-lost and endpoint-missing require a
// reconnect instead.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindCancelled, KindRejected:
		return true
	}
	return false
}

// messageClasses maps error-message substrings to kinds for platforms that only surface strings.
// Structured codes from the driver always win; this is a fallback of last resort.
var messageClasses = []struct {
	substring string
	kind      Kind
}{
	{"operation was cancelled", KindCancelled},
	{"cancelled", KindCancelled},
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
	{"rejected", KindRejected},
	{"not permitted", KindRejected},
	{"write not perm", KindRejected},
	{"disconnected", KindLinkLost},
	{"connection lost", KindLinkLost},
	{"not connected", KindLinkLost},
	{"characteristic not found", KindEndpointMissing},
	{"no such characteristic", KindEndpointMissing},
	{"attribute not found", KindEndpointMissing},
}

// ClassifyMessage derives a Kind from a bare error message. Only used when the underlying driver
// exposes no structured code.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, class := range messageClasses {
		if strings.Contains(lower, class.substring) {
			return class.kind
		}
	}
	return KindUnknown
}

// Classify wraps an arbitrary driver error as a *Error, preferring structured classification and
// falling back to message matching.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}
	return &Error{Kind: ClassifyMessage(err.Error()), Op: op, Err: err}
}
