package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{ErrInvalidSignature, false},
		{ErrDecryptionFailed, false},
		{ErrSessionMismatch, true},
		{ErrStaleTimestamp, true},
		{ErrSessionExpired, true},
		{&CommandError{Err: errors.New("ambiguous"), PossibleSuccess: true, PossibleTemporary: true}, false},
	}
	for _, c := range cases {
		if got := ShouldRetry(c.err); got != c.want {
			t.Errorf("ShouldRetry(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestMayHaveSucceededUnwraps(t *testing.T) {
	inner := &CommandError{Err: errors.New("timeout"), PossibleSuccess: true}
	wrapped := fmt.Errorf("sending frame: %w", inner)
	if !MayHaveSucceeded(wrapped) {
		t.Error("MayHaveSucceeded should see through wrapping")
	}
	if MayHaveSucceeded(errors.New("plain")) {
		t.Error("plain errors cannot have succeeded")
	}
}

func TestNeedsSessionRefresh(t *testing.T) {
	for _, err := range []error{ErrSessionMismatch, ErrStaleTimestamp, ErrSessionExpired, ErrNoSession} {
		if !NeedsSessionRefresh(err) {
			t.Errorf("NeedsSessionRefresh(%v) should be true", err)
		}
		if !NeedsSessionRefresh(fmt.Errorf("wrapped: %w", err)) {
			t.Errorf("NeedsSessionRefresh should unwrap %v", err)
		}
	}
	if NeedsSessionRefresh(ErrInvalidSignature) {
		t.Error("signature failures must not trigger a session refresh")
	}
}

func TestPinErrorMessage(t *testing.T) {
	err := &PinError{AttemptsRemaining: 2}
	if err.Error() != "pairing PIN rejected (2 attempts remaining)" {
		t.Errorf("unexpected message: %s", err)
	}
	unknown := &PinError{AttemptsRemaining: -1}
	if unknown.Error() != "pairing PIN rejected" {
		t.Errorf("unexpected message: %s", unknown)
	}
	if unknown.Temporary() || unknown.MayHaveSucceeded() {
		t.Error("PIN rejection is neither temporary nor ambiguous")
	}
}
