package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindRoundTrip(t *testing.T) {
	err := New(KindAlreadyAnswered)
	if !Is(err, KindAlreadyAnswered) {
		t.Error("kind not recoverable from error")
	}
	wrapped := fmt.Errorf("set answer: %w", err)
	if KindOf(wrapped) != KindAlreadyAnswered {
		t.Error("kind lost through wrapping")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("foreign error reported a kind")
	}
}

func TestBackendDetail(t *testing.T) {
	err := Backend("fs_transfer_error")
	if !Is(err, KindBackendError) {
		t.Error("backend error lost its kind")
	}
	if got := err.Error(); got != "backend_error: fs_transfer_error" {
		t.Errorf("Error() = %q", got)
	}
}

func TestResolveRanges(t *testing.T) {
	tests := []struct {
		reason string
		lo, hi int
	}{
		{"sip_register_disabled", 2110, 2115},
		{"verto_login_failed", 2130, 2131},
		{"fs_channel_stop", 2300, 2311},
		{"kms_session_lost", 2400, 2412},
	}
	for _, tt := range tests {
		c := Resolve(tt.reason)
		if c.Code < tt.lo || c.Code > tt.hi {
			t.Errorf("Resolve(%q).Code = %d, want in [%d,%d]", tt.reason, c.Code, tt.lo, tt.hi)
		}
		if c.Text == "" {
			t.Errorf("Resolve(%q) has empty text", tt.reason)
		}
	}
}

func TestResolveUnknownKeepsText(t *testing.T) {
	c := Resolve("verto_bye")
	if c.Code != 0 || c.Text != "verto_bye" {
		t.Errorf("Resolve(unknown) = %+v, want {0 verto_bye}", c)
	}
}
