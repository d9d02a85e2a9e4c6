package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestFramePrefix(t *testing.T) {
	f := Frame{Fragments: [][]byte{{1, 2, 3}, {4, 5}, {6}}, Length: 6}

	if got := f.CapturedLen(); got != 6 {
		t.Errorf("expected CapturedLen=6, got %d", got)
	}

	dst := make([]byte, 4)
	if n := f.Prefix(dst); n != 4 {
		t.Fatalf("expected 4 bytes copied, got %d", n)
	}
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("byte %d: expected %d, got %d", i, want[i], dst[i])
		}
	}

	big := make([]byte, 16)
	if n := f.Prefix(big); n != 6 {
		t.Errorf("expected 6 bytes copied, got %d", n)
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	sentinels := []error{
		ErrOutOfSpace, ErrRecordTooLarge, ErrAlreadyRegistered, ErrNoFreeSlot,
		ErrListenerNotFound, ErrListenerKilled, ErrSilentlyRejected, ErrCorruptRecord,
	}
	for _, s := range sentinels {
		wrapped := fmt.Errorf("listener 7: %w", s)
		if !errors.Is(wrapped, s) {
			t.Errorf("errors.Is failed for %v", s)
		}
	}
	if errors.Is(ErrNoFreeSlot, ErrAlreadyRegistered) {
		t.Error("no-free-slot must be distinct from already-registered")
	}
}
