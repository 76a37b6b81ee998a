//go:build integration

package integration

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHarness(t, "node1", "node2", "node3")
	h.Start(t)
	select {
	case <-time.After(time.Second):
	case err := <-h.errs:
		t.Error(err)
	}
	h.Stop(t)
}

func TestRestartSameConfig(t *testing.T) {
	h := NewHarness(t, "a", "b")
	h.Start(t)
	h.Stop(t)

	// the same ports must be rebindable right away
	h.errs = make(chan error, 2)
	h.Start(t)
	h.Stop(t)
}

func TestSimplePing(t *testing.T) {
	h := NewHarness(t, "a", "b")
	h.Start(t)
	defer h.Stop(t)

	h.WaitForRoute(t, 0, "b", time.Second*30)
	got := h.Ping(t, 0, 1, []byte{111}, time.Second*30)
	if got[20] != 111 {
		t.Errorf("payload corrupted in transit: %v", got[20:])
	}
}

func TestFragmentedPing(t *testing.T) {
	h := NewHarness(t, "a", "b")
	h.Start(t)
	defer h.Stop(t)

	h.WaitForRoute(t, 0, "b", time.Second*30)

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}
	got := h.Ping(t, 0, 1, payload, time.Second*30)
	if len(got) != 20+len(payload) {
		t.Fatalf("expected %d bytes, got %d", 20+len(payload), len(got))
	}
	for i, b := range got[20:] {
		if b != byte(i) {
			t.Fatalf("payload corrupted at offset %d", i)
		}
	}
}
