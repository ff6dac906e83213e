package safety

import (
	"errors"
	"testing"
)

func TestEmergencyStopTripAndReset(t *testing.T) {
	stop := NewEmergencyStop("0000")

	if stop.Tripped() {
		t.Fatal("new stop should be armed")
	}

	if err := stop.Trip("runaway session", "user:1"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}
	if !stop.Tripped() {
		t.Fatal("stop should be tripped")
	}

	st := stop.Status()
	if st.Reason != "runaway session" || st.Actor != "user:1" {
		t.Errorf("status = %+v", st)
	}

	// Broadcast channel must be closed while tripped.
	select {
	case <-stop.Done():
	default:
		t.Error("Done channel should be closed after trip")
	}

	if err := stop.Reset("0000"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if stop.Tripped() {
		t.Error("stop should be armed after reset")
	}
	select {
	case <-stop.Done():
		t.Error("Done channel should be open after reset")
	default:
	}
}

func TestEmergencyStopDoubleTripPreservesReason(t *testing.T) {
	stop := NewEmergencyStop("0000")
	if err := stop.Trip("first", "a"); err != nil {
		t.Fatal(err)
	}
	if err := stop.Trip("second", "b"); !errors.Is(err, ErrAlreadyTripped) {
		t.Fatalf("expected ErrAlreadyTripped, got %v", err)
	}
	if st := stop.Status(); st.Reason != "first" {
		t.Errorf("original trip reason overwritten: %q", st.Reason)
	}
}

func TestEmergencyStopResetValidation(t *testing.T) {
	stop := NewEmergencyStop("0000")

	// Wrong code, even while armed.
	if err := stop.Reset("9999"); !errors.Is(err, ErrBadResetCode) {
		t.Errorf("expected ErrBadResetCode, got %v", err)
	}
	// Right code but not tripped.
	if err := stop.Reset("0000"); !errors.Is(err, ErrNotTripped) {
		t.Errorf("expected ErrNotTripped, got %v", err)
	}

	stop.Trip("x", "a")
	if err := stop.Reset("9999"); !errors.Is(err, ErrBadResetCode) {
		t.Errorf("wrong code must not reset, got %v", err)
	}
	if !stop.Tripped() {
		t.Error("stop must stay tripped after a failed reset")
	}
}
