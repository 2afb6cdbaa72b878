package dispatch

import "testing"

func TestAdmissionAdmitsUpToMax(t *testing.T) {
	a := NewAdmission(2)
	if !a.TryAdmit() {
		t.Fatalf("expected first admit to succeed")
	}
	if !a.TryAdmit() {
		t.Fatalf("expected second admit to succeed")
	}
	if a.TryAdmit() {
		t.Fatalf("expected third admit to be rejected")
	}
	if a.InFlight() != 2 {
		t.Fatalf("expected in_flight=2, got %d", a.InFlight())
	}
}

func TestAdmissionReleaseFreesSlot(t *testing.T) {
	a := NewAdmission(1)
	if !a.TryAdmit() {
		t.Fatalf("expected admit to succeed")
	}
	if a.TryAdmit() {
		t.Fatalf("expected admit to be rejected while slot held")
	}
	a.Release()
	if a.InFlight() != 0 {
		t.Fatalf("expected in_flight=0 after release, got %d", a.InFlight())
	}
	if !a.TryAdmit() {
		t.Fatalf("expected admit to succeed after release")
	}
}

func TestAdmissionNeverNegativeOrAboveMax(t *testing.T) {
	a := NewAdmission(4)
	admitted := 0
	for i := 0; i < 10; i++ {
		if a.TryAdmit() {
			admitted++
		}
	}
	if admitted != 4 {
		t.Fatalf("expected exactly 4 admits, got %d", admitted)
	}
	if a.InFlight() < 0 || a.InFlight() > a.Max() {
		t.Fatalf("in_flight out of bounds: %d (max %d)", a.InFlight(), a.Max())
	}
}
