package pricing

import "testing"

func TestLookupKnownSprint(t *testing.T) {
	s, known := Lookup("focus-sprint")
	if !known {
		t.Fatalf("focus-sprint must be a known product")
	}
	if s.Amount != 3000 || s.Currency != "NGN" {
		t.Fatalf("focus-sprint price = %d %s, want 3000 NGN", s.Amount, s.Currency)
	}
	if s.DurationDays != 7 {
		t.Fatalf("focus-sprint duration = %d, want 7", s.DurationDays)
	}
}

func TestLookupUnknownFallsBackToDefaultTier(t *testing.T) {
	s, known := Lookup("no-such-sprint")
	if known {
		t.Fatalf("unknown product must not be reported as known")
	}
	if s.Amount != 3000 || s.Currency != "NGN" || s.DurationDays != 7 {
		t.Fatalf("unexpected default tier: %+v", s)
	}
	if s.ID != "no-such-sprint" {
		t.Fatalf("fallback must keep the requested product id, got %q", s.ID)
	}
}

func TestLookupEmptyID(t *testing.T) {
	s, known := Lookup("")
	if known {
		t.Fatalf("empty product id must not be known")
	}
	if s.ID != "default" {
		t.Fatalf("empty id must map to the default tier, got %q", s.ID)
	}
}
