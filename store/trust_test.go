package store

import "testing"

func TestPutTrustAndIsTrusted(t *testing.T) {
	s := newTestStore(t)

	trusted, err := s.IsTrusted("dev-1")
	if err != nil {
		t.Fatalf("IsTrusted failed: %v", err)
	}
	if trusted {
		t.Fatalf("expected untrusted device before pairing")
	}

	if err := s.PutTrust(TrustRecord{
		DeviceID:                 "dev-1",
		PeerPublicKeyFingerprint: "abc123",
		PairedAt:                 42,
	}); err != nil {
		t.Fatalf("PutTrust failed: %v", err)
	}

	trusted, err = s.IsTrusted("dev-1")
	if err != nil {
		t.Fatalf("IsTrusted failed: %v", err)
	}
	if !trusted {
		t.Fatalf("expected trusted device after pairing")
	}

	if err := s.DeleteTrust("dev-1"); err != nil {
		t.Fatalf("DeleteTrust failed: %v", err)
	}

	trusted, err = s.IsTrusted("dev-1")
	if err != nil {
		t.Fatalf("IsTrusted failed: %v", err)
	}
	if trusted {
		t.Fatalf("expected untrusted device after trust deletion")
	}
}

func TestPutTrustAtMostOnePerDevice(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutTrust(TrustRecord{DeviceID: "dev-1", PeerPublicKeyFingerprint: "fp-a", PairedAt: 1}); err != nil {
		t.Fatalf("first PutTrust failed: %v", err)
	}
	if err := s.PutTrust(TrustRecord{DeviceID: "dev-1", PeerPublicKeyFingerprint: "fp-b", PairedAt: 2}); err != nil {
		t.Fatalf("second PutTrust failed: %v", err)
	}

	records, err := s.ListTrusted()
	if err != nil {
		t.Fatalf("ListTrusted failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one trust record per device, got %d", len(records))
	}
	if records[0].PeerPublicKeyFingerprint != "fp-b" {
		t.Fatalf("expected re-pairing to update fingerprint, got %q", records[0].PeerPublicKeyFingerprint)
	}
}
