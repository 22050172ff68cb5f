package identity

import (
	"strings"
	"testing"
)

func TestNewProducesDistinctKeypairs(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.PublicKey() == b.PublicKey() {
		t.Fatal("two identities produced the same public key")
	}
	if a.Address() == b.Address() {
		t.Fatal("two identities produced the same address")
	}
}

func TestAddressFormat(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr := id.Address()
	if !strings.HasPrefix(addr, "taior://") {
		t.Fatalf("address missing taior:// prefix: %s", addr)
	}
	hexPart := strings.TrimPrefix(addr, "taior://")
	if len(hexPart) != AddressHexLen {
		t.Fatalf("expected %d hex chars, got %d (%s)", AddressHexLen, len(hexPart), hexPart)
	}
}

func TestAddressDeterministicFromPublicKey(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := deriveAddress(func() []byte { pk := id.PublicKey(); return pk[:] }())
	if id.Address() != want {
		t.Fatalf("address not deterministic from pubkey: got %s want %s", id.Address(), want)
	}
}

func TestIDMatchesAddressSuffix(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if "taior://"+id.ID() != id.Address() {
		t.Fatalf("ID() %q is not the address suffix of %q", id.ID(), id.Address())
	}
}

func TestZeroClearsPrivateKey(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id.Zero()
	priv := id.PrivateKey()
	for _, b := range priv {
		if b != 0 {
			t.Fatal("private key not zeroed")
		}
	}
}
