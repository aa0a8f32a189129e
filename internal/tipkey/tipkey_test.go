package tipkey

import (
	"errors"
	"strings"
	"testing"

	"github.com/punchamoorthee/tipledger/internal/domain"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("alice", "bob", 5, "cast-1", "nonce")
	b := Derive("alice", "bob", 5, "cast-1", "nonce")
	if a != b {
		t.Fatalf("same inputs produced different keys: %s vs %s", a, b)
	}
	if len(a) != KeyLength {
		t.Fatalf("unexpected key length %d", len(a))
	}
}

func TestDeriveBindsContent(t *testing.T) {
	base := Derive("alice", "bob", 5, "cast-1", "nonce")
	if Derive("alice", "bob", 6, "cast-1", "nonce") == base {
		t.Fatal("amount not bound into key")
	}
	if Derive("alice", "carol", 5, "cast-1", "nonce") == base {
		t.Fatal("recipient not bound into key")
	}
	if Derive("alice", "bob", 5, "cast-2", "nonce") == base {
		t.Fatal("reference not bound into key")
	}
	// Field-boundary ambiguity: shifting a separator between fields must
	// change the key.
	if Derive("alice|", "bob", 5, "cast-1", "nonce") == Derive("alice", "|bob", 5, "cast-1", "nonce") {
		t.Fatal("field boundaries are ambiguous")
	}
}

func TestNewUsesFreshNonces(t *testing.T) {
	k1, n1 := New("alice", "bob", 5, "cast-1")
	k2, n2 := New("alice", "bob", 5, "cast-1")
	if k1 == k2 || n1 == n2 {
		t.Fatal("identical content must still produce distinct keys via nonce")
	}
	if Derive("alice", "bob", 5, "cast-1", n1) != k1 {
		t.Fatal("returned nonce does not reproduce the key")
	}
}

func TestValidate(t *testing.T) {
	k, _ := New("alice", "bob", 5, "x")
	if err := Validate(k); err != nil {
		t.Fatalf("derived key rejected: %v", err)
	}
	for _, bad := range []string{
		"",
		"short",
		strings.Repeat("g", KeyLength), // non-hex
		strings.Repeat("a", KeyLength+2),
	} {
		if err := Validate(bad); !errors.Is(err, domain.ErrInvalidKey) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidKey", bad, err)
		}
	}
}
