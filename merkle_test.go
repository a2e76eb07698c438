package registrycore

import (
	"testing"
	"time"
)

func sampleEvents(n int) []*Event {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*Event, n)
	for i := 0; i < n; i++ {
		out[i] = mkEvent(guidFor(i), guidFor(i), EventCreateIndividual, Payload{"name": "n", "i": i}, base.Add(time.Duration(i)*time.Second))
	}
	return out
}

// TestMerkleRootEmpty covers §4.B: root of an empty tree is "".
func TestMerkleRootEmpty(t *testing.T) {
	idx := NewMerkleIndex()
	if err := idx.Rebuild(nil); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := idx.Root(); got != "" {
		t.Fatalf("expected empty root, got %q", got)
	}
}

// TestMerkleVerifyRoundTrip covers testable property 2: for every persisted
// event, verify(event, proof(event)) == true, for both even and odd leaf
// counts (exercising the "promote unchanged" rule).
func TestMerkleVerifyRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8} {
		events := sampleEvents(n)
		idx := NewMerkleIndex()
		if err := idx.Rebuild(events); err != nil {
			t.Fatalf("n=%d rebuild: %v", n, err)
		}
		root := idx.Root()
		for _, e := range events {
			proof, err := idx.Proof(e)
			if err != nil {
				t.Fatalf("n=%d proof(%s): %v", n, e.GUID, err)
			}
			ok, err := Verify(e, proof, root)
			if err != nil {
				t.Fatalf("n=%d verify(%s): %v", n, e.GUID, err)
			}
			if !ok {
				t.Fatalf("n=%d verify(%s) = false, want true", n, e.GUID)
			}
		}
	}
}

// TestMerkleRebuildMatchesFreshIndex covers the second half of property 2:
// root() equals the root obtained from a fresh rebuild over the same
// ordered event set.
func TestMerkleRebuildMatchesFreshIndex(t *testing.T) {
	events := sampleEvents(6)
	a := NewMerkleIndex()
	b := NewMerkleIndex()
	if err := a.Rebuild(events); err != nil {
		t.Fatalf("rebuild a: %v", err)
	}
	if err := b.Rebuild(events); err != nil {
		t.Fatalf("rebuild b: %v", err)
	}
	if a.Root() != b.Root() {
		t.Fatalf("roots diverge: %s != %s", a.Root(), b.Root())
	}
}

// TestMerkleProofMissingEvent covers §4.B: proof for an event not present
// returns an empty sequence, not an error.
func TestMerkleProofMissingEvent(t *testing.T) {
	idx := NewMerkleIndex()
	if err := idx.Rebuild(sampleEvents(3)); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	proof, err := idx.Proof(mkEvent("absent", "absent", EventCreateIndividual, nil, time.Now()))
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("expected empty proof, got %d elements", len(proof))
	}
}

// TestCanonicalJSONSortsKeys grounds the canonical-JSON requirement of
// §4.B: object keys serialize in lexicographic order regardless of
// insertion order.
func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": 2, "c": 3})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(a) != want {
		t.Fatalf("got %s, want %s", a, want)
	}
}
