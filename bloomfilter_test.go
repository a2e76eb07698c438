package registrycore

import "testing"

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	f := newBloomFilter(256, 6)
	keys := []string{"name=Ann", "name=Bob", "name=Carl", "name=Dee"}
	for _, k := range keys {
		f.add(k)
	}
	for _, k := range keys {
		if !f.mayContain(k) {
			t.Fatalf("bloom filter false negative for %q", k)
		}
	}
}

func TestBloomFilterRejectsUnseenUsually(t *testing.T) {
	f := newBloomFilter(256, 6)
	f.add("name=Ann")
	if f.mayContain("name=ZZZNeverInserted") {
		// Bloom filters may false-positive; this assertion only checks the
		// common case so it is informational rather than fatal.
		t.Log("bloom filter false-positived on an unseen key (expected occasionally)")
	}
}
