package idgen

import "testing"

func TestNextIsMonotonicAndDistinct(t *testing.T) {
	g := New()
	var prev string
	for i := 0; i < 1000; i++ {
		id := g.Next().String()
		if id == prev {
			t.Fatalf("duplicate id at iteration %d: %s", i, id)
		}
		if prev != "" && id <= prev {
			t.Fatalf("id not increasing: prev=%s next=%s", prev, id)
		}
		prev = id
	}
}

func TestNextLength(t *testing.T) {
	g := New()
	id := g.Next().String()
	if len(id) != 26 {
		t.Fatalf("expected a 26-character ULID, got %d chars: %s", len(id), id)
	}
}
