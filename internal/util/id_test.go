package util

import "testing"

func TestNewIDIsCanonical(t *testing.T) {
	id := NewID(PrefixQuery)
	if !IsCanonicalID(PrefixQuery, id) {
		t.Fatalf("IsCanonicalID(%q) = false, want true", id)
	}
	if IsCanonicalID(PrefixMessage, id) {
		t.Fatalf("IsCanonicalID accepted %q under the wrong prefix", id)
	}
}

func TestIsCanonicalIDRejectsLegacyShapes(t *testing.T) {
	for _, id := range []string{
		"42",
		"uuid-query-42",
		"3f2b8c1e-0d4a-4f8e-9a1b-2c3d4e5f6a7b-42",
		"qry_123",
		"",
	} {
		if IsCanonicalID(PrefixQuery, id) {
			t.Fatalf("IsCanonicalID(%q) = true, want false", id)
		}
	}
}
