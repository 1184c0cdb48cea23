package mcperr

import "testing"

func TestNotFoundf(t *testing.T) {
	err := NotFoundf("tool %s not registered", "database:query")
	if err.Type != NotFound {
		t.Fatalf("expected NotFound, got %s", err.Type)
	}
	want := "not_found: tool database:query not registered"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestKindConstants(t *testing.T) {
	kinds := []Kind{Validation, NotFound, Upstream, Internal}
	seen := map[Kind]bool{}
	for _, k := range kinds {
		if seen[k] {
			t.Fatalf("duplicate kind %s", k)
		}
		seen[k] = true
	}
}
