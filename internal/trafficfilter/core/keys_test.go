package core

import "testing"

func TestKeyBuilder_BuildAndReuse(t *testing.T) {
	t.Parallel()

	keys := NewKeyBuilder()

	key1 := keys.Build("rule", "v1", "203.0.113.1")
	if got := string(key1); got != "rule\x1fv1\x1f203.0.113.1" {
		t.Fatalf("unexpected key: %q", got)
	}
	keys.Release(key1)

	key2 := keys.Build("rule", "v1", "203.0.113.1")
	if got := string(key2); got != "rule\x1fv1\x1f203.0.113.1" {
		t.Fatalf("unexpected key: %q", got)
	}
	keys.Release(key2)
}

func TestKeyBuilder_DistinctPartsDistinctKeys(t *testing.T) {
	t.Parallel()

	keys := NewKeyBuilder()
	a := string(keys.Build("rule", "v1", "203.0.113.1"))
	b := string(keys.Build("rule", "v2", "203.0.113.1"))
	c := string(keys.Build("rule", "v1", "203.0.113.2"))
	if a == b || a == c || b == c {
		t.Fatalf("expected distinct keys: %q %q %q", a, b, c)
	}
}

func TestKeyBuilder_NilFallback(t *testing.T) {
	t.Parallel()

	var keys *KeyBuilder
	key := keys.Build("rule", "v1", "203.0.113.1")
	if got := string(key); got != "rule\x1fv1\x1f203.0.113.1" {
		t.Fatalf("unexpected key: %q", got)
	}
	keys.Release(key)
}
