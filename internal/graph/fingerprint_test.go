package graph

import "testing"

func TestFingerprintDeterministicRegardlessOfKeyOrder(t *testing.T) {
	d1 := OperationDescriptor{Kind: "insert_page", Args: map[string]any{"name": "alpha", "properties": map[string]any{"b": 1, "a": 2}}}
	d2 := OperationDescriptor{Kind: "insert_page", Args: map[string]any{"properties": map[string]any{"a": 2, "b": 1}, "name": "alpha"}}

	if d1.Fingerprint() != d2.Fingerprint() {
		t.Fatal("fingerprints should be identical regardless of map key iteration order")
	}
}

func TestFingerprintDiffersOnContent(t *testing.T) {
	d1 := OperationDescriptor{Kind: "insert_page", Args: map[string]any{"name": "alpha"}}
	d2 := OperationDescriptor{Kind: "insert_page", Args: map[string]any{"name": "beta"}}
	if d1.Fingerprint() == d2.Fingerprint() {
		t.Fatal("fingerprints should differ for different content")
	}
}

func TestFingerprintExcludesVolatileFieldsByConvention(t *testing.T) {
	// Callers are expected to omit timestamps/correlation/txn ids from
	// Args; verify the same logical op produces the same fingerprint
	// when those fields are simply absent on both sides.
	d1 := OperationDescriptor{Kind: "update_block", Args: map[string]any{"block_id": "B1", "content": "hi"}}
	d2 := OperationDescriptor{Kind: "update_block", Args: map[string]any{"block_id": "B1", "content": "hi"}}
	if d1.Fingerprint() != d2.Fingerprint() {
		t.Fatal("identical normalized args must fingerprint identically")
	}
}
