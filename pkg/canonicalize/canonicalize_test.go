package canonicalize

import (
	"encoding/json"
	"testing"
)

func TestJCSSorting(t *testing.T) {
	input := map[string]any{"c": 3, "a": 1, "b": 2}
	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestJCSRecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}
	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	input := map[string]string{"html": "<script>alert('xss')</script> &"}
	// encoding/json would emit < escapes; RFC 8785 forbids them.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestHashStability(t *testing.T) {
	// Semantically identical values built differently hash the same.
	v1 := map[string]any{"a": 1, "b": 2}
	type s struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := s{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash mismatch for identical inputs: %s != %s", h1, h2)
	}
}

func TestBytesNormalisesWhitespaceAndOrder(t *testing.T) {
	a, err := Bytes([]byte(`{ "b": 2,  "a": 1 }`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Bytes([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestHashRawFallsBackOnNonJSON(t *testing.T) {
	// Non-JSON bodies are still hashable, keyed on the raw bytes.
	h1 := HashRaw([]byte("not json at all"))
	h2 := HashRaw([]byte("not json at all"))
	if h1 == "" || h1 != h2 {
		t.Errorf("non-JSON hashing not stable: %q vs %q", h1, h2)
	}
	if h1 == HashRaw([]byte("different")) {
		t.Error("distinct inputs must not collide trivially")
	}
}

func FuzzBytes(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
		}

		b1, err := Bytes(data)
		if err != nil {
			// Some valid JSON (e.g. numbers outside the JCS domain) is
			// legitimately rejected.
			return
		}
		b2, err := Bytes(data)
		if err != nil {
			t.Fatal("canonicalisation failed on the second call only")
		}
		if string(b1) != string(b2) {
			t.Errorf("non-deterministic output:\n  first:  %s\n  second: %s", b1, b2)
		}

		var check any
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("canonical output is not valid JSON: %s", string(b1))
		}

		// Canonicalising a canonical form is a fixed point.
		b3, err := Bytes(b1)
		if err != nil {
			t.Fatalf("re-canonicalisation failed: %v", err)
		}
		if string(b3) != string(b1) {
			t.Errorf("not idempotent:\n  once:  %s\n  twice: %s", b1, b3)
		}

		if HashRaw(data) != HashBytes(b1) {
			t.Error("HashRaw must hash the canonical form of JSON input")
		}
	})
}
