package codec

import (
	"bytes"
	"testing"
)

type snapshot struct {
	Busy     bool   `cbor:"busy"`
	Position int    `cbor:"position"`
	Note     string `cbor:"note,omitempty"`
}

func TestMarshal_Deterministic(t *testing.T) {
	a, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("encoding differs between runs: %x vs %x", a, b)
		}
	}
}

func TestUnmarshal_Struct(t *testing.T) {
	data, err := Marshal(snapshot{Busy: true, Position: 1200})
	if err != nil {
		t.Fatal(err)
	}
	var got snapshot
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Busy || got.Position != 1200 || got.Note != "" {
		t.Errorf("got %+v", got)
	}
}

func TestUnmarshal_AnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(snapshot{Position: 7})
	if err != nil {
		t.Fatal(err)
	}
	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", got)
	}
	if _, ok := m["position"]; !ok {
		t.Errorf("missing position key in %v", m)
	}
}
