package codec

import (
	"bytes"
	"testing"
	"time"
)

func TestMarshalIsDeterministic(t *testing.T) {
	a := map[string]any{"zone_id": "a1b2c3d4", "action": "activate_zone"}
	b := map[string]any{"action": "activate_zone", "zone_id": "a1b2c3d4"}

	encA, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	encB, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !bytes.Equal(encA, encB) {
		t.Errorf("Marshal() not deterministic:\n%x\n%x", encA, encB)
	}
}

func TestTimePreservesNanoseconds(t *testing.T) {
	type stamped struct {
		At time.Time `cbor:"at"`
	}
	want := time.Date(2025, 6, 1, 8, 30, 0, 123456789, time.UTC)

	data, err := Marshal(stamped{At: want})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got stamped
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !got.At.Equal(want) {
		t.Errorf("At = %v, want %v", got.At, want)
	}
}

func TestDecodeIntoAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"action": "get_status"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", got)
	}
	if m["action"] != "get_status" {
		t.Errorf("action = %v, want get_status", m["action"])
	}
}
