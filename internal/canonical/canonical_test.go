package canonical

import (
	"encoding/json"
	"testing"
)

func TestEncodeScalars(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{true, "true"},
		{false, "false"},
		{"hi", `"hi"`},
		{"with \"quotes\"", `"with \"quotes\""`},
		{float64(3), "3"},
		{float64(3.5), "3.5"},
		{42, "42"},
	}
	for _, c := range cases {
		if got := Encode(c.in); got != c.want {
			t.Fatalf("Encode(%v) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestEncodeSortsMapKeys(t *testing.T) {
	m := map[string]any{"b": float64(2), "a": float64(1), "c": []any{"x", "y"}}
	want := `{"a":1,"b":2,"c":["x","y"]}`
	if got := Encode(m); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestEncodeKeyOrderIndependence(t *testing.T) {
	var a, b any
	if err := json.Unmarshal([]byte(`{"x":1,"y":{"n":[1,2],"m":"v"},"z":null}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"z":null,"y":{"m":"v","n":[1,2]},"x":1}`), &b); err != nil {
		t.Fatal(err)
	}
	if Encode(a) != Encode(b) {
		t.Fatalf("reordered keys changed encoding: %s vs %s", Encode(a), Encode(b))
	}
}

func TestEncodePreservesSequenceOrder(t *testing.T) {
	if got := Encode([]any{"b", "a"}); got != `["b","a"]` {
		t.Fatalf("sequence order not preserved: %s", got)
	}
}

func TestEncodeNestedDepth(t *testing.T) {
	v := map[string]any{
		"outer": map[string]any{
			"list": []any{map[string]any{"k2": "b", "k1": "a"}},
		},
	}
	want := `{"outer":{"list":[{"k1":"a","k2":"b"}]}}`
	if got := Encode(v); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
