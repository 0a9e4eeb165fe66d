package dynjson

import "testing"

func TestParseRoundTrip(t *testing.T) {
	raw := []byte(`{"a":1,"b":"x","c":[1,2,3],"d":null,"e":true}`)
	v, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n, ok := v.Get("a").AsNumber(); !ok || n != 1 {
		t.Fatalf("a = %v, %v", n, ok)
	}
	if s, ok := v.Get("b").AsText(); !ok || s != "x" {
		t.Fatalf("b = %v, %v", s, ok)
	}
	arr, ok := v.Get("c").AsArray()
	if !ok || len(arr) != 3 {
		t.Fatalf("c = %v, %v", arr, ok)
	}
	if !v.Get("d").IsNull() {
		t.Fatalf("d should be null")
	}
	if b, ok := v.Get("e").AsBool(); !ok || !b {
		t.Fatalf("e = %v, %v", b, ok)
	}
}

func TestGetPathMissingReturnsNull(t *testing.T) {
	v := NewObject()
	v.Set("a", NewObject())
	got := v.GetPath("a", "b", "c")
	if !got.IsNull() {
		t.Fatalf("expected null for missing path, got kind %v", got.Kind())
	}
}

func TestTextOrFallback(t *testing.T) {
	v := Null()
	if got := v.TextOr("fallback"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
	v = Text("real")
	if got := v.TextOr("fallback"); got != "real" {
		t.Fatalf("got %q", got)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	obj := NewObject()
	obj.Set("x", Number(42))
	obj.Set("y", Array([]Value{Text("a"), Text("b")}))

	data, err := obj.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	var round Value
	if err := round.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if n, ok := round.Get("x").AsNumber(); !ok || n != 42 {
		t.Fatalf("x = %v %v", n, ok)
	}
}
