package ledger_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/veritrail/veritrail/internal/ledger"
)

func TestEncodeCanonical_keyOrderIndependent(t *testing.T) {
	a, err := ledger.FromAny(map[string]any{
		"email": "a@example.com",
		"name":  "Asha",
		"tags":  []any{"vip", "gst"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Same content built in a different insertion order.
	b, err := ledger.FromAny(map[string]any{
		"tags":  []any{"vip", "gst"},
		"name":  "Asha",
		"email": "a@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(ledger.EncodeCanonical(a), ledger.EncodeCanonical(b)) {
		t.Error("canonical encoding differs for semantically identical objects")
	}
}

func TestEncodeCanonical_absentVsEmpty(t *testing.T) {
	withEmpty, err := ledger.FromAny(map[string]any{"old": map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	absent, err := ledger.FromAny(map[string]any{})
	if err != nil {
		t.Fatal(err)
	}

	if bytes.Equal(ledger.EncodeCanonical(withEmpty), ledger.EncodeCanonical(absent)) {
		t.Error("present empty object must encode differently from absent key")
	}
}

func TestEncodeCanonical_typeTagsDistinct(t *testing.T) {
	// "1" (string), 1 (number), and true must not collide.
	cases := []any{"1", float64(1), true, nil}
	seen := map[string]int{}
	for i, c := range cases {
		v, err := ledger.FromAny(map[string]any{"x": c})
		if err != nil {
			t.Fatal(err)
		}
		enc := string(ledger.EncodeCanonical(v))
		if prev, dup := seen[enc]; dup {
			t.Errorf("case %d and %d share encoding %q", prev, i, enc)
		}
		seen[enc] = i
	}
}

func TestFromAny_rejectsUnsupported(t *testing.T) {
	if _, err := ledger.FromAny(map[string]any{"fn": func() {}}); err == nil {
		t.Error("expected EncodingError for func value")
	}
	if _, err := ledger.FromAny(math.NaN()); err == nil {
		t.Error("expected EncodingError for NaN")
	}
	if _, err := ledger.FromAny(math.Inf(1)); err == nil {
		t.Error("expected EncodingError for +Inf")
	}
}

func TestFromAny_rejectsCircular(t *testing.T) {
	inner := map[string]any{}
	outer := map[string]any{"inner": inner}
	inner["outer"] = outer // cycle

	if _, err := ledger.FromAny(outer); err == nil {
		t.Error("expected EncodingError for circular structure")
	}
}

func TestValue_jsonRoundTrip(t *testing.T) {
	v, err := ledger.FromAny(map[string]any{
		"n":    42.5,
		"s":    "x",
		"b":    false,
		"null": nil,
		"arr":  []any{"a", float64(1)},
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var back ledger.Value
	if err := back.UnmarshalJSON(raw); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(ledger.EncodeCanonical(v), ledger.EncodeCanonical(back)) {
		t.Error("value changed across JSON round trip")
	}
}
