package core

import "testing"

type codecSample struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestJSONRoundTrip(t *testing.T) {
	in := codecSample{ID: "m-1", Count: 7}

	data, err := JSONEncode(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var out codecSample
	if err := JSONDecode(data, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if out != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestJSONEncode_NilValue(t *testing.T) {
	if _, err := JSONEncode(nil); err == nil {
		t.Error("expected error for nil value")
	}
}

func TestJSONDecode_EmptyData(t *testing.T) {
	var out codecSample
	if err := JSONDecode(nil, &out); err == nil {
		t.Error("expected error for empty data")
	}
}
