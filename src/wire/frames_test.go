package wire

import "testing"

func TestDataRoundTrip(t *testing.T) {
	e := Data("sess-1", []byte("hello\r\n"))
	raw, err := Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != TypeData || got.SessionID != "sess-1" || got.Data != "hello\r\n" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestUnmarshalMalformedIsError(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); err == nil {
		t.Error("expected an error decoding malformed input")
	}
}

func TestResizedFrame(t *testing.T) {
	e := Resized("s1", 100, 30)
	if e.Type != TypeResized || e.Cols != 100 || e.Rows != 30 {
		t.Errorf("unexpected frame: %+v", e)
	}
}
