package bencode

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"i42e",
		"i-42e",
		"i0e",
		"4:spam",
		"l4:spam4:eggse",
		"d3:cow3:moo4:spam4:eggse",
		"d4:infod6:lengthi100e4:name4:testee",
	}
	for _, c := range cases {
		v, rest, err := DecodeStrict([]byte(c))
		if err != nil {
			t.Fatalf("decode %q: %v", c, err)
		}
		if len(rest) != 0 {
			t.Fatalf("decode %q: leftover bytes %q", c, rest)
		}
		enc := Encode(v)
		if !bytes.Equal(enc, []byte(c)) {
			t.Fatalf("encode(decode(%q)) = %q, want %q", c, enc, c)
		}
	}
}

func TestStrictRejectsLeadingZero(t *testing.T) {
	if _, _, err := DecodeStrict([]byte("i03e")); err == nil {
		t.Fatal("expected error for leading zero")
	}
}

func TestStrictRejectsNegativeZero(t *testing.T) {
	if _, _, err := DecodeStrict([]byte("i-0e")); err == nil {
		t.Fatal("expected error for negative zero")
	}
}

func TestStrictRejectsUnsortedKeys(t *testing.T) {
	if _, _, err := DecodeStrict([]byte("d1:b1:x1:a1:ye")); err == nil {
		t.Fatal("expected error for unsorted keys")
	}
}

func TestLenientAcceptsUnsortedKeys(t *testing.T) {
	if _, _, err := Decode([]byte("d1:b1:x1:a1:ye")); err != nil {
		t.Fatalf("lenient decode should accept unsorted keys: %v", err)
	}
}

func TestDecodeCompactPeers(t *testing.T) {
	// d8:intervali1800e5:peers6:\x01\x02\x03\x04\x1f\x90e
	input := "d8:intervali1800e5:peers6:\x01\x02\x03\x04\x1f\x90e"
	v, _, err := Decode([]byte(input))
	if err != nil {
		t.Fatal(err)
	}
	if v.Dict["interval"].Int != 1800 {
		t.Fatalf("expected interval 1800, got %d", v.Dict["interval"].Int)
	}
	peers := v.Dict["peers"].Bytes
	if len(peers) != 6 {
		t.Fatalf("expected 6 bytes of peers, got %d", len(peers))
	}
}
