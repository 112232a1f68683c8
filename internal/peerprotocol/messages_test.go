package peerprotocol

import (
	"bytes"
	"testing"
)

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteKeepAlive(&buf); err != nil {
		t.Fatal(err)
	}
	_, isKeepAlive, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !isKeepAlive {
		t.Fatal("expected keep-alive")
	}
}

func TestHaveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := HaveMessage{Index: 42}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	raw, isKeepAlive, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if isKeepAlive {
		t.Fatal("did not expect keep-alive")
	}
	if raw.ID != Have {
		t.Fatalf("expected Have id, got %d", raw.ID)
	}
	got, err := ParseHave(raw.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got != msg {
		t.Fatalf("expected %+v, got %+v", msg, got)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := RequestMessage{Index: 1, Begin: 16384, Length: 16384}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	raw, _, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseRequest(raw.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got != msg {
		t.Fatalf("expected %+v, got %+v", msg, got)
	}
}

func TestPieceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	block := bytes.Repeat([]byte{0x42}, 100)
	msg := PieceMessage{Index: 3, Begin: 0, Block: block}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	raw, _, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParsePiece(raw.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != msg.Index || got.Begin != msg.Begin || !bytes.Equal(got.Block, msg.Block) {
		t.Fatalf("piece mismatch: %+v", got)
	}
}

func TestMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	block := make([]byte, MaxMessageSize)
	msg := PieceMessage{Index: 0, Begin: 0, Block: block}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	_, _, err := ReadMessage(&buf, MaxMessageSize)
	if err == nil {
		t.Fatal("expected oversized message error")
	}
}

func TestBitfieldLengthValidation(t *testing.T) {
	if _, err := ParseBitfield([]byte{0xFF}, 9); err == nil {
		t.Fatal("expected error: 9 pieces need 2 bytes")
	}
	if _, err := ParseBitfield([]byte{0xFF, 0x00}, 9); err != nil {
		t.Fatal(err)
	}
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	hs := NewExtensionHandshake(1024, "test/1.0", nil)
	payload, err := EncodeExtensionPayload(hs)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeExtensionHandshake(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.MetadataSize != 1024 || got.Version != "test/1.0" {
		t.Fatalf("unexpected handshake: %+v", got)
	}
	if got.M[ExtensionKeyMetadata] != 1 {
		t.Fatalf("expected ut_metadata=1, got %+v", got.M)
	}
}
