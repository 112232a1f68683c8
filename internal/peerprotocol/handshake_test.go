package peerprotocol

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0xCD}, 20))
	SetExtensionBit(&h.Reserved, ExtensionBitFast)
	SetExtensionBit(&h.Reserved, ExtensionBitExtended)

	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HandshakeLength {
		t.Fatalf("expected %d bytes, got %d", HandshakeLength, buf.Len())
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.InfoHash != h.InfoHash || got.PeerID != h.PeerID {
		t.Fatal("round-tripped handshake does not match")
	}
	if !TestExtensionBit(got.Reserved, ExtensionBitFast) {
		t.Fatal("expected fast extension bit set")
	}
	if !TestExtensionBit(got.Reserved, ExtensionBitExtended) {
		t.Fatal("expected extension protocol bit set")
	}
	if TestExtensionBit(got.Reserved, ExtensionBitDHT) {
		t.Fatal("DHT bit should not be set")
	}
	if got.Reserved[7]&0x04 == 0 {
		t.Fatal("expected BEP 6 fast extension bit at reserved[7]&0x04")
	}
	if got.Reserved[5]&0x10 == 0 {
		t.Fatal("expected BEP 10 extension protocol bit at reserved[5]&0x10")
	}
}

func TestReadHandshakeInvalidProtocol(t *testing.T) {
	buf := make([]byte, HandshakeLength)
	buf[0] = 19
	copy(buf[1:], []byte("NotBitTorrentProto!!"))
	_, err := ReadHandshake(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for invalid protocol string")
	}
}
