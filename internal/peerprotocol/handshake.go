package peerprotocol

import (
	"errors"
	"io"
)

// HandshakeLength is the fixed length of the wire handshake.
const HandshakeLength = 68

var protocolString = []byte("BitTorrent protocol")

// Extension bit positions within the 8 reserved handshake bytes, counted
// from the least significant bit of the 64-bit reserved field.
const (
	ExtensionBitDHT       = 0  // LSB of the last byte
	ExtensionBitFast      = 2  // BEP 6
	ExtensionBitExtended  = 20 // BEP 10
	ExtensionBitEncrypted = 62 // local convention carrying MSE negotiation state
)

// Handshake is the fixed 68-byte BitTorrent handshake.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// SetExtensionBit sets bit (numbered from the LSB of the 8-byte reserved
// field) in the reserved bytes.
func SetExtensionBit(reserved *[8]byte, bit uint) {
	byteIndex := 7 - bit/8
	reserved[byteIndex] |= 1 << (bit % 8)
}

// TestExtensionBit reports whether bit is set in the reserved bytes.
func TestExtensionBit(reserved [8]byte, bit uint) bool {
	byteIndex := 7 - bit/8
	return reserved[byteIndex]&(1<<(bit%8)) != 0
}

// WriteHandshake writes the 68-byte handshake to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	buf := make([]byte, HandshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, err
	}
	if int(buf[0]) != len(protocolString) {
		return h, errors.New("peerprotocol: invalid protocol string length")
	}
	if string(buf[1:1+len(protocolString)]) != string(protocolString) {
		return h, errors.New("peerprotocol: invalid protocol string")
	}
	off := 1 + len(protocolString)
	copy(h.Reserved[:], buf[off:off+8])
	off += 8
	copy(h.InfoHash[:], buf[off:off+20])
	off += 20
	copy(h.PeerID[:], buf[off:off+20])
	return h, nil
}
