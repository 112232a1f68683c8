// Package peerprotocol implements the wire codec for the BitTorrent peer
// protocol: the fixed handshake and the length-prefixed message stream
// (HaveMessage, ChokeMessage, ExtensionMessage, NewExtensionHandshake,
// ...), with a byte-level reader/writer loop built on
// binary.BigEndian and io.ReadFull.
package peerprotocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/coriolis-labs/swarmtorrent/internal/bencode"
)

// MessageID identifies the payload type of a non-keep-alive message.
type MessageID byte

// Message type IDs.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	_ // 10: unused in this profile
	_
	_
	_
	_
	_
	_
	_
	_
	_
	Extended MessageID = 20
)

// MaxAllowedBlockSize bounds a Request/Cancel length field (2^17).
const MaxAllowedBlockSize = 1 << 17

// MaxMessageSize bounds the overall length prefix so a malicious or
// corrupt peer cannot force an unbounded allocation.
const MaxMessageSize = 17 + MaxAllowedBlockSize

// Message is anything that can be written to the wire after the 4-byte
// length prefix and 1-byte type ID.
type Message interface {
	ID() MessageID
	Payload() []byte
}

type simpleMessage struct{ id MessageID }

func (m simpleMessage) ID() MessageID  { return m.id }
func (m simpleMessage) Payload() []byte { return nil }

// ChokeMessage tells the peer requests will not be served.
type ChokeMessage struct{ simpleMessage }

// UnchokeMessage tells the peer requests will now be served.
type UnchokeMessage struct{ simpleMessage }

// InterestedMessage declares interest in the peer's pieces.
type InterestedMessage struct{ simpleMessage }

// NotInterestedMessage withdraws interest.
type NotInterestedMessage struct{ simpleMessage }

// NewChokeMessage returns a Choke message.
func NewChokeMessage() ChokeMessage { return ChokeMessage{simpleMessage{Choke}} }

// NewUnchokeMessage returns an Unchoke message.
func NewUnchokeMessage() UnchokeMessage { return UnchokeMessage{simpleMessage{Unchoke}} }

// NewInterestedMessage returns an Interested message.
func NewInterestedMessage() InterestedMessage { return InterestedMessage{simpleMessage{Interested}} }

// NewNotInterestedMessage returns a NotInterested message.
func NewNotInterestedMessage() NotInterestedMessage {
	return NotInterestedMessage{simpleMessage{NotInterested}}
}

// HaveMessage announces a completed piece.
type HaveMessage struct{ Index uint32 }

func (m HaveMessage) ID() MessageID { return Have }
func (m HaveMessage) Payload() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b
}

// BitfieldMessage carries the sender's piece bitfield.
type BitfieldMessage struct{ Data []byte }

func (m BitfieldMessage) ID() MessageID   { return Bitfield }
func (m BitfieldMessage) Payload() []byte { return m.Data }

// RequestMessage asks for a block.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }
func (m RequestMessage) Payload() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

// CancelMessage has the same shape as RequestMessage.
type CancelMessage struct {
	Index, Begin, Length uint32
}

func (m CancelMessage) ID() MessageID { return Cancel }
func (m CancelMessage) Payload() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

// PieceMessage carries a requested block.
type PieceMessage struct {
	Index, Begin uint32
	Block        []byte
}

func (m PieceMessage) ID() MessageID { return Piece }
func (m PieceMessage) Payload() []byte {
	b := make([]byte, 8+len(m.Block))
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	copy(b[8:], m.Block)
	return b
}

// PortMessage carries the sender's DHT port.
type PortMessage struct{ Port uint16 }

func (m PortMessage) ID() MessageID { return Port }
func (m PortMessage) Payload() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b
}

// Extension message sub-IDs (BEP 10).
const (
	ExtensionIDHandshake byte = 0
)

// ExtensionMessage is the BEP 10 generic extension envelope: a sub-id byte
// followed by a bencoded payload.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload_          []byte // pre-encoded bencoded payload
}

func (m ExtensionMessage) ID() MessageID { return Extended }
func (m ExtensionMessage) Payload() []byte {
	b := make([]byte, 1+len(m.Payload_))
	b[0] = m.ExtendedMessageID
	copy(b[1:], m.Payload_)
	return b
}

// ExtensionHandshakeMessage is the payload of the BEP 10 handshake
// extension message.
type ExtensionHandshakeMessage struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize uint32           `bencode:"metadata_size"`
	Version      string           `bencode:"v"`
	YourIP       []byte           `bencode:"yourip,omitempty"`
}

// Extension keys exchanged in the "m" dictionary.
const ExtensionKeyMetadata = "ut_metadata"

// NewExtensionHandshake builds the extension handshake payload this client
// sends to a peer, declaring ut_metadata support and metadataSize if known.
func NewExtensionHandshake(metadataSize uint32, version string, yourIP []byte) ExtensionHandshakeMessage {
	return ExtensionHandshakeMessage{
		M:            map[string]int64{ExtensionKeyMetadata: 1},
		MetadataSize: metadataSize,
		Version:      version,
		YourIP:       yourIP,
	}
}

// Metadata extension ("ut_metadata") message types.
const (
	ExtensionMetadataMessageTypeRequest = 0
	ExtensionMetadataMessageTypeData    = 1
	ExtensionMetadataMessageTypeReject  = 2
)

// ExtensionMetadataMessage is one ut_metadata piece request/response.
type ExtensionMetadataMessage struct {
	Type      int `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int    `bencode:"total_size,omitempty"`
}

// EncodeExtensionPayload bencodes v for use as ExtensionMessage.Payload_.
func EncodeExtensionPayload(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case ExtensionHandshakeMessage:
		dict := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{}}
		m := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{}}
		for k, id := range t.M {
			m.Dict[k] = bencode.Value{Kind: bencode.KindInt, Int: id}
		}
		dict.Dict["m"] = m
		dict.Dict["metadata_size"] = bencode.Value{Kind: bencode.KindInt, Int: int64(t.MetadataSize)}
		dict.Dict["v"] = bencode.Value{Kind: bencode.KindBytes, Bytes: []byte(t.Version)}
		return bencode.Encode(dict), nil
	case ExtensionMetadataMessage:
		dict := bencode.Value{Kind: bencode.KindDict, Dict: map[string]bencode.Value{}}
		dict.Dict["msg_type"] = bencode.Value{Kind: bencode.KindInt, Int: int64(t.Type)}
		dict.Dict["piece"] = bencode.Value{Kind: bencode.KindInt, Int: int64(t.Piece)}
		if t.TotalSize != 0 {
			dict.Dict["total_size"] = bencode.Value{Kind: bencode.KindInt, Int: int64(t.TotalSize)}
		}
		return bencode.Encode(dict), nil
	default:
		return nil, fmt.Errorf("peerprotocol: cannot encode extension payload of type %T", v)
	}
}

// DecodeExtensionHandshake decodes an ExtensionHandshakeMessage payload.
func DecodeExtensionHandshake(b []byte) (ExtensionHandshakeMessage, error) {
	v, _, err := bencode.Decode(b)
	if err != nil {
		return ExtensionHandshakeMessage{}, err
	}
	var h ExtensionHandshakeMessage
	h.M = make(map[string]int64)
	if m, ok := v.Dict["m"]; ok {
		for k, val := range m.Dict {
			h.M[k] = val.Int
		}
	}
	if ms, ok := v.Dict["metadata_size"]; ok {
		h.MetadataSize = uint32(ms.Int)
	}
	if ver, ok := v.Dict["v"]; ok {
		h.Version = string(ver.Bytes)
	}
	if ip, ok := v.Dict["yourip"]; ok {
		h.YourIP = ip.Bytes
	}
	return h, nil
}

// DecodeExtensionMetadataMessage decodes the msg_type/piece/total_size
// prefix of a ut_metadata message. Trailing raw block bytes, if any (for
// Data messages), are returned separately.
func DecodeExtensionMetadataMessage(b []byte) (ExtensionMetadataMessage, []byte, error) {
	v, rest, err := bencode.Decode(b)
	if err != nil {
		return ExtensionMetadataMessage{}, nil, err
	}
	var m ExtensionMetadataMessage
	if t, ok := v.Dict["msg_type"]; ok {
		m.Type = int(t.Int)
	}
	if p, ok := v.Dict["piece"]; ok {
		m.Piece = uint32(p.Int)
	}
	if ts, ok := v.Dict["total_size"]; ok {
		m.TotalSize = int(ts.Int)
	}
	return m, rest, nil
}

// WriteMessage writes the length-prefixed frame for msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	payload := msg.Payload()
	var buf bytes.Buffer
	var header [5]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(1+len(payload)))
	header[4] = byte(msg.ID())
	buf.Write(header[:])
	buf.Write(payload)
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteKeepAlive writes the zero-length keep-alive message.
func WriteKeepAlive(w io.Writer) error {
	var b [4]byte
	_, err := w.Write(b[:])
	return err
}

// RawMessage is a decoded but unparsed wire message: ID plus its payload
// bytes (with Piece's 8-byte index/begin header left in Payload, since
// piece payload is typically streamed separately by callers).
type RawMessage struct {
	ID      MessageID
	Payload []byte
}

// ReadMessage reads one frame from r. A zero-length frame yields
// (RawMessage{}, true, nil) to signal a keep-alive.
func ReadMessage(r io.Reader, maxSize int) (RawMessage, bool, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return RawMessage{}, false, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return RawMessage{}, true, nil
	}
	if maxSize > 0 && int(n) > maxSize {
		return RawMessage{}, false, fmt.Errorf("peerprotocol: message too large: %d bytes", n)
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return RawMessage{}, false, err
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return RawMessage{}, false, err
	}
	return RawMessage{ID: MessageID(idBuf[0]), Payload: payload}, false, nil
}

// ParseHave parses a Have message payload.
func ParseHave(payload []byte) (HaveMessage, error) {
	if len(payload) != 4 {
		return HaveMessage{}, errors.New("peerprotocol: invalid have length")
	}
	return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
}

// ParseRequest parses a Request or Cancel message payload.
func ParseRequest(payload []byte) (RequestMessage, error) {
	if len(payload) != 12 {
		return RequestMessage{}, errors.New("peerprotocol: invalid request length")
	}
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(payload[0:4]),
		Begin:  binary.BigEndian.Uint32(payload[4:8]),
		Length: binary.BigEndian.Uint32(payload[8:12]),
	}, nil
}

// ParsePiece parses a Piece message payload (8-byte header + block).
func ParsePiece(payload []byte) (PieceMessage, error) {
	if len(payload) < 8 {
		return PieceMessage{}, errors.New("peerprotocol: invalid piece length")
	}
	return PieceMessage{
		Index: binary.BigEndian.Uint32(payload[0:4]),
		Begin: binary.BigEndian.Uint32(payload[4:8]),
		Block: payload[8:],
	}, nil
}

// ParsePort parses a Port message payload.
func ParsePort(payload []byte) (PortMessage, error) {
	if len(payload) != 2 {
		return PortMessage{}, errors.New("peerprotocol: invalid port length")
	}
	return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
}

// ParseBitfield validates a Bitfield payload is the expected length for
// numPieces.
func ParseBitfield(payload []byte, numPieces uint32) (BitfieldMessage, error) {
	want := (numPieces + 7) / 8
	if uint32(len(payload)) != want {
		return BitfieldMessage{}, errors.New("peerprotocol: invalid bitfield length")
	}
	return BitfieldMessage{Data: payload}, nil
}
