// Package bencode implements the bencode wire format (BEP 3) used for
// metainfo files and tracker replies.
//
// Metainfo decoding is delegated to github.com/zeebo/bencode (see
// internal/metainfo). This package is a self-contained byte-level codec:
// Decode is the lenient decoder used for tracker replies, and
// DecodeStrict rejects non-canonical input (unsorted dictionary keys,
// leading zeros, negative zero) so an infohash computed from re-encoded
// bytes is stable. In practice the torrent's info-dictionary hash is
// computed from the raw bytes captured during a lenient decode (see
// metainfo.Info's Bytes field); DecodeStrict exists for the cases
// that call for validating untrusted input before trusting it as
// canonical (e.g. a resume database holding user-editable bencoded
// blobs).
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// Kind tags the dynamic type of a decoded Value.
type Kind int

// Value kinds.
const (
	KindInt Kind = iota
	KindBytes
	KindList
	KindDict
)

// Value is a decoded bencode value: exactly one of Int, Bytes, List, Dict is
// meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []Value
	Dict  map[string]Value
	// Keys preserves dictionary key order as they appeared on the wire.
	// Encode does not use it: dictionaries are always encoded with
	// sorted keys.
	Keys []string
}

// DecodeStrict decodes a single bencoded value from b in strict mode: keys
// of any dictionary must be in lexicographic order with no duplicates,
// integers must not have a leading zero (other than the literal "0") and
// must not encode negative zero ("-0" is rejected).
func DecodeStrict(b []byte) (Value, []byte, error) {
	return decodeValue(b, true)
}

// Decode decodes a single bencoded value from b leniently (tracker
// replies): out-of-order dictionary keys are accepted.
func Decode(b []byte) (Value, []byte, error) {
	return decodeValue(b, false)
}

func decodeValue(b []byte, strict bool) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, errors.New("bencode: unexpected end of input")
	}
	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b, strict)
	case b[0] == 'd':
		return decodeDict(b, strict)
	case b[0] >= '0' && b[0] <= '9':
		return decodeBytes(b)
	default:
		return Value{}, nil, fmt.Errorf("bencode: invalid leading byte %q", b[0])
	}
}

func decodeInt(b []byte) (Value, []byte, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 || b[0] != 'i' {
		return Value{}, nil, errors.New("bencode: unterminated integer")
	}
	digits := b[1:end]
	if err := validateInt(digits); err != nil {
		return Value{}, nil, err
	}
	var n int64
	_, err := fmt.Sscanf(string(digits), "%d", &n)
	if err != nil {
		return Value{}, nil, fmt.Errorf("bencode: invalid integer %q: %w", digits, err)
	}
	return Value{Kind: KindInt, Int: n}, b[end+1:], nil
}

func validateInt(digits []byte) error {
	if len(digits) == 0 {
		return errors.New("bencode: empty integer")
	}
	neg := digits[0] == '-'
	rest := digits
	if neg {
		rest = digits[1:]
	}
	if len(rest) == 0 {
		return errors.New("bencode: malformed integer")
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return fmt.Errorf("bencode: non-digit %q in integer", c)
		}
	}
	if len(rest) > 1 && rest[0] == '0' {
		return errors.New("bencode: leading zero in integer")
	}
	if neg && rest[0] == '0' {
		return errors.New("bencode: negative zero is not allowed")
	}
	return nil
}

func decodeBytes(b []byte) (Value, []byte, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return Value{}, nil, errors.New("bencode: malformed byte string length")
	}
	lenDigits := b[:colon]
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return Value{}, nil, errors.New("bencode: invalid byte string length")
		}
	}
	if len(lenDigits) > 1 && lenDigits[0] == '0' {
		return Value{}, nil, errors.New("bencode: leading zero in byte string length")
	}
	var n int
	_, err := fmt.Sscanf(string(lenDigits), "%d", &n)
	if err != nil {
		return Value{}, nil, err
	}
	rest := b[colon+1:]
	if n < 0 || n > len(rest) {
		return Value{}, nil, errors.New("bencode: byte string longer than input")
	}
	return Value{Kind: KindBytes, Bytes: rest[:n]}, rest[n:], nil
}

func decodeList(b []byte, strict bool) (Value, []byte, error) {
	rest := b[1:]
	var list []Value
	for {
		if len(rest) == 0 {
			return Value{}, nil, errors.New("bencode: unterminated list")
		}
		if rest[0] == 'e' {
			return Value{Kind: KindList, List: list}, rest[1:], nil
		}
		v, r, err := decodeValue(rest, strict)
		if err != nil {
			return Value{}, nil, err
		}
		list = append(list, v)
		rest = r
	}
}

func decodeDict(b []byte, strict bool) (Value, []byte, error) {
	rest := b[1:]
	dict := make(map[string]Value)
	var keys []string
	var prevKey string
	for {
		if len(rest) == 0 {
			return Value{}, nil, errors.New("bencode: unterminated dict")
		}
		if rest[0] == 'e' {
			if strict {
				sorted := append([]string(nil), keys...)
				sort.Strings(sorted)
				for i := range sorted {
					if sorted[i] != keys[i] {
						return Value{}, nil, errors.New("bencode: dictionary keys are not sorted")
					}
				}
			}
			return Value{Kind: KindDict, Dict: dict, Keys: keys}, rest[1:], nil
		}
		kv, r, err := decodeBytes(rest)
		if err != nil {
			return Value{}, nil, fmt.Errorf("bencode: dict key: %w", err)
		}
		key := string(kv.Bytes)
		if strict && len(keys) > 0 && key <= prevKey {
			return Value{}, nil, errors.New("bencode: dictionary keys are not sorted")
		}
		v, r2, err := decodeValue(r, strict)
		if err != nil {
			return Value{}, nil, err
		}
		dict[key] = v
		keys = append(keys, key)
		prevKey = key
		rest = r2
	}
}

// Encode writes the canonical bencoded form of v. Dictionaries are always
// emitted with lexicographically sorted keys regardless of Keys, so
// Encode is the canonicalizing inverse of DecodeStrict, stabilizing a
// hash computed across a decode/re-encode round trip.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindBytes:
		fmt.Fprintf(buf, "%d:", len(v.Bytes))
		buf.Write(v.Bytes)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:", len(k))
			buf.WriteString(k)
			encode(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}
