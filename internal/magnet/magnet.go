// Package magnet parses magnet: URIs into their info-hash, display name
// and tracker list, against BEP 9's query-parameter format, using the
// standard library's net/url.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet: URI (BEP 9).
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

var (
	errNotMagnet  = errors.New("magnet: not a magnet link")
	errNoExactTop = errors.New("magnet: missing exact topic (xt)")
	errBadHash    = errors.New("magnet: invalid info-hash length")
)

// New parses link, a "magnet:?xt=urn:btih:..." URI.
func New(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errNotMagnet
	}
	q := u.Query()
	xt := q.Get("xt")
	if xt == "" {
		return nil, errNoExactTop
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, errNoExactTop
	}
	hashPart := xt[len(prefix):]
	ih, err := decodeInfoHash(hashPart)
	if err != nil {
		return nil, err
	}
	m := &Magnet{InfoHash: ih, Name: q.Get("dn")}
	for _, tr := range q["tr"] {
		if tr != "" {
			m.Trackers = append(m.Trackers, tr)
		}
	}
	return m, nil
}

// decodeInfoHash accepts either the 40-char hex form or the 32-char
// base32 form BEP 9 allows for the btih topic.
func decodeInfoHash(s string) ([20]byte, error) {
	var ih [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
		return ih, nil
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return ih, err
		}
		if len(b) != 20 {
			return ih, errBadHash
		}
		copy(ih[:], b)
		return ih, nil
	default:
		return ih, errBadHash
	}
}
