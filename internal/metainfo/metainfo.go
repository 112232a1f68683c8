// Package metainfo supports reading torrent metainfo files and deriving
// the Info dictionary used by the rest of the swarm core.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// MetaInfo is the top-level metainfo file dictionary.
type MetaInfo struct {
	// TODO implement UnmarshalBencode([]byte) error for Info and remove RawInfo.
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info" json:"-"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Encoding     string             `bencode:"encoding"`
}

// New decodes a torrent metainfo file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var t MetaInfo
	err := bencode.NewDecoder(r).Decode(&t)
	if err != nil {
		return nil, err
	}
	if len(t.RawInfo) == 0 {
		return nil, errors.New("no info dict in torrent file")
	}
	t.Info, err = NewInfo(t.RawInfo)
	return &t, err
}

// GetTrackers flattens Announce/AnnounceList into a single ordered,
// deduplicated list of tracker URLs.
func (m *MetaInfo) GetTrackers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// File describes one file within a multi-file torrent.
type File struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// rawInfo is the bencode shape of the info dictionary, decoded once so
// Info can derive its Files/Length/Hash fields.
type rawInfo struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int64  `bencode:"length"`
	Files       []File `bencode:"files"`
	Private     int64  `bencode:"private"`
}

// Info is the parsed, immutable info dictionary.
type Info struct {
	Name        string
	PieceLength int64
	NumPieces   uint32
	Pieces      []byte // 20*NumPieces bytes
	Files       []File
	// Directory is true for a multi-file torrent, in which case each
	// File.Path is relative to a top-level directory named Name; for a
	// single-file torrent Files holds one entry whose Path is [Name]
	// with no such directory.
	Directory bool
	Length    int64 // total content length across all files
	Private   int64
	Hash        [20]byte // SHA-1 of the exact bencoded info dict bytes
	InfoSize    uint32   // len(Bytes), used for magnet metadata exchange
	Bytes       []byte   // the raw bencoded info dict, used verbatim as infohash input
}

// NewInfo parses the raw bencoded info dictionary b and derives Info,
// including its infohash. The infohash is computed directly from b — never
// from a re-encoding — so it is stable regardless of key order or
// formatting quirks a peer's encoder may have used.
func NewInfo(b []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.DecodeBytes(b, &ri); err != nil {
		return nil, err
	}
	if len(ri.Pieces)%20 != 0 {
		return nil, errors.New("metainfo: invalid pieces length")
	}
	numPieces := uint32(len(ri.Pieces) / 20)

	var total int64
	var files []File
	directory := len(ri.Files) > 0
	if directory {
		files = ri.Files
		for _, f := range files {
			total += f.Length
		}
	} else {
		total = ri.Length
		files = []File{{Path: []string{ri.Name}, Length: ri.Length}}
	}

	info := &Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		NumPieces:   numPieces,
		Pieces:      []byte(ri.Pieces),
		Files:       files,
		Directory:   directory,
		Length:      total,
		Private:     ri.Private,
		Hash:        sha1.Sum(b),
		InfoSize:    uint32(len(b)),
		Bytes:       append([]byte(nil), b...),
	}
	return info, nil
}

// PieceHash returns the expected 20-byte SHA-1 digest for piece i.
func (i *Info) PieceHash(index uint32) []byte {
	return i.Pieces[index*20 : index*20+20]
}

// PieceLen returns the length of piece index, accounting for the final,
// possibly-short piece.
func (i *Info) PieceLen(index uint32) uint32 {
	if index == i.NumPieces-1 {
		rem := i.Length - i.PieceLength*int64(i.NumPieces-1)
		return uint32(rem)
	}
	return uint32(i.PieceLength)
}
