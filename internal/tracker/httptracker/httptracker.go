// Package httptracker implements the HTTP tracker client: query
// construction, bencoded-reply parsing, compact/list peer handling, and
// failure-reason detection. info_hash and peer_id are percent-encoded
// byte-for-byte rather than through url.Values.Encode, which leaves
// unreserved bytes unescaped and encodes space as "+", diverging from
// BEP 3's query-string convention.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/bencode"
	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
)

const (
	minInterval = 30
	maxInterval = 3600
)

// HTTPTracker announces to one HTTP/HTTPS tracker URL.
type HTTPTracker struct {
	url       string
	client    *http.Client
	userAgent string
}

// New creates an HTTPTracker for announceURL with the given request
// timeout and User-Agent header.
func New(announceURL string, timeout time.Duration, userAgent string) *HTTPTracker {
	return &HTTPTracker{
		url:       announceURL,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// URL returns the tracker's announce URL.
func (h *HTTPTracker) URL() string { return h.url }

// percentEncodeBytes encodes every byte of b as %XX, not just the subset
// RFC 3986 leaves unescaped.
func percentEncodeBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		fmt.Fprintf(&sb, "%%%02X", c)
	}
	return sb.String()
}

// Announce performs one HTTP announce round trip.
func (h *HTTPTracker) Announce(ctx context.Context, t tracker.Torrent, event tracker.Event, numWant int) (*tracker.Response, error) {
	sep := "?"
	if strings.Contains(h.url, "?") {
		sep = "&"
	}
	var q strings.Builder
	q.WriteString(h.url)
	q.WriteString(sep)
	q.WriteString("info_hash=")
	q.WriteString(percentEncodeBytes(t.InfoHash[:]))
	q.WriteString("&peer_id=")
	q.WriteString(percentEncodeBytes(t.PeerID[:]))
	q.WriteString("&port=")
	q.WriteString(strconv.Itoa(t.Port))
	q.WriteString("&uploaded=")
	q.WriteString(strconv.FormatInt(t.BytesUploaded, 10))
	q.WriteString("&downloaded=")
	q.WriteString(strconv.FormatInt(t.BytesDownloaded, 10))
	q.WriteString("&left=")
	q.WriteString(strconv.FormatInt(t.BytesLeft, 10))
	q.WriteString("&compact=1")
	if numWant > 0 {
		q.WriteString("&numwant=")
		q.WriteString(strconv.Itoa(numWant))
	}
	if ev := event.String(); ev != "" {
		q.WriteString("&event=")
		q.WriteString(ev)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.String(), nil)
	if err != nil {
		return nil, err
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	return parseResponse(body)
}

func parseResponse(body []byte) (*tracker.Response, error) {
	v, _, err := bencode.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("httptracker: decode reply: %w", err)
	}
	if v.Kind != bencode.KindDict {
		return nil, fmt.Errorf("httptracker: reply is not a dict")
	}
	dict := v.Dict

	if reason, ok := dict["failure reason"]; ok {
		return nil, fmt.Errorf("httptracker: tracker failure: %s", reason.Bytes)
	}

	resp := &tracker.Response{}
	if iv, ok := dict["interval"]; ok {
		resp.Interval = int(iv.Int)
	}
	if mv, ok := dict["min interval"]; ok {
		resp.MinInterval = int(mv.Int)
	}
	if wv, ok := dict["warning message"]; ok {
		resp.Warning = string(wv.Bytes)
	}
	resp.Interval = clampInterval(resp.Interval, resp.MinInterval)

	peersVal, ok := dict["peers"]
	if !ok {
		return resp, nil
	}
	switch peersVal.Kind {
	case bencode.KindBytes:
		resp.Peers = parseCompactPeers(peersVal.Bytes)
	case bencode.KindList:
		for _, pv := range peersVal.List {
			if pv.Kind != bencode.KindDict {
				continue
			}
			ipVal, okIP := pv.Dict["ip"]
			portVal, okPort := pv.Dict["port"]
			if !okIP || !okPort {
				continue
			}
			ip := net.ParseIP(string(ipVal.Bytes))
			if ip == nil {
				continue
			}
			resp.Peers = append(resp.Peers, tracker.Peer{IP: ip, Port: uint16(portVal.Int)})
		}
	}
	return resp, nil
}

func parseCompactPeers(b []byte) []tracker.Peer {
	var peers []tracker.Peer
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, tracker.Peer{IP: ip, Port: port})
	}
	return peers
}

func clampInterval(interval, min int) int {
	if interval == 0 {
		interval = minInterval
	}
	if min > 0 && interval < min {
		interval = min
	}
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	return interval
}
