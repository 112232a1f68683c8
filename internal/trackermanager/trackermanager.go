// Package trackermanager parses tracker URLs into concrete tracker.Tracker
// clients and deduplicates them by URL, so that multiple torrents sharing
// a tracker announce URL reuse one client.
package trackermanager

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
	"github.com/coriolis-labs/swarmtorrent/internal/tracker/httptracker"
	"github.com/coriolis-labs/swarmtorrent/internal/tracker/udptracker"
)

// Manager caches parsed trackers by URL so repeated announces to the same
// tracker reuse one client (and, for UDP, one connection-id cache).
type Manager struct {
	mu       sync.Mutex
	trackers map[string]tracker.Tracker
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{trackers: make(map[string]tracker.Tracker)}
}

// Get returns the tracker.Tracker for rawURL, constructing and caching one
// if this is the first request for that URL.
func (m *Manager) Get(rawURL string, timeout time.Duration, userAgent string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.trackers[rawURL]; ok {
		return t, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("trackermanager: invalid url %q: %w", rawURL, err)
	}

	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t = httptracker.New(rawURL, timeout, userAgent)
	case "udp":
		t = udptracker.New(u.Host, timeout)
	default:
		return nil, fmt.Errorf("trackermanager: unsupported scheme %q", u.Scheme)
	}
	m.trackers[rawURL] = t
	return t, nil
}
