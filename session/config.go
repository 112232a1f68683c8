package session

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v1"
)

// Config holds every resource bound, timing constant, and algorithm
// parameter the swarm core needs. Field names mirror the call sites
// scattered across run.go/session.go/torrent.go (`s.config.MaxPeerAccept`,
// `t.config.PieceTimeout`, etc.), loaded from YAML via gopkg.in/yaml.v1.
type Config struct {
	// Database is the path to the BoltDB file session state (resumer
	// specs) is persisted to.
	Database string `yaml:"database"`
	// DataDir is the root directory new torrents' files are stored
	// under, one subdirectory per torrent id.
	DataDir string `yaml:"data_dir"`
	// Port is the default listening port for incoming peer connections.
	Port uint16 `yaml:"port"`

	// MaxPeerAccept is the maximum number of peer connections (incoming
	// handshakers + established peers) a single torrent accepts.
	MaxPeerAccept int `yaml:"max_peer_accept"`
	// MaxPeerDial is the maximum number of outgoing connections a
	// single torrent keeps trying to establish at once.
	MaxPeerDial int `yaml:"max_peer_dial"`
	// MaxHalfOpenConnections bounds simultaneous in-progress outgoing
	// handshakes, independent of MaxPeerDial.
	MaxHalfOpenConnections int `yaml:"max_half_open_connections"`
	// MaxPieceBuffers bounds the number of piece buffers a torrent may
	// keep open simultaneously outside of endgame.
	MaxPieceBuffers int `yaml:"max_piece_buffers"`

	// UnchokedPeers is the number of regular unchoke slots picked every
	// choke round.
	UnchokedPeers int `yaml:"unchoked_peers"`
	// OptimisticUnchokedPeers is the number of optimistic unchoke slots
	// rotated every optimistic round.
	OptimisticUnchokedPeers int `yaml:"optimistic_unchoked_peers"`
	// ChokeRoundInterval is how often regular unchoke slots are
	// recomputed.
	ChokeRoundInterval time.Duration `yaml:"choke_round_interval"`
	// OptimisticChokeRoundInterval is how often the optimistic slot is
	// rotated.
	OptimisticChokeRoundInterval time.Duration `yaml:"optimistic_choke_round_interval"`

	// PeerConnectTimeout bounds a single outgoing TCP dial. Actual
	// per-dial timeout is taken from the connection-timing tracker
	// (internal/connstats); this value is the ceiling passed to the
	// tracker's WithBounds.
	PeerConnectTimeout time.Duration `yaml:"peer_connect_timeout"`
	// PeerHandshakeTimeout bounds the handshake exchange once a TCP
	// connection is open.
	PeerHandshakeTimeout time.Duration `yaml:"peer_handshake_timeout"`
	// PeerReadBufferSize is not read anywhere: peer connections read
	// their socket directly, without a bufio.Reader.
	PeerReadBufferSize int `yaml:"peer_read_buffer_size"`
	// RequestTimeout is not read anywhere: internal/peer applies its own
	// fixed 10 s minimum (minRequestTimeout) to per-block deadlines.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// PieceTimeout is how long a piece buffer may go without activity
	// before its outstanding blocks are revoked back to missing.
	PieceTimeout time.Duration `yaml:"piece_timeout"`
	// StopTimeout bounds the stopped-event announce sent on stop. Stopping
	// does not wait for in-flight piece writes, and peer sockets are
	// closed immediately.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// TrackerHTTPTimeout bounds one HTTP tracker round trip.
	TrackerHTTPTimeout time.Duration `yaml:"tracker_http_timeout"`
	// TrackerHTTPUserAgent is sent as the User-Agent header on tracker
	// announces.
	TrackerHTTPUserAgent string `yaml:"tracker_http_user_agent"`

	// DisableOutgoingEncryption, ForceOutgoingEncryption, and
	// ForceIncomingEncryption control internal/btconn's simplified
	// RC4-keyed-by-infohash encryption (see DESIGN.md).
	DisableOutgoingEncryption bool `yaml:"disable_outgoing_encryption"`
	ForceOutgoingEncryption   bool `yaml:"force_outgoing_encryption"`
	ForceIncomingEncryption   bool `yaml:"force_incoming_encryption"`

	// ExtensionHandshakeClientVersion is advertised as the "v" key in
	// the BEP 10 extension handshake payload.
	ExtensionHandshakeClientVersion string `yaml:"extension_handshake_client_version"`
	// DHTEnabled toggles announcing to and querying the DHT for peers.
	DHTEnabled bool `yaml:"dht_enabled"`
	// DHTAddress/DHTPort bind the embedded DHT node's UDP socket.
	DHTAddress string `yaml:"dht_address"`
	DHTPort    uint16 `yaml:"dht_port"`

	// PortBegin/PortEnd bound the range of listening ports handed out to
	// torrents as they're added.
	PortBegin uint16 `yaml:"port_begin"`
	PortEnd   uint16 `yaml:"port_end"`
	// MaxOpenFiles raises the process file descriptor limit so many
	// torrents can each keep their piece files open concurrently.
	MaxOpenFiles uint64 `yaml:"max_open_files"`

	// BitfieldWriteInterval is how often the local bitfield is
	// persisted via the resumer while a torrent has unflushed changes.
	BitfieldWriteInterval time.Duration `yaml:"bitfield_write_interval"`
	// StatsWriteInterval is how often cumulative byte counters are
	// persisted via the resumer.
	StatsWriteInterval time.Duration `yaml:"stats_write_interval"`

	// BlocklistPath, if non-empty, is a file of one CIDR range or IP
	// per line, reloaded into the session's blocklist every
	// BlocklistUpdateInterval.
	BlocklistPath           string        `yaml:"blocklist_path"`
	BlocklistUpdateInterval time.Duration `yaml:"blocklist_update_interval"`
}

// DefaultConfig holds the resource bounds, adaptive-timeout defaults,
// and choke round periods this package uses out of the box, plus
// conventional values for parameters left otherwise unset.
var DefaultConfig = Config{
	Port: 6881,

	MaxPeerAccept:          80,
	MaxPeerDial:            80,
	MaxHalfOpenConnections: 8,
	MaxPieceBuffers:        16,

	UnchokedPeers:                4,
	OptimisticUnchokedPeers:      1,
	ChokeRoundInterval:           10 * time.Second,
	OptimisticChokeRoundInterval: 30 * time.Second,

	PeerConnectTimeout:   30 * time.Second,
	PeerHandshakeTimeout: 10 * time.Second,
	PeerReadBufferSize:   4096,
	RequestTimeout:       10 * time.Second,
	PieceTimeout:         30 * time.Second,
	StopTimeout:          5 * time.Second,

	TrackerHTTPTimeout:   30 * time.Second,
	TrackerHTTPUserAgent: "swarmtorrent/1.0",

	ExtensionHandshakeClientVersion: "swarmtorrent 1.0",
	DHTEnabled:                      false,
	DHTAddress:                      "",
	DHTPort:                         6881,

	PortBegin:    6881,
	PortEnd:      6889,
	MaxOpenFiles: 1024,

	BitfieldWriteInterval: 30 * time.Second,
	StatsWriteInterval:    30 * time.Second,

	BlocklistUpdateInterval: 24 * time.Hour,
}

// LoadConfig reads a YAML file into a copy of DefaultConfig, leaving
// defaults for any key the file does not set. A missing file is not an
// error; it yields DefaultConfig unchanged.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
