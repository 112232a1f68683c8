// Package session provides a swarm client capable of downloading and
// seeding multiple torrents in parallel: Session owns shared resources
// (resume database, blocklist, tracker client cache, DHT node, listening
// port pool) and hands each torrent an options value built from them.
package session

import (
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/nictuku/dht"
	uuid "github.com/satori/go.uuid"

	"github.com/coriolis-labs/swarmtorrent/internal/blocklist"
	"github.com/coriolis-labs/swarmtorrent/internal/logger"
	"github.com/coriolis-labs/swarmtorrent/internal/magnet"
	"github.com/coriolis-labs/swarmtorrent/internal/metainfo"
	"github.com/coriolis-labs/swarmtorrent/internal/resumer"
	"github.com/coriolis-labs/swarmtorrent/internal/resumer/boltdbresumer"
	"github.com/coriolis-labs/swarmtorrent/internal/storage/filestorage"
	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
	"github.com/coriolis-labs/swarmtorrent/internal/trackermanager"
)

var torrentsBucket = []byte("torrents")

// Session owns every torrent's shared collaborators: a resume database,
// a tracker client cache, an optional DHT node, and a pool of listening
// ports handed out one per torrent.
type Session struct {
	config         Config
	db             *bolt.DB
	log            logger.Logger
	dht            *dht.DHT
	blocklist      *blocklist.Blocklist
	trackerManager *trackermanager.Manager
	closeC         chan struct{}

	m                  sync.RWMutex
	torrents           map[string]*Torrent
	torrentsByInfoHash map[dht.InfoHash]*Torrent

	mPorts         sync.Mutex
	availablePorts map[uint16]struct{}

	wg sync.WaitGroup
}

// New starts a session using cfg, reopening any torrents persisted in
// the resume database and starting the ones that were running when the
// session last closed.
func New(cfg Config) (*Session, error) {
	if cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("session: invalid port range")
	}
	if err := setNoFile(cfg.MaxOpenFiles); err != nil {
		return nil, err
	}
	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	l := logger.New("session")
	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("session: resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()

	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		b, err2 := tx.CreateBucketIfNotExists(torrentsBucket)
		if err2 != nil {
			return err2
		}
		return b.ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket, not a plain key
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var dhtNode *dht.DHT
	if cfg.DHTEnabled {
		dhtNode, err = startDHT(cfg)
		if err != nil {
			return nil, err
		}
	}

	ports := make(map[uint16]struct{})
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		ports[p] = struct{}{}
	}

	s := &Session{
		config:             cfg,
		db:                 db,
		log:                l,
		dht:                dhtNode,
		blocklist:          blocklist.New(),
		trackerManager:     trackermanager.New(),
		torrents:           make(map[string]*Torrent),
		torrentsByInfoHash: make(map[dht.InfoHash]*Torrent),
		availablePorts:     ports,
		closeC:             make(chan struct{}),
	}

	if cfg.BlocklistPath != "" {
		s.startBlocklistReloader()
	}
	if cfg.DHTEnabled {
		s.wg.Add(1)
		go s.processDHTResults()
	}

	if err = s.loadExistingTorrents(ids); err != nil {
		return nil, err
	}
	return s, nil
}

// startDHT brings up the embedded DHT node used to discover peers
// without a tracker, bootstrapping against the well-known public
// routers.
func startDHT(cfg Config) (*dht.DHT, error) {
	dc := dht.NewConfig()
	dc.Address = cfg.DHTAddress
	dc.Port = int(cfg.DHTPort)
	dc.DHTRouters = "router.bittorrent.com:6881,dht.transmissionbt.com:6881,router.utorrent.com:6881,dht.libtorrent.org:25401"
	dc.SaveRoutingTable = false
	node, err := dht.New(dc)
	if err != nil {
		return nil, err
	}
	if err = node.Start(); err != nil {
		return nil, err
	}
	return node, nil
}

// processDHTResults routes PeersRequest results from the shared DHT
// node to the torrent whose info hash they answer, since one dht.DHT
// instance serves every DHT-enabled torrent in the session.
func (s *Session) processDHTResults() {
	defer s.wg.Done()
	for {
		select {
		case res, ok := <-s.dht.PeersRequestResults:
			if !ok {
				return
			}
			for ih, peers := range res {
				s.m.RLock()
				t, ok2 := s.torrentsByInfoHash[ih]
				s.m.RUnlock()
				if !ok2 || t.torrent.dhtAnnouncer == nil {
					continue
				}
				addrs := parseDHTPeers(peers)
				if len(addrs) == 0 {
					continue
				}
				select {
				case t.torrent.dhtAnnouncer.PeersC() <- addrs:
				case <-t.removed:
				case <-s.closeC:
					return
				}
			}
		case <-s.closeC:
			return
		}
	}
}

func parseDHTPeers(peers []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, p := range peers {
		if len(p) != 6 {
			continue // only IPv4 compact peers are supported
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP([]byte(p[:4])),
			Port: int(uint16(p[4])<<8 | uint16(p[5])),
		})
	}
	return addrs
}

func (s *Session) parseTrackers(urls []string) []tracker.Tracker {
	var out []tracker.Tracker
	for _, u := range urls {
		tr, err := s.trackerManager.Get(u, s.config.TrackerHTTPTimeout, s.config.TrackerHTTPUserAgent)
		if err != nil {
			s.log.Warningln("cannot parse tracker url:", err)
			continue
		}
		out = append(out, tr)
	}
	return out
}

func (s *Session) loadExistingTorrents(ids []string) error {
	var loaded int
	var toStart []*Torrent
	for _, id := range ids {
		res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
		if err != nil {
			s.log.Error(err)
			continue
		}
		started, err := res.Started()
		if err != nil {
			s.log.Error(err)
			continue
		}
		spec, err := res.Read()
		if err != nil {
			s.log.Error(err)
			continue
		}

		opt := &options{
			Name:      spec.Name,
			Port:      spec.Port,
			Trackers:  s.parseTrackers(spec.Trackers),
			Resumer:   res,
			Blocklist: s.blocklist,
			Config:    &s.config,
			Stats: resumer.Stats{
				BytesDownloaded: spec.BytesDownloaded,
				BytesUploaded:   spec.BytesUploaded,
				BytesWasted:     spec.BytesWasted,
				SeededFor:       spec.SeededFor,
			},
		}

		var private bool
		if len(spec.Info) > 0 {
			info, err2 := metainfo.NewInfo(spec.Info)
			if err2 != nil {
				s.log.Error(err2)
				continue
			}
			opt.Info = info
			private = info.Private == 1
		}
		if s.config.DHTEnabled && !private {
			opt.DHTNode = s.dht
		}

		sto, err := filestorage.New(spec.Dest)
		if err != nil {
			s.log.Error(err)
			continue
		}
		tr, err := opt.NewTorrent(spec.InfoHash, sto)
		if err != nil {
			s.log.Error(err)
			continue
		}
		delete(s.availablePorts, uint16(spec.Port))

		t2 := s.track(tr, id, uint16(spec.Port), spec.AddedAt)
		loaded++
		if started {
			toStart = append(toStart, t2)
		}
	}
	s.log.Infof("loaded %d existing torrents", loaded)
	for _, t := range toStart {
		t.Start()
	}
	return nil
}

// Close stops every torrent and releases the session's shared resources.
// It blocks until all torrents have finished closing.
func (s *Session) Close() error {
	close(s.closeC)
	if s.dht != nil {
		s.dht.Stop()
	}

	s.m.Lock()
	var wg sync.WaitGroup
	wg.Add(len(s.torrents))
	for _, t := range s.torrents {
		go func(t *Torrent) {
			defer wg.Done()
			t.torrent.Close()
		}(t)
	}
	s.torrents = nil
	s.torrentsByInfoHash = nil
	s.m.Unlock()
	wg.Wait()

	s.wg.Wait()
	return s.db.Close()
}

// ListTorrents returns every torrent currently tracked by the session.
func (s *Session) ListTorrents() []*Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	return out
}

// GetTorrent returns the torrent with the given id, or nil if none
// matches.
func (s *Session) GetTorrent(id string) *Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.torrents[id]
}

// AddTorrent parses a metainfo file from r, persists its resume record,
// and starts downloading it.
func (s *Session) AddTorrent(r io.Reader) (*Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	opt, sto, id, err := s.newOptions()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.releasePort(uint16(opt.Port))
		}
	}()

	opt.Name = mi.Info.Name
	opt.Trackers = s.parseTrackers(mi.GetTrackers())
	opt.Info = mi.Info
	if s.config.DHTEnabled && mi.Info.Private != 1 {
		opt.DHTNode = s.dht
	}

	tr, err := opt.NewTorrent(mi.Info.Hash[:], sto)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tr.Close()
		}
	}()

	createdAt := time.Now().UTC()
	rspec := &boltdbresumer.Spec{
		InfoHash:  mi.Info.Hash[:],
		Dest:      sto.Dest(),
		Port:      opt.Port,
		Name:      opt.Name,
		Trackers:  mi.GetTrackers(),
		Info:      mi.Info.Bytes,
		CreatedAt: createdAt,
	}
	if err = opt.Resumer.(*boltdbresumer.Resumer).Write(rspec); err != nil {
		return nil, err
	}

	t2 := s.track(tr, id, uint16(opt.Port), createdAt)
	t2.Start()
	return t2, nil
}

// AddURI adds a torrent from an http(s) metainfo URL or a magnet link.
func (s *Session) AddURI(uri string) (*Torrent, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return s.addURL(uri)
	case "magnet":
		return s.addMagnet(uri)
	default:
		return nil, errors.New("session: unsupported uri scheme: " + u.Scheme)
	}
}

func (s *Session) addURL(u string) (*Torrent, error) {
	resp, err := http.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return s.AddTorrent(resp.Body)
}

// addMagnet adds a torrent known only by its magnet link. Info is left
// nil until metadata exchange fills it in; since this build does not
// implement ut_metadata exchange (see DESIGN.md), a magnet-only torrent
// stays in a pre-allocation state until Info is supplied some other way
// (e.g. once the matching .torrent file is later added with AddTorrent).
func (s *Session) addMagnet(link string) (*Torrent, error) {
	ma, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	opt, sto, id, err := s.newOptions()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.releasePort(uint16(opt.Port))
		}
	}()

	opt.Name = ma.Name
	opt.Trackers = s.parseTrackers(ma.Trackers)
	if s.config.DHTEnabled {
		opt.DHTNode = s.dht
	}

	tr, err := opt.NewTorrent(ma.InfoHash[:], sto)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tr.Close()
		}
	}()

	createdAt := time.Now().UTC()
	rspec := &boltdbresumer.Spec{
		InfoHash:  ma.InfoHash[:],
		Dest:      sto.Dest(),
		Port:      opt.Port,
		Name:      opt.Name,
		Trackers:  ma.Trackers,
		CreatedAt: createdAt,
	}
	if err = opt.Resumer.(*boltdbresumer.Resumer).Write(rspec); err != nil {
		return nil, err
	}

	t2 := s.track(tr, id, uint16(opt.Port), createdAt)
	t2.Start()
	return t2, nil
}

func (s *Session) newOptions() (*options, *filestorage.FileStorage, string, error) {
	port, err := s.getPort()
	if err != nil {
		return nil, nil, "", err
	}
	defer func() {
		if err != nil {
			s.releasePort(port)
		}
	}()

	u1 := uuid.NewV1()
	id := base64.RawURLEncoding.EncodeToString(u1[:])
	res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return nil, nil, "", err
	}
	dest := filepath.Join(s.config.DataDir, id)
	sto, err := filestorage.New(dest)
	if err != nil {
		return nil, nil, "", err
	}
	return &options{
		Port:      int(port),
		Resumer:   res,
		Blocklist: s.blocklist,
		Config:    &s.config,
	}, sto, id, nil
}

func (s *Session) track(t *torrent, id string, port uint16, createdAt time.Time) *Torrent {
	t2 := &Torrent{session: s, torrent: t, id: id, port: port, createdAt: createdAt, removed: make(chan struct{})}
	s.m.Lock()
	defer s.m.Unlock()
	s.torrents[id] = t2
	s.torrentsByInfoHash[dht.InfoHash(t.InfoHash())] = t2
	return t2
}

func (s *Session) getPort() (uint16, error) {
	s.mPorts.Lock()
	defer s.mPorts.Unlock()
	for p := range s.availablePorts {
		delete(s.availablePorts, p)
		return p, nil
	}
	return 0, errors.New("session: no free port")
}

func (s *Session) releasePort(port uint16) {
	s.mPorts.Lock()
	defer s.mPorts.Unlock()
	s.availablePorts[port] = struct{}{}
}

// RemoveTorrent stops and forgets the torrent with the given id,
// deleting its resume record and downloaded files.
func (s *Session) RemoveTorrent(id string) error {
	s.m.Lock()
	t, ok := s.torrents[id]
	if !ok {
		s.m.Unlock()
		return nil
	}
	delete(s.torrents, id)
	delete(s.torrentsByInfoHash, dht.InfoHash(t.torrent.InfoHash()))
	s.m.Unlock()

	close(t.removed)
	t.torrent.Close()
	s.releasePort(t.port)

	res, err := boltdbresumer.New(s.db, torrentsBucket, []byte(id))
	if err != nil {
		return err
	}
	dest := filepath.Join(s.config.DataDir, id)
	if err = res.Delete(); err != nil {
		return err
	}
	return os.RemoveAll(dest)
}
