package session

import (
	"math/rand"
	"sort"

	"github.com/coriolis-labs/swarmtorrent/internal/peer"
)

// tickUnchoke runs the regular choking algorithm once per
// ChokeRoundInterval: rank interested peers by the rate
// they've sent us (or, once we're seeding, by the rate we've sent
// them) and unchoke the top UnchokedPeers, choking everyone else.
// Peers currently held by the optimistic slot are excluded from
// ranking so a slow peer isn't dropped mid-trial.
func (t *torrent) tickUnchoke() {
	peers := make([]*peer.Peer, 0, len(t.peers))
	for _, pe := range t.peers {
		if pe.PeerInterested && !pe.OptimisticUnchoked {
			peers = append(peers, pe)
		}
	}
	if t.completed {
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].BytesUploadedInChokePeriod > peers[j].BytesUploadedInChokePeriod
		})
	} else {
		sort.Slice(peers, func(i, j int) bool {
			return peers[i].BytesDownloadedInChokePeriod > peers[j].BytesDownloadedInChokePeriod
		})
	}

	var unchoked int
	for _, pe := range peers {
		if unchoked < t.config.UnchokedPeers {
			t.unchokePeer(pe)
			unchoked++
		} else {
			t.chokePeer(pe)
		}
	}

	for _, pe := range t.peers {
		pe.ResetChokePeriodStats()
	}
}

// tickOptimisticUnchoke rotates the optimistic unchoke slot once per
// OptimisticChokeRoundInterval, giving a random currently
// choked, interested peer a chance to prove itself regardless of its
// measured rate.
func (t *torrent) tickOptimisticUnchoke() {
	for _, pe := range t.optimisticUnchokedPeers {
		pe.OptimisticUnchoked = false
		t.chokePeer(pe)
	}
	t.optimisticUnchokedPeers = t.optimisticUnchokedPeers[:0]

	var candidates []*peer.Peer
	for _, pe := range t.peers {
		if pe.PeerInterested && pe.AmChoking {
			candidates = append(candidates, pe)
		}
	}

	for i := 0; i < t.config.OptimisticUnchokedPeers && len(candidates) > 0; i++ {
		n := rand.Intn(len(candidates))
		pe := candidates[n]
		candidates = append(candidates[:n], candidates[n+1:]...)
		pe.OptimisticUnchoked = true
		t.unchokePeer(pe)
		t.optimisticUnchokedPeers = append(t.optimisticUnchokedPeers, pe)
	}
}

// chokePeer/unchokePeer are thin wrappers kept alongside the choking
// algorithm rather than on peer.Peer itself, since only the scheduler
// (never peer.Peer's own inbound-message handling) decides when to
// flip choke state.
func (t *torrent) chokePeer(pe *peer.Peer) {
	pe.SendChoke()
}

func (t *torrent) unchokePeer(pe *peer.Peer) {
	pe.SendUnchoke()
}
