package session

import "crypto/rand"

// peerIDPrefix identifies this client in the Azureus-style peer id
// convention ("-" + 2 letter client code + 4 digit version + "-").
const peerIDPrefix = "-ST0010-"

// generatePeerID returns a fresh 20-byte peer id: the client prefix
// followed by random bytes, unique per torrent per process lifetime.
func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	_, _ = rand.Read(id[len(peerIDPrefix):])
	return id
}
