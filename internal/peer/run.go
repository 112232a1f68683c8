package peer

import "github.com/coriolis-labs/swarmtorrent/internal/peerprotocol"

// Event is a message received from one peer, tagged with its source so
// a single-goroutine scheduler can multiplex many peers onto one
// channel: peers communicate with the scheduler by message passing
// rather than touching its state directly.
type Event struct {
	Peer    *Peer
	Message peerprotocol.RawMessage
}

// Run starts the underlying connection's reader/writer pumps and
// forwards every inbound message to eventsC until the connection closes,
// at which point p is sent on disconnectedC exactly once.
func (p *Peer) Run(eventsC chan<- Event, disconnectedC chan<- *Peer) {
	go p.Conn.Run()
	for msg := range p.Conn.Messages() {
		eventsC <- Event{Peer: p, Message: msg}
	}
	disconnectedC <- p
}

// Close tears down the underlying connection.
func (p *Peer) Close() {
	p.Conn.Close()
}
