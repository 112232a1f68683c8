// Package peerconn is the low-level duplex peer connection: a net.Conn
// wrapped with a reader goroutine (frames inbound messages) and a writer
// goroutine (frames outbound messages, sends keep-alives), raced against
// a close signal. Reader and writer are kept in one package rather than
// split into separate peerreader/peerwriter packages, since nothing
// here needs that extra layering.
package peerconn

import (
	"io"
	"net"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/logger"
	"github.com/coriolis-labs/swarmtorrent/internal/peerprotocol"
)

// KeepAliveInterval is how long to wait with nothing sent before a
// keep-alive is sent.
const KeepAliveInterval = 120 * time.Second

// IdleTimeout drops the peer if nothing has been received for this long
//.
const IdleTimeout = 150 * time.Second

// Conn is one duplex peer connection.
type Conn struct {
	conn net.Conn
	log  logger.Logger

	fastExtension     bool
	extensionProtocol bool

	messages chan peerprotocol.RawMessage
	sendC    chan peerprotocol.Message
	closeC   chan struct{}
	closedC  chan struct{}
}

// New wraps conn as a peer connection. fastExtension/extensionProtocol
// come from the negotiated reserved bits of the handshake.
func New(conn net.Conn, l logger.Logger, fastExtension, extensionProtocol bool) *Conn {
	return &Conn{
		conn:              conn,
		log:               l,
		fastExtension:     fastExtension,
		extensionProtocol: extensionProtocol,
		messages:          make(chan peerprotocol.RawMessage, 64),
		sendC:             make(chan peerprotocol.Message, 64),
		closeC:            make(chan struct{}),
		closedC:           make(chan struct{}),
	}
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// FastExtension reports whether BEP 6 was negotiated.
func (c *Conn) FastExtension() bool { return c.fastExtension }

// ExtensionProtocol reports whether BEP 10 was negotiated.
func (c *Conn) ExtensionProtocol() bool { return c.extensionProtocol }

// Messages returns the channel of inbound raw messages. A message with ID
// KeepAliveID signals a keep-alive.
func (c *Conn) Messages() <-chan peerprotocol.RawMessage { return c.messages }

// KeepAliveID is the sentinel RawMessage.ID value pushed to Messages() for
// an inbound keep-alive.
const KeepAliveID = peerprotocol.MessageID(255)

// Send queues an outbound message.
func (c *Conn) Send(msg peerprotocol.Message) {
	select {
	case c.sendC <- msg:
	case <-c.closeC:
	}
}

// Close tears down the connection and waits for both pumps to exit.
func (c *Conn) Close() {
	select {
	case <-c.closeC:
	default:
		close(c.closeC)
	}
	<-c.closedC
}

// Run starts the reader and writer pumps and blocks until either exits or
// Close is called.
func (c *Conn) Run() {
	defer close(c.closedC)

	readerDone := make(chan struct{})
	go func() {
		c.readLoop()
		close(readerDone)
	}()

	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()

	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.conn.Close()
	<-readerDone
	<-writerDone
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	for {
		c.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		raw, isKeepAlive, err := peerprotocol.ReadMessage(c.conn, peerprotocol.MaxMessageSize)
		if err != nil {
			if err != io.EOF {
				c.log.Debugln("peerconn: read error:", err)
			}
			return
		}
		if isKeepAlive {
			select {
			case c.messages <- peerprotocol.RawMessage{ID: KeepAliveID}:
			case <-c.closeC:
				return
			}
			continue
		}
		select {
		case c.messages <- raw:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.sendC:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := peerprotocol.WriteMessage(c.conn, msg); err != nil {
				c.log.Debugln("peerconn: write error:", err)
				return
			}
			ticker.Reset(KeepAliveInterval)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := peerprotocol.WriteKeepAlive(c.conn); err != nil {
				c.log.Debugln("peerconn: keep-alive write error:", err)
				return
			}
		case <-c.closeC:
			return
		}
	}
}
