package udptracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
)

// fakeServer answers one connect request and one announce request with a
// single compact peer, per BEP 15's wire format.
func fakeServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		buf := make([]byte, 1500)
		for i := 0; i < 2; i++ {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			txID := binary.BigEndian.Uint32(buf[12:16])
			if action == actionConnect {
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xAABBCCDD)
				conn.WriteToUDP(resp, addr)
			} else if action == actionAnnounce && n >= 98 {
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 0)
				binary.BigEndian.PutUint32(resp[16:20], 1)
				resp[20], resp[21], resp[22], resp[23] = 127, 0, 0, 1
				binary.BigEndian.PutUint16(resp[24:26], 6881)
				conn.WriteToUDP(resp, addr)
			}
		}
	}()
	return conn
}

func TestAnnounceRoundTrip(t *testing.T) {
	srv := fakeServer(t)
	defer srv.Close()

	ut := New(srv.LocalAddr().String(), 2*time.Second)
	resp, err := ut.Announce(context.Background(), tracker.Torrent{Port: 6881}, tracker.EventStarted, 50)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Interval != 1800 {
		t.Fatalf("expected interval 1800, got %d", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].Port != 6881 {
		t.Fatalf("unexpected peers: %+v", resp.Peers)
	}
}
