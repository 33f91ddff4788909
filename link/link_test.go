package link

import (
	"net"
	"testing"
	"time"

	"github.com/cmsfed/cmsd/protocol"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	received := make(chan *protocol.Frame, 1)
	serverLink := New(serverConn, "server", 4, func(l *Link, f *protocol.Frame) {
		received <- f
	}, nil)
	defer serverLink.Close()

	clientLink := New(clientConn, "client", 4, func(l *Link, f *protocol.Frame) {}, nil)
	defer clientLink.Close()

	ok := clientLink.Send(&protocol.Frame{StreamID: 7, RRCode: protocol.CodePing, Data: []byte("hi")})
	if !ok {
		t.Fatalf("expected Send to succeed")
	}

	select {
	case f := <-received:
		if f.StreamID != 7 || f.RRCode != protocol.CodePing || string(f.Data) != "hi" {
			t.Fatalf("unexpected frame received: %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	l := New(clientConn, "client", 4, func(l *Link, f *protocol.Frame) {}, nil)
	l.Close()
	l.Close() // must not panic
}

func TestOnLostCalledOnPeerClose(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	lost := make(chan struct{}, 1)
	l := New(clientConn, "client", 4, func(l *Link, f *protocol.Frame) {}, func(l *Link, err error) {
		select {
		case lost <- struct{}{}:
		default:
		}
	})
	serverConn.Close()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatalf("expected onLost to be invoked after peer closed")
	}
	_ = l
}
