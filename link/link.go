// Package link implements the thin per-peer transport (spec §5: "one
// reader thread per peer link... one writer thread per peer link... drains
// outgoing queue"): a net.Conn wrapped with a bounded outgoing queue and a
// pair of goroutines that run protocol.Frame encode/decode.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package link

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/cmsfed/cmsd/cmn/nlog"
	"github.com/cmsfed/cmsd/protocol"
)

// Handler processes one inbound frame from a Link. Handlers run on the
// Link's single reader goroutine, so requests from one peer are processed
// in arrival order (spec §5 ordering guarantee); handlers that need to do
// real work should hand off to a worker pool rather than block here.
type Handler func(l *Link, f *protocol.Frame)

// Link is one connected peer's transport: a reader goroutine decoding
// frames and invoking Handler, and a writer goroutine draining an outgoing
// queue. A short write is treated as link failure (spec §4.4).
type Link struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	handler Handler

	sendCh chan *protocol.Frame
	done   chan struct{} // closed once, signals writeLoop and rejects further Send

	mu     sync.Mutex
	closed bool
	onLost func(l *Link, err error) // invoked once, outside any lock

	ident string
}

// New wraps conn with a bounded send queue of depth backlog and starts the
// reader/writer goroutines. ident is used only for log lines.
func New(conn net.Conn, ident string, backlog int, handler Handler, onLost func(l *Link, err error)) *Link {
	l := &Link{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		handler: handler,
		sendCh:  make(chan *protocol.Frame, backlog),
		done:    make(chan struct{}),
		onLost:  onLost,
		ident:   ident,
	}
	go l.readLoop()
	go l.writeLoop()
	return l
}

// Send enqueues a frame for the writer goroutine. Non-blocking: a full
// queue is itself treated as link failure rather than backing up the
// caller (spec §4.4 "short-writes are treated as link failure"). The
// closed-check and the channel send happen under the same lock so a
// concurrent fail() can never close a channel Send is about to write to.
func (l *Link) Send(f *protocol.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	select {
	case l.sendCh <- f:
		return true
	default:
		go l.fail(errQueueFull)
		return false
	}
}

func (l *Link) readLoop() {
	for {
		f, err := protocol.Decode(l.r)
		if err != nil {
			l.fail(err)
			return
		}
		l.handler(l, f)
	}
}

func (l *Link) writeLoop() {
	for {
		select {
		case f := <-l.sendCh:
			if err := f.Encode(l.w); err != nil {
				l.fail(err)
				return
			}
			if err := l.w.Flush(); err != nil {
				l.fail(err)
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.conn.Close()
	close(l.done)
	nlog.Warningf("link: %s lost: %v", l.ident, err)
	if l.onLost != nil {
		l.onLost(l, err)
	}
}

// Close is an idempotent, caller-initiated shutdown (spec §5: "Peer Disc is
// idempotent").
func (l *Link) Close() {
	l.fail(errClosedByCaller)
}

func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *Link) SetDeadline(t time.Time) error { return l.conn.SetDeadline(t) }

var (
	errQueueFull      = sendQueueFullError{}
	errClosedByCaller = closedByCallerError{}
)

type sendQueueFullError struct{}

func (sendQueueFullError) Error() string { return "link: send queue full" }

type closedByCallerError struct{}

func (closedByCallerError) Error() string { return "link: closed by caller" }
