package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/risa-org/matchlink/transport"
)

// MaxFrameSize bounds a single inbound frame. A larger length prefix is
// treated as a protocol violation and closes the connection.
const MaxFrameSize = 1 << 20

// Adapter implements transport.Adapter over a raw TCP connection.
//
// Wire format for each frame:
//
//	[4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// TCP is a stream protocol with no message boundaries, so each envelope
// is length-prefixed.
type Adapter struct {
	conn       net.Conn
	incoming   chan []byte
	disconnect chan transport.DisconnectEvent
	closeOnce  sync.Once
	closed     chan struct{}
	writeMu    sync.Mutex // one writer at a time
}

// New wraps an existing net.Conn in a transport Adapter.
// The conn must already be established. Starts the read loop immediately.
func New(conn net.Conn) *Adapter {
	a := &Adapter{
		conn:       conn,
		incoming:   make(chan []byte, 64),
		disconnect: make(chan transport.DisconnectEvent, 1),
		closed:     make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Dialer opens TCP adapters for tcp://host:port URLs.
type Dialer struct {
	Timeout time.Duration
}

func (d Dialer) Dial(ctx context.Context, rawURL string) (transport.Adapter, error) {
	addr := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		addr = u.Host
	}
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// Send writes one length-prefixed frame. The context deadline, if any,
// becomes the write deadline.
func (a *Adapter) Send(ctx context.Context, frame []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	select {
	case <-a.closed:
		return transport.ErrTransportClosed
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetWriteDeadline(deadline)
		defer a.conn.SetWriteDeadline(time.Time{})
	}

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(frame)))
	copy(buf[4:], frame)
	if _, err := a.conn.Write(buf); err != nil {
		return transport.ErrTransportClosed
	}
	return nil
}

func (a *Adapter) Receive() <-chan []byte {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close shuts down the TCP connection. Safe to call multiple times.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.conn.Close()
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(a.conn, lenBuf[:]); err != nil {
			a.signalDisconnect(err)
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > MaxFrameSize {
			a.signalDisconnect(fmt.Errorf("tcp: frame of %d bytes exceeds limit", n))
			return
		}

		frame := make([]byte, n)
		if _, err := io.ReadFull(a.conn, frame); err != nil {
			a.signalDisconnect(err)
			return
		}

		select {
		case a.incoming <- frame:
		case <-a.closed:
			a.signalDisconnect(nil)
			return
		}
	}
}

// signalDisconnect classifies the close and emits exactly one event.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	select {
	case <-a.closed:
		// we closed it ourselves
		event.Reason = transport.ReasonClosedClean
	default:
		switch {
		case err == nil || err == io.EOF:
			event.Reason = transport.ReasonClosedClean
		case isTimeout(err):
			event.Reason = transport.ReasonTimeout
			event.Err = err
		default:
			event.Reason = transport.ReasonNetworkError
			event.Err = err
		}
	}

	select {
	case a.disconnect <- event:
	default:
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
