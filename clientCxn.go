package clock_client

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/jimsnab/go-lane"
)

// The client connection progresses from ccNew to ccOpen on a successful
// dial, and to ccClosed on close or a fatal error. A closed connection is
// not reopened; the client makes a new one.
const (
	ccNew clientCxnState = iota
	ccOpen
	ccClosed
)

const readBufferSize = 8 * 1024

type (
	clientCxnState int

	// clientCxn owns the socket of one client connection. Reads and writes
	// are bounded by a short deadline so a poll step never blocks for
	// longer than pollWait.
	clientCxn struct {
		l            lane.Lane
		addr         string
		cxn          net.Conn
		socketState  clientCxnState
		pollWait     time.Duration
		maxFrameSize int
		inbound      []byte
		outbound     []byte
		readBuffer   []byte
	}
)

func newClientCxn(l lane.Lane, cfg Config) *clientCxn {
	return &clientCxn{
		l:            l,
		addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		socketState:  ccNew,
		pollWait:     cfg.PollWait,
		maxFrameSize: cfg.MaxFrameSize,
		readBuffer:   make([]byte, readBufferSize),
	}
}

func (cc *clientCxn) open(ctx context.Context, dialTimeout time.Duration) error {
	if cc.socketState != ccNew {
		return ErrAlreadyOpen
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	cxn, err := dialer.DialContext(ctx, "tcp", cc.addr)
	if err != nil {
		cc.socketState = ccClosed
		return &ConnectionError{Op: "open", Err: err}
	}

	cc.cxn = cxn
	cc.socketState = ccOpen
	cc.l.Infof("connected to clock service at %s", cxn.RemoteAddr().String())
	return nil
}

func (cc *clientCxn) isOpen() bool {
	return cc.socketState == ccOpen
}

func (cc *clientCxn) close() {
	if cc.socketState != ccOpen {
		return
	}
	cc.socketState = ccClosed

	if err := cc.cxn.Close(); err != nil {
		cc.l.Debugf("close error for %s: %s", cc.addr, err)
	}
	cc.inbound = nil
	cc.outbound = nil
	cc.l.Infof("disconnected from %s", cc.addr)
}

func (cc *clientCxn) remoteAddr() string {
	if cc.cxn == nil {
		return ""
	}
	return cc.cxn.RemoteAddr().String()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// send queues data behind any bytes not yet written and tries to write it
// all. Whatever the socket does not accept in time stays queued for the
// next flush.
func (cc *clientCxn) send(data []byte) error {
	cc.outbound = append(cc.outbound, data...)
	return cc.flush()
}

// flush writes queued output. Only a socket error is returned; running out
// of time is not an error.
func (cc *clientCxn) flush() error {
	if len(cc.outbound) == 0 || !cc.isOpen() {
		return nil
	}

	if err := cc.cxn.SetWriteDeadline(time.Now().Add(cc.pollWait)); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}

	n, err := cc.cxn.Write(cc.outbound)
	cc.outbound = cc.outbound[n:]
	if len(cc.outbound) == 0 {
		cc.outbound = nil
	}

	if err != nil {
		if isTimeout(err) {
			cc.l.Tracef("wrote %d bytes, %d bytes remain buffered", n, len(cc.outbound))
			return nil
		}
		return &ConnectionError{Op: "send", Err: err}
	}

	cc.l.Tracef("wrote %d bytes", n)
	return nil
}

// receive drains the bytes that arrive within one poll wait and decodes
// the complete frames among them. A partial frame stays in inbound for the
// next call. Frames decoded ahead of an error are still returned, so they
// can be delivered before the connection closes.
func (cc *clientCxn) receive() (frames []*frame, err error) {
	if err = cc.cxn.SetReadDeadline(time.Now().Add(cc.pollWait)); err != nil {
		err = &ConnectionError{Op: "receive", Err: err}
		return
	}

	for {
		n, rerr := cc.cxn.Read(cc.readBuffer)
		if n > 0 {
			cc.inbound = append(cc.inbound, cc.readBuffer[:n]...)
		}
		if rerr != nil {
			if !isTimeout(rerr) {
				if errors.Is(rerr, io.EOF) {
					cc.l.Infof("clock service at %s closed the connection", cc.addr)
				} else {
					cc.l.Debugf("read error from %s: %s", cc.addr, rerr)
				}
				err = &ConnectionError{Op: "receive", Err: rerr}
			}
			break
		}
	}

	if len(cc.inbound) == 0 {
		return
	}

	cc.l.Tracef("have %d bytes of inbound data", len(cc.inbound))

	var derr error
	frames, cc.inbound, derr = decodeFrames(cc.inbound, cc.maxFrameSize)
	if len(cc.inbound) == 0 {
		cc.inbound = nil
	}
	if derr != nil {
		err = derr
	}
	return
}
