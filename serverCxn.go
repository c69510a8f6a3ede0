package clock_client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

// The following state machine progresses through the lifecycle of a
// client connection on the clock service. A connection processes one
// request at a time; tick and alarm events are written in between.
const (
	csNone            cxnState = iota
	csInitialize               // can progress to csWaitForRequest or csTerminate
	csWaitForRequest           // can progress to csDispatchRequest or csTerminate
	csDispatchRequest          // can progress to csTerminate on a write failure, or csWaitForRequest after the response is written
	csTerminate                // closes the connection
)

const (
	serverWriteTimeout = 5 * time.Second
	serverReadBuffer   = 8 * 1024
)

type (
	cxnState int

	// serverCxn holds state about the socket connection. It links 1-to-1
	// to a serviceState instance that holds the client's ticker and alarms.
	serverCxn struct {
		l           lane.Lane
		eng         *mainEngine
		cs          *serviceState
		id          int64
		started     time.Time
		mu          sync.Mutex // synchronizes access to waiting, closing flags
		wmu         sync.Mutex // serializes frame writes
		cxn         net.Conn
		socketState cxnState
		csceCh      chan *serverCxnEvent
		waiting     bool
		closing     bool
		inbound     []byte
		buffer      []byte
	}
)

func newServerCxn(l lane.Lane, eng *mainEngine, cxn net.Conn) *serverCxn {
	sc := &serverCxn{
		l:           l,
		eng:         eng,
		cxn:         cxn,
		started:     time.Now(),
		socketState: csNone,
		csceCh:      make(chan *serverCxnEvent, 3),
		buffer:      make([]byte, serverReadBuffer),
	}

	id, accepted := eng.register(sc)
	if !accepted {
		l.Infof("server is terminating, refusing %s", cxn.RemoteAddr().String())
		cxn.Close()
		eng.metrics.connectionClosed()
		return nil
	}
	sc.id = id
	sc.cs = newServiceState(l, sc, eng.dispatcher, eng.metrics)

	sc.queueStateChange(csInitialize, nil)

	go sc.run()

	return sc
}

func (sc *serverCxn) ClientInfo() []string {
	since := time.Since(sc.started)
	return []string{
		"id=" + fmt.Sprintf("%d", sc.id),
		"addr=" + sc.cxn.RemoteAddr().String(),
		"laddr=" + sc.cxn.LocalAddr().String(),
		"age=" + fmt.Sprintf("%d", int64(since.Seconds())),
	}
}

func (sc *serverCxn) queueStateChange(newState cxnState, eventData any) {
	sc.csceCh <- &serverCxnEvent{
		newState:  newState,
		eventData: eventData,
	}
}

// RequestClose closes the socket, which unblocks a pending read, and
// queues termination.
func (sc *serverCxn) RequestClose() {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.closing {
		sc.closing = true
		sc.cxn.Close()
		sc.queueStateChange(csTerminate, nil)
	}
}

func (sc *serverCxn) IsCloseRequested() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closing
}

func (sc *serverCxn) run() {
	for {
		event := <-sc.csceCh

		sc.socketState = event.newState
		switch sc.socketState {
		case csInitialize:
			sc.onInitialize()
		case csTerminate:
			sc.onTerminate()
			sc.l.Tracef("client %d at %s terminated", sc.id, sc.ClientAddr())
			return
		case csWaitForRequest:
			if sc.IsCloseRequested() {
				sc.queueStateChange(csTerminate, nil)
			} else {
				sc.onWaitForRequest()
			}
		case csDispatchRequest:
			sc.onDispatchRequest(event.eventData.(*frame))
		}
	}
}

func (sc *serverCxn) onTerminate() {
	sc.cs.stop()
	sc.cxn.Close()
	sc.eng.unregister(sc.id)
}

func (sc *serverCxn) onInitialize() {
	sc.l.Tracef("client connection %s", strings.Join(sc.ClientInfo(), " "))
	sc.queueStateChange(csWaitForRequest, nil)
}

func (sc *serverCxn) onWaitForRequest() {
	// a request may already be buffered behind the previous one
	if sc.nextRequest() {
		return
	}

	sc.mu.Lock()
	if sc.closing {
		sc.mu.Unlock()
		sc.queueStateChange(csTerminate, nil)
		return
	}
	sc.waiting = true
	sc.mu.Unlock()

	n, err := sc.cxn.Read(sc.buffer)

	sc.mu.Lock()
	sc.waiting = false
	sc.mu.Unlock()

	if err != nil {
		if errors.Is(err, io.EOF) {
			sc.l.Infof("client disconnected: %s", sc.ClientAddr())
		} else if !errors.Is(err, net.ErrClosed) {
			sc.l.Debugf("read error from %s: %s", sc.ClientAddr(), err)
		}
		sc.queueStateChange(csTerminate, nil)
		return
	}

	sc.inbound = append(sc.inbound, sc.buffer[:n]...)
	sc.l.Tracef("received %d bytes of request data from client", len(sc.inbound))

	if !sc.nextRequest() {
		sc.queueStateChange(csWaitForRequest, nil)
	}
}

// nextRequest queues the dispatch of the first complete frame in inbound,
// or termination if the frame is malformed. Returns false when more bytes
// are needed.
func (sc *serverCxn) nextRequest() bool {
	req, length, err := parseFrame(sc.inbound, DefaultMaxFrameSize)
	if err != nil {
		sc.l.Infof("malformed request sent from %s - terminating: %s", sc.ClientAddr(), err)
		sc.queueStateChange(csTerminate, nil)
		return true
	}
	if length == 0 {
		return false
	}

	sc.inbound = sc.inbound[length:]
	if len(sc.inbound) == 0 {
		sc.inbound = nil
	}
	sc.queueStateChange(csDispatchRequest, req)
	return true
}

func (sc *serverCxn) onDispatchRequest(req *frame) {
	response, after := sc.cs.dispatch(req)

	if err := sc.writeFrame(response); err != nil {
		sc.l.Debugf("write error: %s", err)
		sc.queueStateChange(csTerminate, nil)
		return
	}

	if after != nil {
		after()
	}
	sc.queueStateChange(csWaitForRequest, nil)
}

// writeFrame sends one frame. It is called by the connection's own
// goroutine for responses and by timers for events.
func (sc *serverCxn) writeFrame(f *frame) error {
	data := encodeFrame(f)

	sc.wmu.Lock()
	defer sc.wmu.Unlock()

	if err := sc.cxn.SetWriteDeadline(time.Now().Add(serverWriteTimeout)); err != nil {
		return err
	}
	n, err := sc.cxn.Write(data)
	if err != nil {
		return err
	}
	sc.l.Tracef("wrote %s frame, %d bytes", f.kind, n)
	return nil
}

func (sc *serverCxn) ServerAddr() string {
	return sc.cxn.LocalAddr().String()
}

func (sc *serverCxn) ClientAddr() string {
	return sc.cxn.RemoteAddr().String()
}

func (sc *serverCxn) ServerNow() time.Time {
	return time.Now()
}
