package clock_client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	mainEngine struct {
		mu          sync.Mutex
		started     bool
		l           lane.Lane
		server      net.Listener
		cxns        map[int64]*serverCxn
		lastCxnId   int64
		lastAlarmId atomic.Uint32
		canExit     chan struct{}
		terminating bool
		port        int
		iface       string
		dispatcher  *serviceDispatcher
		metrics     *serverMetrics
	}

	ClockServer interface {
		// Starts the clock service on the specified network interface and
		// port.
		//
		// If endpoint is "", the server will listen on all network interfaces.
		// If port is 0, the server will listen on a free port; see ServerAddr.
		//
		// Each client connection has its own tick subscription and alarms.
		// Alarm ids are unique across the server and start at 1. A
		// close-service request is answered with code 0, then the server
		// stops.
		StartServer(endpoint string, port int) error

		// Initiates server termination, if it is running.
		StopServer() error

		// Waits for the server to stop
		WaitForTermination()

		// Returns the server address
		ServerAddr() string

		// Returns the port the server listens on, or 0 if not started
		ServerPort() int

		// Returns the number of connected clients
		ConnectedClients() int
	}
)

const waitForCloseInterval = 50 * time.Millisecond

// NewClockServer makes a clock service. reg receives the server's
// Prometheus counters; it may be nil.
func NewClockServer(l lane.Lane, reg prometheus.Registerer) ClockServer {
	eng := mainEngine{
		l:       l,
		cxns:    map[int64]*serverCxn{},
		metrics: newServerMetrics(reg),
	}
	return &eng
}

func (eng *mainEngine) StartServer(endpoint string, port int) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.started {
		return fmt.Errorf("already started")
	}

	eng.port = port
	eng.iface = endpoint

	// launch termination monitors
	eng.canExit = make(chan struct{})

	// start accepting connections and processing them
	if err := eng.startServer(); err != nil {
		return err
	}
	eng.started = true

	return nil
}

func (eng *mainEngine) StopServer() error {
	// ensure only one termination
	eng.mu.Lock()
	if !eng.started {
		eng.mu.Unlock()
		return fmt.Errorf("not started")
	}

	isTerminating := eng.terminating
	eng.terminating = true
	eng.mu.Unlock()

	if !isTerminating {
		go func() { eng.onTerminate() }()
	}

	return nil
}

func (eng *mainEngine) onTerminate() {
	// close the server and wait for all active connections to finish
	eng.l.Tracef("closing server")
	eng.server.Close()

	eng.l.Infof("waiting for any open client connections to close")
	eng.requestAllCxnClose()
	eng.waitForAllCxnClose()
	eng.l.Infof("termination of %s completed", eng.server.Addr().String())

	close(eng.canExit)
}

func (eng *mainEngine) startServer() error {
	// establish socket service
	var err error

	eng.server, err = net.Listen("tcp", net.JoinHostPort(eng.iface, strconv.Itoa(eng.port)))
	if err != nil {
		eng.l.Errorf("error listening: %s", err.Error())
		return err
	}
	eng.l.Infof("listening on %s", eng.server.Addr().String())

	if addr, ok := eng.server.Addr().(*net.TCPAddr); ok {
		eng.port = addr.Port
	}

	eng.dispatcher = newServiceDispatcher(eng)

	go func() {
		// accept connections and process requests
		for {
			connection, err := eng.server.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					eng.l.Errorf("accept error: %s", err)
				}
				break
			}
			eng.l.Infof("client connected: %s", connection.RemoteAddr().String())
			eng.metrics.connectionOpened()
			newServerCxn(eng.l.Derive(), eng, connection)
		}
	}()

	return nil
}

func (eng *mainEngine) WaitForTermination() {
	// wait for server to quiesce
	<-eng.canExit
	eng.l.Info("finished serving requests")
}

func (eng *mainEngine) ServerAddr() string {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.server == nil {
		return ""
	}

	return eng.server.Addr().String()
}

func (eng *mainEngine) ServerPort() int {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.server == nil {
		return 0
	}
	return eng.port
}

func (eng *mainEngine) ConnectedClients() int {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return len(eng.cxns)
}

// register adds a connection to the set closed by termination. A
// connection accepted while the server terminates is refused.
func (eng *mainEngine) register(sc *serverCxn) (id int64, accepted bool) {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.terminating {
		return
	}

	eng.lastCxnId++
	id = eng.lastCxnId
	eng.cxns[id] = sc
	accepted = true
	return
}

func (eng *mainEngine) unregister(id int64) {
	eng.mu.Lock()
	_, exists := eng.cxns[id]
	delete(eng.cxns, id)
	eng.mu.Unlock()

	if exists {
		eng.metrics.connectionClosed()
	}
}

func (eng *mainEngine) nextAlarmId() AlarmId {
	for {
		if id := AlarmId(eng.lastAlarmId.Add(1)); id != 0 {
			return id
		}
	}
}

func (eng *mainEngine) requestAllCxnClose() {
	eng.mu.Lock()
	cxns := make([]*serverCxn, 0, len(eng.cxns))
	for _, sc := range eng.cxns {
		cxns = append(cxns, sc)
	}
	eng.mu.Unlock()

	for _, sc := range cxns {
		eng.l.Tracef("closing connection %s <-> %s", sc.ServerAddr(), sc.ClientAddr())
		sc.RequestClose()
	}
}

func (eng *mainEngine) waitForAllCxnClose() {
	for {
		if eng.ConnectedClients() == 0 {
			break
		}
		time.Sleep(waitForCloseInterval)
	}
}
