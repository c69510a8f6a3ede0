package clock_client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPort        = "4321"
	DefaultDialTimeout = 5 * time.Second
	DefaultPollWait    = time.Millisecond
)

type (
	// Config holds the client configuration. Zero values select the defaults.
	Config struct {
		Host string
		Port string

		// DialTimeout bounds Open and Connect.
		DialTimeout time.Duration

		// PollWait is how long one PollIO waits for inbound bytes, and how
		// long a send waits for the socket to accept outbound bytes.
		PollWait time.Duration

		// RequestTimeout expires requests that get no response. Zero
		// disables the timeout policy, and a request may then stay pending
		// until the connection closes. The event of an alarm whose set
		// request expired is not delivered.
		RequestTimeout time.Duration

		// MaxFrameSize bounds the length of a frame in either direction.
		// A request that would exceed it is refused with ErrFrameTooLarge.
		MaxFrameSize int

		// Registerer receives the client's Prometheus counters. Nil
		// disables metrics.
		Registerer prometheus.Registerer
	}

	// ClockHandler receives request results and service events. All methods
	// are called synchronously from PollIO, in frame arrival order. A
	// handler may issue new requests or close the client.
	ClockHandler interface {
		OnGetTimeResult(result time.Time, err error)
		OnSetTickIntervalResult(err error)
		OnSetAlarmResult(alarmId AlarmId, err error)
		OnCloseServiceResult(code int, err error)
		OnTickEvent(tickTime time.Time)
		OnAlarmEvent(alarmId AlarmId, tag string)
	}

	// BaseClockHandler implements every ClockHandler method as a no-op.
	// Embed it and override the methods of interest.
	BaseClockHandler struct{}

	// ClockHandlerFuncs adapts a set of optional functions to ClockHandler.
	ClockHandlerFuncs struct {
		GetTimeResult         func(result time.Time, err error)
		SetTickIntervalResult func(err error)
		SetAlarmResult        func(alarmId AlarmId, err error)
		CloseServiceResult    func(code int, err error)
		TickEvent             func(tickTime time.Time)
		AlarmEvent            func(alarmId AlarmId, tag string)
	}

	ClockClient interface {
		// Opens the connection to the clock service. Returns false when the
		// connection can't be established or is already open; the reason
		// is logged. Use Connect to receive the error.
		Open() bool

		// Opens the connection to the clock service. Returns a
		// *ConnectionError if the dial fails, or ErrAlreadyOpen.
		Connect(ctx context.Context) error

		// Closes the connection. Pending requests, the tick subscription and
		// the alarm registry are discarded and no callback fires after
		// Close returns. Calling Close on a closed client does nothing.
		Close()

		// Reports whether the connection is open.
		IsOpen() bool

		// Performs one bounded, non-blocking step of I/O: expires timed out
		// requests, flushes buffered output, reads available input and
		// dispatches the decoded frames to the handler.
		//
		// Returns the *ConnectionError or *ProtocolError that closed the
		// connection, ErrNotOpen if the client is closed, or
		// ErrConcurrentPoll if another PollIO is in progress.
		PollIO() error

		// Requests the service time; the result goes to OnGetTimeResult.
		// Only one time request can be in flight.
		GetTime() error

		// Subscribes to tick events at the given interval, replacing any
		// prior subscription. An interval <= 0 cancels ticking. The
		// acknowledgment goes to OnSetTickIntervalResult.
		SetTickInterval(interval time.Duration) error

		// Arms a one-shot alarm that fires after the given duration. The
		// new alarm id goes to OnSetAlarmResult, and the alarm event later
		// carries the same id and tag.
		//
		// Only alarms whose result was delivered are known to the client.
		// If the request times out (see Config.RequestTimeout), the service
		// may still arm the alarm, but its event is counted as an unknown
		// alarm and not passed to OnAlarmEvent. A tag that makes the request
		// exceed MaxFrameSize is refused with ErrFrameTooLarge.
		SetAlarm(tag string, fireAfter time.Duration) error

		// Asks the service to shut down; the service's result code goes to
		// OnCloseServiceResult. Only one such request can be in flight.
		CloseService(reason string) error

		// The interval of the active tick subscription, or 0 if none.
		TickInterval() time.Duration

		// Reports whether a request of the given kind awaits its response.
		IsCallInProgress(kind RequestKind) bool

		// The number of requests awaiting a response.
		PendingRequests() int

		// Looks up an armed alarm by id.
		Alarm(id AlarmId) (alarm Alarm, exists bool)

		// Lists the armed alarms that were set with tag.
		AlarmsByTag(tag string) []Alarm

		// Lists all armed alarms, ordered by id.
		PendingAlarms() []Alarm

		// The service address, or "" if not connected.
		RemoteAddr() string
	}

	clockClient struct {
		l            lane.Lane
		cfg          Config
		handler      ClockHandler
		cxn          *clientCxn
		pending      map[uint32]*pendingRequest
		lastToken    uint32
		tickInterval time.Duration
		alarms       *alarmRegistry
		metrics      *clientMetrics
		polling      atomic.Bool
		fatalErr     error
	}
)

func (cfg Config) withDefaults() Config {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = DefaultPollWait
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	return cfg
}

// NewClockClient makes a client for the clock service at cfg.Host and
// cfg.Port. The client does nothing until Open is called, and makes
// progress only inside PollIO. A nil handler discards all results.
func NewClockClient(l lane.Lane, cfg Config, handler ClockHandler) ClockClient {
	if handler == nil {
		handler = BaseClockHandler{}
	}

	cc := &clockClient{
		l:       l,
		cfg:     cfg.withDefaults(),
		handler: handler,
		pending: map[uint32]*pendingRequest{},
		alarms:  newAlarmRegistry(l),
		metrics: newClientMetrics(cfg.Registerer),
	}
	return cc
}

func (BaseClockHandler) OnGetTimeResult(result time.Time, err error) {}
func (BaseClockHandler) OnSetTickIntervalResult(err error) {}
func (BaseClockHandler) OnSetAlarmResult(alarmId AlarmId, err error) {}
func (BaseClockHandler) OnCloseServiceResult(code int, err error) {}
func (BaseClockHandler) OnTickEvent(tickTime time.Time) {}
func (BaseClockHandler) OnAlarmEvent(alarmId AlarmId, tag string) {}

func (hf *ClockHandlerFuncs) OnGetTimeResult(result time.Time, err error) {
	if hf.GetTimeResult != nil {
		hf.GetTimeResult(result, err)
	}
}

func (hf *ClockHandlerFuncs) OnSetTickIntervalResult(err error) {
	if hf.SetTickIntervalResult != nil {
		hf.SetTickIntervalResult(err)
	}
}

func (hf *ClockHandlerFuncs) OnSetAlarmResult(alarmId AlarmId, err error) {
	if hf.SetAlarmResult != nil {
		hf.SetAlarmResult(alarmId, err)
	}
}

func (hf *ClockHandlerFuncs) OnCloseServiceResult(code int, err error) {
	if hf.CloseServiceResult != nil {
		hf.CloseServiceResult(code, err)
	}
}

func (hf *ClockHandlerFuncs) OnTickEvent(tickTime time.Time) {
	if hf.TickEvent != nil {
		hf.TickEvent(tickTime)
	}
}

func (hf *ClockHandlerFuncs) OnAlarmEvent(alarmId AlarmId, tag string) {
	if hf.AlarmEvent != nil {
		hf.AlarmEvent(alarmId, tag)
	}
}

func (cc *clockClient) Open() bool {
	if err := cc.Connect(context.Background()); err != nil {
		cc.l.Infof("open failed: %s", err)
		return false
	}
	return true
}

func (cc *clockClient) Connect(ctx context.Context) error {
	if cc.IsOpen() {
		return ErrAlreadyOpen
	}

	cxn := newClientCxn(cc.l, cc.cfg)
	if err := cxn.open(ctx, cc.cfg.DialTimeout); err != nil {
		return err
	}

	cc.cxn = cxn
	cc.fatalErr = nil
	return nil
}

func (cc *clockClient) Close() {
	cc.fatalErr = nil
	if !cc.IsOpen() {
		return
	}
	cc.l.Tracef("closing connection to %s", cc.cxn.addr)
	cc.shutdown()
}

// shutdown releases the connection and everything that lives only for its
// duration.
func (cc *clockClient) shutdown() {
	if cc.cxn != nil {
		cc.cxn.close()
	}
	if len(cc.pending) > 0 {
		cc.l.Debugf("discarding %d pending requests", len(cc.pending))
	}
	cc.pending = map[uint32]*pendingRequest{}
	cc.tickInterval = 0
	cc.alarms.clear()
}

// fail closes the connection because of a fatal error, which the next
// PollIO returns.
func (cc *clockClient) fail(err error) {
	if !cc.IsOpen() {
		return
	}
	cc.l.Errorf("closing connection to %s: %s", cc.cxn.addr, err)
	cc.metrics.fatal(err)
	if cc.fatalErr == nil {
		cc.fatalErr = err
	}
	cc.shutdown()
}

func (cc *clockClient) takeFatal() (err error) {
	err = cc.fatalErr
	cc.fatalErr = nil
	return
}

// isCurrent reports whether cxn is still the client's open connection.
// Frames and results that belong to a replaced connection are dropped.
func (cc *clockClient) isCurrent(cxn *clientCxn) bool {
	return cc.cxn == cxn && cxn.isOpen()
}

func (cc *clockClient) IsOpen() bool {
	return cc.cxn != nil && cc.cxn.isOpen()
}

func (cc *clockClient) PollIO() (err error) {
	if !cc.polling.CompareAndSwap(false, true) {
		return ErrConcurrentPoll
	}
	defer cc.polling.Store(false)

	if !cc.IsOpen() {
		if err = cc.takeFatal(); err != nil {
			return
		}
		return ErrNotOpen
	}

	cc.expireRequests(time.Now())

	if cc.IsOpen() {
		if ferr := cc.cxn.flush(); ferr != nil {
			cc.fail(ferr)
		}
	}

	if cc.IsOpen() {
		cxn := cc.cxn
		frames, rerr := cxn.receive()
		for _, f := range frames {
			if !cc.isCurrent(cxn) {
				// closed, or reopened, by a handler or a failed send
				break
			}
			cc.route(f)
		}
		if rerr != nil && cc.cxn == cxn {
			cc.fail(rerr)
		}
	}

	return cc.takeFatal()
}

// route hands a decoded frame to the request dispatcher or the event
// router.
func (cc *clockClient) route(f *frame) {
	cc.metrics.frameReceived(f.kind)
	cc.l.Tracef("received %s frame", f.kind)

	switch {
	case f.kind.isResponse():
		cc.resolve(f)
	case f.kind.isEvent():
		cc.routeEvent(f)
	default:
		cc.fail(&ProtocolError{Reason: "request frame sent by the service", Type: f.kind})
	}
}

func (cc *clockClient) TickInterval() time.Duration {
	return cc.tickInterval
}

func (cc *clockClient) Alarm(id AlarmId) (Alarm, bool) {
	return cc.alarms.get(id)
}

func (cc *clockClient) AlarmsByTag(tag string) []Alarm {
	return cc.alarms.byTag(tag)
}

func (cc *clockClient) PendingAlarms() []Alarm {
	return cc.alarms.all()
}

func (cc *clockClient) RemoteAddr() string {
	if !cc.IsOpen() {
		return ""
	}
	return cc.cxn.remoteAddr()
}
