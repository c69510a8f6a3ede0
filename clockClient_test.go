package clock_client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jimsnab/go-lane"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type (
	firedAlarm struct {
		id  AlarmId
		tag string
	}

	// recorder captures every callback in arrival order.
	recorder struct {
		times      []time.Time
		timeErrs   []error
		tickAcks   []error
		alarmIds   []AlarmId
		alarmErrs  []error
		closeCodes []int
		closeErrs  []error
		ticks      []time.Time
		alarms     []firedAlarm
	}
)

func (r *recorder) OnGetTimeResult(result time.Time, err error) {
	r.times = append(r.times, result)
	r.timeErrs = append(r.timeErrs, err)
}

func (r *recorder) OnSetTickIntervalResult(err error) {
	r.tickAcks = append(r.tickAcks, err)
}

func (r *recorder) OnSetAlarmResult(alarmId AlarmId, err error) {
	r.alarmIds = append(r.alarmIds, alarmId)
	r.alarmErrs = append(r.alarmErrs, err)
}

func (r *recorder) OnCloseServiceResult(code int, err error) {
	r.closeCodes = append(r.closeCodes, code)
	r.closeErrs = append(r.closeErrs, err)
}

func (r *recorder) OnTickEvent(tickTime time.Time) {
	r.ticks = append(r.ticks, tickTime)
}

func (r *recorder) OnAlarmEvent(alarmId AlarmId, tag string) {
	r.alarms = append(r.alarms, firedAlarm{id: alarmId, tag: tag})
}

func testServer(t *testing.T) (srv ClockServer, cfg Config) {
	l := lane.NewTestingLane(context.Background())
	srv = NewClockServer(l, nil)
	if err := srv.StartServer("127.0.0.1", 0); err != nil {
		t.Fatalf("can't start server: %s", err)
	}

	t.Cleanup(func() {
		srv.StopServer()
		srv.WaitForTermination()
	})

	cfg = Config{Host: "127.0.0.1", Port: strconv.Itoa(srv.ServerPort())}
	return
}

func testClient(t *testing.T, cfg Config) (cc ClockClient, r *recorder) {
	l := lane.NewTestingLane(context.Background())
	r = &recorder{}
	cc = NewClockClient(l, cfg, r)
	if !cc.Open() {
		t.Fatalf("can't open %s:%s", cfg.Host, cfg.Port)
	}
	t.Cleanup(cc.Close)
	return
}

func pollUntil(t *testing.T, cc ClockClient, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the client")
		}
		if err := cc.PollIO(); err != nil {
			t.Fatalf("poll: %s", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pollFor(t *testing.T, cc ClockClient, d time.Duration) {
	t.Helper()

	end := time.Now().Add(d)
	for time.Now().Before(end) {
		if err := cc.PollIO(); err != nil {
			t.Fatalf("poll: %s", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// pollForError polls until PollIO reports the error that closed the
// connection.
func pollForError(t *testing.T, cc ClockClient) error {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := cc.PollIO(); err != nil {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a poll error")
	return nil
}

func TestGetTime(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	before := time.Now()
	if err := cc.GetTime(); err != nil {
		t.Fatal(err)
	}
	if !cc.IsCallInProgress(KindGetTime) {
		t.Error("get time should be in progress")
	}
	if err := cc.GetTime(); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("expected call in progress, got %v", err)
	}

	pollUntil(t, cc, func() bool { return len(r.times) > 0 })
	pollFor(t, cc, 20*time.Millisecond)

	if len(r.times) != 1 || r.timeErrs[0] != nil {
		t.Fatalf("expected one result, got %v %v", r.times, r.timeErrs)
	}
	if r.times[0].Before(before.Add(-time.Second)) || r.times[0].After(time.Now().Add(time.Second)) {
		t.Errorf("implausible service time %s", r.times[0])
	}
	if cc.IsCallInProgress(KindGetTime) || cc.PendingRequests() != 0 {
		t.Error("request still pending")
	}

	// a new time request is allowed once the first completes
	if err := cc.GetTime(); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, cc, func() bool { return len(r.times) == 2 })
}

func TestClockScenario(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	if err := cc.GetTime(); err != nil {
		t.Fatal(err)
	}
	if err := cc.SetTickInterval(40 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := cc.SetAlarm("stopClient", 300*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if cc.PendingRequests() != 3 {
		t.Errorf("expected 3 pending requests, got %d", cc.PendingRequests())
	}

	pollUntil(t, cc, func() bool { return len(r.alarmIds) == 1 })
	id := r.alarmIds[0]
	if r.alarmErrs[0] != nil || id == 0 {
		t.Fatalf("set alarm failed: %d %v", id, r.alarmErrs[0])
	}

	a, exists := cc.Alarm(id)
	if !exists || a.Tag != "stopClient" || a.FireAfter != 300*time.Millisecond {
		t.Fatalf("alarm not registered: %+v %v", a, exists)
	}

	pollUntil(t, cc, func() bool { return len(r.alarms) > 0 })

	if len(r.times) != 1 {
		t.Errorf("expected one time result, got %d", len(r.times))
	}
	if len(r.tickAcks) != 1 || r.tickAcks[0] != nil {
		t.Errorf("unexpected tick acks %v", r.tickAcks)
	}
	if len(r.ticks) < 2 {
		t.Errorf("expected at least 2 ticks before the alarm, got %d", len(r.ticks))
	}
	for i := 1; i < len(r.ticks); i++ {
		if r.ticks[i].Before(r.ticks[i-1]) {
			t.Errorf("tick %d is out of order", i)
		}
	}
	if len(r.alarms) != 1 || r.alarms[0].id != id || r.alarms[0].tag != "stopClient" {
		t.Errorf("unexpected alarm events %+v", r.alarms)
	}
	if len(cc.PendingAlarms()) != 0 {
		t.Error("fired alarm still registered")
	}
}

func TestTickLastWriteWins(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	if err := cc.SetTickInterval(time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := cc.SetTickInterval(20 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if cc.TickInterval() != 20*time.Millisecond {
		t.Fatalf("tick interval %s", cc.TickInterval())
	}

	pollUntil(t, cc, func() bool { return len(r.ticks) >= 3 })

	if err := cc.SetTickInterval(0); err != nil {
		t.Fatal(err)
	}
	if cc.TickInterval() != 0 {
		t.Fatalf("tick interval %s after cancel", cc.TickInterval())
	}

	pollUntil(t, cc, func() bool { return len(r.tickAcks) == 3 })
	ticks := len(r.ticks)

	pollFor(t, cc, 100*time.Millisecond)
	if len(r.ticks) != ticks {
		t.Errorf("%d ticks arrived after cancel", len(r.ticks)-ticks)
	}
}

func TestNegativeTickIntervalCancels(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	if err := cc.SetTickInterval(-time.Second); err != nil {
		t.Fatal(err)
	}
	if cc.TickInterval() != 0 {
		t.Errorf("tick interval %s", cc.TickInterval())
	}
	pollUntil(t, cc, func() bool { return len(r.tickAcks) == 1 })
	if r.tickAcks[0] != nil {
		t.Error(r.tickAcks[0])
	}
}

func TestSetAlarmValidation(t *testing.T) {
	_, cfg := testServer(t)
	cc, _ := testClient(t, cfg)

	if err := cc.SetAlarm("bad", -time.Millisecond); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("expected invalid duration, got %v", err)
	}
	if cc.PendingRequests() != 0 {
		t.Error("invalid request was issued")
	}
}

func TestZeroDelayAlarm(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	if err := cc.SetAlarm("now", 0); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, cc, func() bool { return len(r.alarms) == 1 })

	if len(r.alarmIds) != 1 || r.alarms[0].id != r.alarmIds[0] {
		t.Errorf("alarm result %v and event %+v disagree", r.alarmIds, r.alarms)
	}
}

func TestAlarmsByTag(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	for _, tag := range []string{"a", "b", "a"} {
		if err := cc.SetAlarm(tag, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	if !cc.IsCallInProgress(KindSetAlarm) {
		t.Error("set alarm should be in progress")
	}

	pollUntil(t, cc, func() bool { return len(r.alarmIds) == 3 })

	if len(cc.AlarmsByTag("a")) != 2 || len(cc.AlarmsByTag("b")) != 1 || len(cc.AlarmsByTag("c")) != 0 {
		t.Error("unexpected tag lookup")
	}

	all := cc.PendingAlarms()
	if len(all) != 3 {
		t.Fatalf("expected 3 alarms, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Id <= all[i-1].Id {
			t.Error("alarms not ordered by id")
		}
	}
}

func TestAlarmIdsUniqueAcrossClients(t *testing.T) {
	_, cfg := testServer(t)
	cc1, r1 := testClient(t, cfg)
	cc2, r2 := testClient(t, cfg)

	if err := cc1.SetAlarm("one", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := cc2.SetAlarm("two", time.Hour); err != nil {
		t.Fatal(err)
	}

	pollUntil(t, cc1, func() bool { return len(r1.alarmIds) == 1 })
	pollUntil(t, cc2, func() bool { return len(r2.alarmIds) == 1 })

	if r1.alarmIds[0] == 0 || r2.alarmIds[0] == 0 || r1.alarmIds[0] == r2.alarmIds[0] {
		t.Errorf("alarm ids %d and %d", r1.alarmIds[0], r2.alarmIds[0])
	}
}

func TestRequestsRequireOpen(t *testing.T) {
	l := lane.NewTestingLane(context.Background())
	r := &recorder{}
	cc := NewClockClient(l, Config{Host: "127.0.0.1"}, r)

	if cc.IsOpen() {
		t.Fatal("new client is open")
	}
	if err := cc.GetTime(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("get time: %v", err)
	}
	if err := cc.SetTickInterval(time.Second); !errors.Is(err, ErrNotOpen) {
		t.Errorf("set tick: %v", err)
	}
	if err := cc.SetAlarm("x", time.Second); !errors.Is(err, ErrNotOpen) {
		t.Errorf("set alarm: %v", err)
	}
	if err := cc.CloseService("x"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("close service: %v", err)
	}
	if err := cc.PollIO(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("poll: %v", err)
	}
	if cc.RemoteAddr() != "" {
		t.Error("closed client has a remote address")
	}

	var se *StateError
	if err := cc.GetTime(); !errors.As(err, &se) || IsFatal(err) {
		t.Errorf("expected a non-fatal StateError, got %v", err)
	}
}

func TestOpenFailure(t *testing.T) {
	// find a port nobody listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	l := lane.NewTestingLane(context.Background())
	cc := NewClockClient(l, Config{Host: "127.0.0.1", Port: port, DialTimeout: time.Second}, nil)

	if cc.Open() {
		t.Fatal("open should fail")
	}
	if cc.IsOpen() {
		t.Error("failed client is open")
	}

	err = cc.Connect(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Op != "open" {
		t.Errorf("expected an open ConnectionError, got %v", err)
	}
}

func TestOpenTwice(t *testing.T) {
	_, cfg := testServer(t)
	cc, _ := testClient(t, cfg)

	if cc.Open() {
		t.Error("second open should fail")
	}
	if err := cc.Connect(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("expected already open, got %v", err)
	}
	if !cc.IsOpen() {
		t.Error("the first connection was lost")
	}
	if cc.RemoteAddr() == "" {
		t.Error("no remote address")
	}
}

func TestCloseDiscardsState(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	if err := cc.SetTickInterval(10 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := cc.SetAlarm("never", 0); err != nil {
		t.Fatal(err)
	}
	if err := cc.GetTime(); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	cc.Close()

	if cc.IsOpen() || cc.PendingRequests() != 0 || cc.TickInterval() != 0 || len(cc.PendingAlarms()) != 0 {
		t.Error("state survived close")
	}
	if err := cc.PollIO(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("poll after close: %v", err)
	}
	if len(r.times)+len(r.tickAcks)+len(r.alarmIds)+len(r.ticks)+len(r.alarms) != 0 {
		t.Error("callbacks fired after close")
	}

	// idempotent
	cc.Close()
}

func TestReopenAfterClose(t *testing.T) {
	_, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	cc.Close()
	if !cc.Open() {
		t.Fatal("reopen failed")
	}
	if err := cc.GetTime(); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, cc, func() bool { return len(r.times) == 1 })
}

func TestCallbackIssuesRequests(t *testing.T) {
	_, cfg := testServer(t)

	l := lane.NewTestingLane(context.Background())
	results := 0
	var cc ClockClient
	cc = NewClockClient(l, cfg, &ClockHandlerFuncs{
		GetTimeResult: func(result time.Time, err error) {
			results++
			if results < 3 {
				if err := cc.GetTime(); err != nil {
					t.Errorf("get time from callback: %s", err)
				}
			}
		},
	})
	if !cc.Open() {
		t.Fatal("open failed")
	}
	defer cc.Close()

	if err := cc.GetTime(); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, cc, func() bool { return results == 3 })
}

func TestCloseFromCallback(t *testing.T) {
	_, cfg := testServer(t)

	l := lane.NewTestingLane(context.Background())
	ticks := 0
	var cc ClockClient
	cc = NewClockClient(l, cfg, &ClockHandlerFuncs{
		TickEvent: func(tickTime time.Time) {
			ticks++
			cc.Close()
		},
	})
	if !cc.Open() {
		t.Fatal("open failed")
	}

	if err := cc.SetTickInterval(5 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for cc.IsOpen() && time.Now().Before(deadline) {
		if err := cc.PollIO(); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if ticks != 1 {
		t.Errorf("expected exactly one tick before close, got %d", ticks)
	}
}

func TestCloseService(t *testing.T) {
	srv, cfg := testServer(t)
	cc, r := testClient(t, cfg)

	if err := cc.CloseService("test done"); err != nil {
		t.Fatal(err)
	}
	if err := cc.CloseService("again"); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("expected call in progress, got %v", err)
	}

	// the response and the disconnect can arrive in the same poll
	err := pollForError(t, cc)
	var ce *ConnectionError
	if !errors.As(err, &ce) || !IsFatal(err) {
		t.Errorf("expected a ConnectionError, got %v", err)
	}

	if len(r.closeCodes) != 1 || r.closeCodes[0] != 0 || r.closeErrs[0] != nil {
		t.Errorf("close service result %v %v", r.closeCodes, r.closeErrs)
	}
	if cc.IsOpen() {
		t.Error("client still open after the service closed")
	}
	if err = cc.PollIO(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("poll after fatal error: %v", err)
	}

	terminated := make(chan struct{})
	go func() {
		srv.WaitForTermination()
		close(terminated)
	}()
	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestConcurrentPollRejected(t *testing.T) {
	_, cfg := testServer(t)
	cc, _ := testClient(t, cfg)

	impl := cc.(*clockClient)
	impl.polling.Store(true)
	if err := cc.PollIO(); !errors.Is(err, ErrConcurrentPoll) {
		t.Errorf("expected concurrent poll, got %v", err)
	}
	impl.polling.Store(false)
	if err := cc.PollIO(); err != nil {
		t.Error(err)
	}
}

func TestClientMetrics(t *testing.T) {
	_, cfg := testServer(t)
	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	cc, r := testClient(t, cfg)

	if err := cc.GetTime(); err != nil {
		t.Fatal(err)
	}
	pollUntil(t, cc, func() bool { return len(r.times) == 1 })

	m := cc.(*clockClient).metrics
	if v := testutil.ToFloat64(m.framesSent.WithLabelValues("time-request")); v != 1 {
		t.Errorf("frames sent %f", v)
	}
	if v := testutil.ToFloat64(m.framesReceived.WithLabelValues("time-response")); v != 1 {
		t.Errorf("frames received %f", v)
	}

	// a second client on the same registry shares the collectors
	cc2, _ := testClient(t, cfg)
	if cc2.(*clockClient).metrics.framesSent != m.framesSent {
		t.Error("collectors not shared")
	}
}
