package clock_client

import (
	"sync"
	"time"

	"github.com/jimsnab/go-lane"
)

type (
	// serviceState holds the clock state of one client connection: its tick
	// subscription and its armed alarms. Timers write events from their own
	// goroutines, so the state is guarded by mu.
	serviceState struct {
		l            lane.Lane
		mu           sync.Mutex
		client       serviceClient
		disp         *serviceDispatcher
		metrics      *serverMetrics
		tickInterval time.Duration
		tickStop     chan struct{}
		alarms       map[AlarmId]*time.Timer
		stopped      bool
	}
)

func newServiceState(l lane.Lane, client serviceClient, disp *serviceDispatcher, metrics *serverMetrics) *serviceState {
	return &serviceState{
		l:       l,
		client:  client,
		disp:    disp,
		metrics: metrics,
		alarms:  map[AlarmId]*time.Timer{},
	}
}

func (cs *serviceState) dispatch(req *frame) (response *frame, after func()) {
	return cs.disp.dispatchHandler(cs.l, cs, req)
}

// setTickInterval replaces the tick subscription. An interval <= 0 leaves
// the connection without ticks.
func (cs *serviceState) setTickInterval(interval time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.tickStop != nil {
		close(cs.tickStop)
		cs.tickStop = nil
	}

	if interval <= 0 || cs.stopped {
		cs.tickInterval = 0
		cs.l.Tracef("ticking stopped")
		return
	}

	cs.tickInterval = interval
	cs.tickStop = make(chan struct{})
	go cs.runTicker(interval, cs.tickStop)
	cs.l.Tracef("ticking every %s", interval)
}

func (cs *serviceState) runTicker(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if !cs.sendTick(now, stop) {
				return
			}
		}
	}
}

// sendTick writes a tick event unless the ticker identified by stop has
// been replaced. Holding mu orders every tick ahead of the response that
// replaces the subscription.
func (cs *serviceState) sendTick(now time.Time, stop chan struct{}) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.tickStop != stop {
		return false
	}

	if err := cs.client.writeFrame(&frame{kind: ftTickEvent, when: now}); err != nil {
		cs.l.Debugf("tick write error: %s", err)
		return false
	}
	cs.metrics.tickSent()
	return true
}

// armAlarm schedules the alarm event for id.
func (cs *serviceState) armAlarm(id AlarmId, tag string, fireAfter time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.stopped {
		return
	}

	cs.alarms[id] = time.AfterFunc(fireAfter, func() {
		cs.fireAlarm(id, tag)
	})
	cs.metrics.alarmArmed()
	cs.l.Tracef("alarm %d armed with tag %q for %s", id, tag, fireAfter)
}

func (cs *serviceState) fireAlarm(id AlarmId, tag string) {
	cs.mu.Lock()
	_, armed := cs.alarms[id]
	delete(cs.alarms, id)
	cs.mu.Unlock()

	if !armed {
		return
	}

	if err := cs.client.writeFrame(&frame{kind: ftAlarmEvent, alarmId: id, text: tag}); err != nil {
		cs.l.Debugf("alarm %d write error: %s", id, err)
		return
	}
	cs.metrics.alarmFired()
	cs.l.Tracef("alarm %d fired", id)
}

func (cs *serviceState) armedAlarms() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.alarms)
}

// stop cancels the ticker and every unfired alarm. Alarms are not carried
// over to another connection.
func (cs *serviceState) stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.stopped = true
	if cs.tickStop != nil {
		close(cs.tickStop)
		cs.tickStop = nil
	}
	cs.tickInterval = 0

	for id, timer := range cs.alarms {
		timer.Stop()
		delete(cs.alarms, id)
	}
}
