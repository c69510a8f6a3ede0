package clock_client

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// The kinds of request a client can issue.
const (
	KindGetTime RequestKind = iota + 1
	KindSetTickInterval
	KindSetAlarm
	KindCloseService
)

type (
	RequestKind int

	// pendingRequest is a request awaiting the response with its token.
	pendingRequest struct {
		kind      RequestKind
		token     uint32
		issued    time.Time
		tag       string
		fireAfter time.Duration
	}
)

func (rk RequestKind) String() string {
	switch rk {
	case KindGetTime:
		return "get-time"
	case KindSetTickInterval:
		return "set-tick-interval"
	case KindSetAlarm:
		return "set-alarm"
	case KindCloseService:
		return "close-service"
	default:
		return fmt.Sprintf("kind-%d", int(rk))
	}
}

// singleFlight reports whether at most one request of the kind may be in
// flight at a time.
func (rk RequestKind) singleFlight() bool {
	return rk == KindGetTime || rk == KindCloseService
}

func (rk RequestKind) responseType() frameType {
	switch rk {
	case KindGetTime:
		return ftTimeResponse
	case KindSetTickInterval:
		return ftSetTickResponse
	case KindSetAlarm:
		return ftSetAlarmResponse
	case KindCloseService:
		return ftCloseServiceResponse
	}
	return 0
}

func (cc *clockClient) GetTime() error {
	return cc.issue(&pendingRequest{kind: KindGetTime}, &frame{kind: ftTimeRequest})
}

func (cc *clockClient) SetTickInterval(interval time.Duration) error {
	if !cc.IsOpen() {
		return ErrNotOpen
	}

	if interval < 0 {
		interval = 0
	}

	if err := cc.issue(&pendingRequest{kind: KindSetTickInterval}, &frame{kind: ftSetTickRequest, interval: interval}); err != nil {
		return err
	}

	// last write wins, independent of when the acknowledgment arrives
	cc.tickInterval = interval
	if interval == 0 {
		cc.l.Tracef("tick subscription cancelled")
	} else {
		cc.l.Tracef("tick subscription set to %s", interval)
	}
	return nil
}

func (cc *clockClient) SetAlarm(tag string, fireAfter time.Duration) error {
	if fireAfter < 0 {
		return fmt.Errorf("set alarm %q: %w", tag, ErrInvalidDuration)
	}

	pr := &pendingRequest{kind: KindSetAlarm, tag: tag, fireAfter: fireAfter}
	return cc.issue(pr, &frame{kind: ftSetAlarmRequest, text: tag, interval: fireAfter})
}

func (cc *clockClient) CloseService(reason string) error {
	return cc.issue(&pendingRequest{kind: KindCloseService}, &frame{kind: ftCloseServiceRequest, text: reason})
}

func (cc *clockClient) IsCallInProgress(kind RequestKind) bool {
	for _, pr := range cc.pending {
		if pr.kind == kind {
			return true
		}
	}
	return false
}

func (cc *clockClient) PendingRequests() int {
	return len(cc.pending)
}

// nextToken allocates a correlation token that is not zero and not held
// by a pending request.
func (cc *clockClient) nextToken() uint32 {
	for {
		cc.lastToken++
		if cc.lastToken == 0 {
			continue
		}
		if _, inUse := cc.pending[cc.lastToken]; !inUse {
			return cc.lastToken
		}
	}
}

// issue registers the pending request and sends its frame. A frame over
// MaxFrameSize is refused with ErrFrameTooLarge and leaves no trace. A
// send failure closes the connection and is reported by the next PollIO,
// not here.
func (cc *clockClient) issue(pr *pendingRequest, f *frame) error {
	if !cc.IsOpen() {
		return ErrNotOpen
	}

	if pr.kind.singleFlight() && cc.IsCallInProgress(pr.kind) {
		return ErrCallInProgress
	}

	// sized with the widest token, so no token is spent on a rejected frame
	f.token = math.MaxUint32
	if size := len(encodeFrame(f)) - frameHeaderSize; size > cc.cfg.MaxFrameSize {
		return fmt.Errorf("%s request of %d bytes: %w", pr.kind, size, ErrFrameTooLarge)
	}

	pr.token = cc.nextToken()
	pr.issued = time.Now()
	f.token = pr.token
	cc.pending[pr.token] = pr

	cc.l.Tracef("sending %s request, token %d", pr.kind, pr.token)
	cc.metrics.frameSent(f.kind)
	if err := cc.cxn.send(encodeFrame(f)); err != nil {
		cc.fail(err)
	}
	return nil
}

// resolve matches a response frame to its pending request and invokes the
// result callback. A response nobody waits for is an anomaly: it is logged
// and dropped.
func (cc *clockClient) resolve(f *frame) {
	pr, exists := cc.pending[f.token]
	if !exists {
		cc.l.Debugf("anomaly: %s with token %d matches no pending request", f.kind, f.token)
		cc.metrics.anomaly("unmatched-token")
		return
	}

	if f.kind != ftErrorResponse && f.kind != pr.kind.responseType() {
		cc.l.Debugf("anomaly: %s with token %d answers a %s request", f.kind, f.token, pr.kind)
		cc.metrics.anomaly("kind-mismatch")
		return
	}

	delete(cc.pending, f.token)

	var err error
	if f.kind == ftErrorResponse {
		err = &ServiceError{Message: f.text}
		cc.l.Debugf("%s request %d failed: %s", pr.kind, pr.token, f.text)
	}

	cc.complete(pr, f, err)
}

// complete invokes the result callback of a finished request. f is nil
// when err is set.
func (cc *clockClient) complete(pr *pendingRequest, f *frame, err error) {
	switch pr.kind {
	case KindGetTime:
		var result time.Time
		if err == nil {
			result = f.when
		}
		cc.handler.OnGetTimeResult(result, err)

	case KindSetTickInterval:
		cc.handler.OnSetTickIntervalResult(err)

	case KindSetAlarm:
		var id AlarmId
		if err == nil {
			id = f.alarmId
			cc.alarms.add(Alarm{
				Id:        id,
				Tag:       pr.tag,
				FireAfter: pr.fireAfter,
				ArmedAt:   pr.issued,
			})
		}
		cc.handler.OnSetAlarmResult(id, err)

	case KindCloseService:
		var code int
		if err == nil {
			code = int(f.code)
		}
		cc.handler.OnCloseServiceResult(code, err)
	}
}

// expireRequests applies the optional timeout policy. Each expired request
// is removed and its callback receives ErrRequestTimeout, oldest first.
func (cc *clockClient) expireRequests(now time.Time) {
	if cc.cfg.RequestTimeout <= 0 || len(cc.pending) == 0 {
		return
	}

	var expired []*pendingRequest
	for _, pr := range cc.pending {
		if now.Sub(pr.issued) >= cc.cfg.RequestTimeout {
			expired = append(expired, pr)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].issued.Before(expired[j].issued)
	})

	cxn := cc.cxn
	for _, pr := range expired {
		if !cc.isCurrent(cxn) {
			return
		}
		delete(cc.pending, pr.token)
		cc.l.Debugf("%s request %d timed out after %s", pr.kind, pr.token, cc.cfg.RequestTimeout)
		cc.metrics.requestTimeout()
		cc.complete(pr, nil, ErrRequestTimeout)
	}
}
