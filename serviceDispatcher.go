package clock_client

import (
	"errors"
	"fmt"

	"github.com/jimsnab/go-lane"
)

type (
	// requestContext carries one request through its handler. A handler
	// fills in response, and may set after to run once the response has
	// been written.
	requestContext struct {
		l        lane.Lane
		sd       *serviceDispatcher
		cs       *serviceState
		req      *frame
		response *frame
		after    func()
	}

	requestHandler func(ctx *requestContext) error

	serviceDispatcher struct {
		eng      *mainEngine
		handlers map[frameType]requestHandler
	}
)

var errNegativeDuration = errors.New("alarm duration must not be negative")

func newServiceDispatcher(eng *mainEngine) *serviceDispatcher {
	sd := &serviceDispatcher{
		eng: eng,
		handlers: map[frameType]requestHandler{
			ftTimeRequest:         fnGetTime,
			ftSetTickRequest:      fnSetTickInterval,
			ftSetAlarmRequest:     fnSetAlarm,
			ftCloseServiceRequest: fnCloseService,
		},
	}
	return sd
}

// dispatchHandler runs the handler for req. A handler error, or a frame
// that is not a request, is answered with an error-response carrying the
// request token.
func (sd *serviceDispatcher) dispatchHandler(l lane.Lane, cs *serviceState, req *frame) (response *frame, after func()) {
	ctx := &requestContext{
		l:   l,
		sd:  sd,
		cs:  cs,
		req: req,
	}

	l.Tracef("request: %s token %d", req.kind, req.token)
	sd.eng.metrics.request(req.kind)

	var err error
	handler, exists := sd.handlers[req.kind]
	if !exists {
		err = fmt.Errorf("unsupported request %s", req.kind)
	} else {
		err = handler(ctx)
	}

	if err != nil {
		l.Debugf("request %s token %d failed: %s", req.kind, req.token, err)
		return &frame{kind: ftErrorResponse, token: req.token, text: err.Error()}, nil
	}

	ctx.response.token = req.token
	l.Tracef("response: %s token %d", ctx.response.kind, ctx.response.token)
	return ctx.response, ctx.after
}

func fnGetTime(ctx *requestContext) (err error) {
	ctx.response = &frame{kind: ftTimeResponse, when: ctx.cs.client.ServerNow()}
	return
}

func fnSetTickInterval(ctx *requestContext) (err error) {
	// ticks of the replaced subscription all precede the acknowledgment
	ctx.cs.setTickInterval(ctx.req.interval)
	ctx.response = &frame{kind: ftSetTickResponse}
	return
}

func fnSetAlarm(ctx *requestContext) (err error) {
	if ctx.req.interval < 0 {
		err = errNegativeDuration
		return
	}

	id := ctx.sd.eng.nextAlarmId()
	tag := ctx.req.text
	fireAfter := ctx.req.interval

	ctx.response = &frame{kind: ftSetAlarmResponse, alarmId: id}
	ctx.after = func() {
		ctx.cs.armAlarm(id, tag, fireAfter)
		ctx.l.Tracef("%d alarms armed for %s", ctx.cs.armedAlarms(), ctx.cs.client.ClientAddr())
	}
	return
}

func fnCloseService(ctx *requestContext) (err error) {
	ctx.l.Infof("close service requested by %s: %q", ctx.cs.client.ClientAddr(), ctx.req.text)
	ctx.response = &frame{kind: ftCloseServiceResponse, code: 0}
	ctx.after = func() {
		if stopErr := ctx.sd.eng.StopServer(); stopErr != nil {
			ctx.l.Debugf("stop server: %s", stopErr)
		}
	}
	return
}
