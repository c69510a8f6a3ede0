package clock_client

import (
	"time"
)

type (
	serverCxnEvent struct {
		newState  cxnState
		eventData any
	}

	// serviceClient is the connection side of a serviceState: where its
	// responses and events are written.
	serviceClient interface {
		ClientInfo() []string
		RequestClose()
		IsCloseRequested() bool
		ServerAddr() string
		ClientAddr() string
		ServerNow() time.Time
		writeFrame(f *frame) error
	}
)
