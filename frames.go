package clock_client

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// frameHeaderSize is the big-endian uint32 length that precedes every frame.
	frameHeaderSize = 4

	// DefaultMaxFrameSize bounds the length field of an inbound frame.
	DefaultMaxFrameSize = 64 * 1024
)

// The frame types of the clock protocol. Requests and their responses are
// correlated by token; events carry no token.
const (
	ftTimeRequest          frameType = 0x01
	ftTimeResponse         frameType = 0x02
	ftSetTickRequest       frameType = 0x03
	ftSetTickResponse      frameType = 0x04
	ftSetAlarmRequest      frameType = 0x05
	ftSetAlarmResponse     frameType = 0x06
	ftCloseServiceRequest  frameType = 0x07
	ftCloseServiceResponse frameType = 0x08
	ftErrorResponse        frameType = 0x0E
	ftTickEvent            frameType = 0x10
	ftAlarmEvent           frameType = 0x11
)

type (
	frameType uint8

	// AlarmId is the opaque alarm identifier assigned by the clock service.
	AlarmId uint32

	// frame is one decoded protocol message. Only the fields used by its
	// type are meaningful:
	//
	//	time-response, tick-event:        when
	//	set-tick-request:                 interval
	//	set-alarm-request:                text (tag), interval (fire after)
	//	set-alarm-response:               alarmId
	//	alarm-event:                      alarmId, text (tag)
	//	close-service-request:            text (reason)
	//	close-service-response:           code
	//	error-response:                   text (message)
	frame struct {
		kind     frameType
		token    uint32
		when     time.Time
		interval time.Duration
		text     string
		alarmId  AlarmId
		code     int32
	}
)

func (ft frameType) String() string {
	switch ft {
	case ftTimeRequest:
		return "time-request"
	case ftTimeResponse:
		return "time-response"
	case ftSetTickRequest:
		return "set-tick-request"
	case ftSetTickResponse:
		return "set-tick-response"
	case ftSetAlarmRequest:
		return "set-alarm-request"
	case ftSetAlarmResponse:
		return "set-alarm-response"
	case ftCloseServiceRequest:
		return "close-service-request"
	case ftCloseServiceResponse:
		return "close-service-response"
	case ftErrorResponse:
		return "error-response"
	case ftTickEvent:
		return "tick-event"
	case ftAlarmEvent:
		return "alarm-event"
	default:
		return fmt.Sprintf("unknown-0x%02X", uint8(ft))
	}
}

func (ft frameType) isRequest() bool {
	switch ft {
	case ftTimeRequest, ftSetTickRequest, ftSetAlarmRequest, ftCloseServiceRequest:
		return true
	}
	return false
}

func (ft frameType) isResponse() bool {
	switch ft {
	case ftTimeResponse, ftSetTickResponse, ftSetAlarmResponse, ftCloseServiceResponse, ftErrorResponse:
		return true
	}
	return false
}

func (ft frameType) isEvent() bool {
	return ft == ftTickEvent || ft == ftAlarmEvent
}

func (ft frameType) hasToken() bool {
	return ft.isRequest() || ft.isResponse()
}

// encodeFrame produces the wire bytes of f, including the length header.
func encodeFrame(f *frame) []byte {
	e := newEncoder()
	e.writeUint32(0) // length, patched below
	e.writeByte(byte(f.kind))

	if f.kind.hasToken() {
		e.writeUvarint(uint64(f.token))
	}

	switch f.kind {
	case ftTimeResponse, ftTickEvent:
		e.writeInt64(f.when.UnixNano())
	case ftSetTickRequest:
		e.writeInt64(int64(f.interval))
	case ftSetAlarmRequest:
		e.writeString(f.text)
		e.writeInt64(int64(f.interval))
	case ftSetAlarmResponse:
		e.writeUint32(uint32(f.alarmId))
	case ftAlarmEvent:
		e.writeUint32(uint32(f.alarmId))
		e.writeString(f.text)
	case ftCloseServiceRequest, ftErrorResponse:
		e.writeString(f.text)
	case ftCloseServiceResponse:
		e.writeInt32(f.code)
	}

	buf := e.bytes()
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-frameHeaderSize))
	return buf
}

// parseFrame decodes the first frame in buf. A zero length with a nil error
// means buf holds only part of a frame and more bytes are needed; nothing
// is consumed in that case.
func parseFrame(buf []byte, maxFrameSize int) (f *frame, length int, err error) {
	//
	// The stream format is:
	//
	// packetSize uint32 big endian
	// packet [packetSize]byte
	//
	// where packet is a one byte frame type followed by the type's body.
	//

	if len(buf) < frameHeaderSize {
		return
	}

	packetSize := binary.BigEndian.Uint32(buf)
	if packetSize == 0 {
		err = &ProtocolError{Reason: "empty frame"}
		return
	}
	if uint64(packetSize) > uint64(maxFrameSize) {
		err = &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit of %d", packetSize, maxFrameSize)}
		return
	}
	if len(buf)-frameHeaderSize < int(packetSize) {
		return
	}

	packet := buf[frameHeaderSize : frameHeaderSize+int(packetSize)]
	f = &frame{kind: frameType(packet[0])}
	if err = f.decodeBody(newDecoder(packet[1:])); err != nil {
		f = nil
		return
	}

	length = frameHeaderSize + int(packetSize)
	return
}

func (f *frame) decodeBody(d *decoder) (err error) {
	malformed := func(cause error) error {
		return &ProtocolError{Reason: "malformed frame body", Type: f.kind, Err: cause}
	}

	if !f.kind.isRequest() && !f.kind.isResponse() && !f.kind.isEvent() {
		return &ProtocolError{Reason: "unrecognized frame type", Type: f.kind}
	}

	if f.kind.hasToken() {
		var token uint64
		if token, err = d.readUvarint(); err != nil {
			return malformed(err)
		}
		if token > math.MaxUint32 {
			return malformed(errVarintOverflow)
		}
		f.token = uint32(token)
	}

	var n int64
	var u uint32

	switch f.kind {
	case ftTimeResponse, ftTickEvent:
		if n, err = d.readInt64(); err != nil {
			return malformed(err)
		}
		f.when = time.Unix(0, n)

	case ftSetTickRequest:
		if n, err = d.readInt64(); err != nil {
			return malformed(err)
		}
		f.interval = time.Duration(n)

	case ftSetAlarmRequest:
		if f.text, err = d.readString(); err != nil {
			return malformed(err)
		}
		if n, err = d.readInt64(); err != nil {
			return malformed(err)
		}
		f.interval = time.Duration(n)

	case ftSetAlarmResponse:
		if u, err = d.readUint32(); err != nil {
			return malformed(err)
		}
		f.alarmId = AlarmId(u)

	case ftAlarmEvent:
		if u, err = d.readUint32(); err != nil {
			return malformed(err)
		}
		f.alarmId = AlarmId(u)
		if f.text, err = d.readString(); err != nil {
			return malformed(err)
		}

	case ftCloseServiceRequest, ftErrorResponse:
		if f.text, err = d.readString(); err != nil {
			return malformed(err)
		}

	case ftCloseServiceResponse:
		if f.code, err = d.readInt32(); err != nil {
			return malformed(err)
		}
	}

	if d.remaining() != 0 {
		return &ProtocolError{Reason: fmt.Sprintf("%d trailing bytes in frame", d.remaining()), Type: f.kind}
	}
	return nil
}

// decodeFrames decodes every complete frame at the front of buf and returns
// them with the unconsumed tail, which may hold a partial frame. On a
// protocol error the frames decoded before the bad one are still returned.
func decodeFrames(buf []byte, maxFrameSize int) (frames []*frame, remaining []byte, err error) {
	remaining = buf
	for {
		var f *frame
		var length int
		f, length, err = parseFrame(remaining, maxFrameSize)
		if err != nil || length == 0 {
			return
		}
		frames = append(frames, f)
		remaining = remaining[length:]
	}
}
