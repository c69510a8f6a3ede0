package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	clock "github.com/jimsnab/go-clock-client"
	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
)

const (
	defaultHost     = "127.0.0.1"
	defaultTickMs   = 2000
	defaultStopSec  = 10
	pollInterval    = 100 * time.Millisecond
	stopAlarmTag    = "stopClient"
	closeWaitPolls  = 50
	timeFormat      = "15:04:05"
	closeReasonText = "client closed"
)

type (
	// demoHandler prints what the service sends, and finishes the demo when
	// the stop alarm fires.
	demoHandler struct {
		clock.BaseClockHandler
		l            lane.Lane
		client       clock.ClockClient
		stopAlarm    clock.AlarmId
		closeService bool
		finished     bool
	}
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~?Connects to the clock service, prints the time and the ticks, and finishes when the stop alarm fires.",
		"[--trace]?Enable trace logging",
		"[--host <string-host>]?The clock service host. The default is 127.0.0.1.",
		"[--port <int-port>]?The clock service port. The default is 4321.",
		"[--tick <int-tickms>]?The tick interval in milliseconds. The default is 2000.",
		"[--stop <int-stopsec>]?Seconds until the stop alarm fires. The default is 10.",
		"[--discover]?Find the clock service on the local network via mDNS instead of --host and --port.",
		"[--leave-running]?Don't ask the clock service to close when the client finishes.",
	)

	args := os.Args[1:] // exclude executable name in os.Args[0]
	err := cl.Process(args)
	if err != nil {
		cl.Help(err, "clockclient", args)
	}
}

func mainHandler(args cmdline.Values) error {
	l := lane.NewLogLane(context.Background())
	if !args["--trace"].(bool) {
		l.SetLogLevel(lane.LogLevelInfo)
	}

	cfg := clock.Config{Host: defaultHost, Port: clock.DefaultPort}
	if args["--host"].(bool) {
		cfg.Host = args["host"].(string)
	}
	if args["--port"].(bool) {
		cfg.Port = strconv.Itoa(args["port"].(int))
	}

	tick := time.Duration(defaultTickMs) * time.Millisecond
	if args["--tick"].(bool) {
		tick = time.Duration(args["tickms"].(int)) * time.Millisecond
	}

	stopAfter := time.Duration(defaultStopSec) * time.Second
	if args["--stop"].(bool) {
		stopAfter = time.Duration(args["stopsec"].(int)) * time.Second
	}

	if args["--discover"].(bool) {
		si, err := clock.DiscoverClockService(context.Background(), l, clock.DefaultDiscoveryTimeout)
		if err != nil {
			return err
		}
		cfg.Host = si.Host
		cfg.Port = strconv.Itoa(si.Port)
	}

	h := &demoHandler{l: l, closeService: !args["--leave-running"].(bool)}
	client := clock.NewClockClient(l, cfg, h)
	h.client = client

	if !client.Open() {
		return fmt.Errorf("could not connect to clock server at %s:%s", cfg.Host, cfg.Port)
	}
	defer client.Close()

	if err := client.GetTime(); err != nil {
		return err
	}
	if err := client.SetTickInterval(tick); err != nil {
		return err
	}
	if err := client.SetAlarm(stopAlarmTag, stopAfter); err != nil {
		return err
	}

	for !h.finished {
		time.Sleep(pollInterval)
		if err := client.PollIO(); err != nil {
			return err
		}
	}

	if h.closeService {
		h.shutdownService()
	}

	fmt.Println("finish client program now")
	return nil
}

// shutdownService asks the service to close and polls until it answers or
// drops the connection.
func (h *demoHandler) shutdownService() {
	if err := h.client.CloseService(closeReasonText); err != nil {
		h.l.Errorf("close_service error: %s", err)
		return
	}

	for i := 0; i < closeWaitPolls && h.client.IsCallInProgress(clock.KindCloseService); i++ {
		time.Sleep(pollInterval)
		if err := h.client.PollIO(); err != nil {
			h.l.Debugf("connection ended: %s", err)
			return
		}
	}
}

func (h *demoHandler) OnGetTimeResult(result time.Time, err error) {
	if err != nil {
		h.l.Errorf("get_time failed: %s", err)
		return
	}
	fmt.Println("Current time:", result.Format(timeFormat))
}

func (h *demoHandler) OnSetTickIntervalResult(err error) {
	if err != nil {
		h.l.Errorf("set_tick_interval failed: %s", err)
	}
}

func (h *demoHandler) OnSetAlarmResult(alarmId clock.AlarmId, err error) {
	if err != nil {
		h.l.Errorf("set_alarm failed: %s", err)
		h.finished = true
		return
	}
	h.stopAlarm = alarmId
	fmt.Printf("Alarm id %d is set\n", alarmId)
}

func (h *demoHandler) OnCloseServiceResult(code int, err error) {
	if err != nil {
		h.l.Errorf("close_service error: %s", err)
		return
	}
	if code != 0 {
		h.l.Errorf("close_service result: %d", code)
	}
}

func (h *demoHandler) OnTickEvent(tickTime time.Time) {
	fmt.Println("tick time:", tickTime.Format(timeFormat))
}

func (h *demoHandler) OnAlarmEvent(alarmId clock.AlarmId, tag string) {
	fmt.Printf("Alarm event, alarmId: %d, tag: %s\n", alarmId, tag)
	if alarmId == h.stopAlarm && tag == stopAlarmTag {
		h.finished = true
	}
}
