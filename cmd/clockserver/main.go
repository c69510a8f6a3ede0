package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	clock "github.com/jimsnab/go-clock-client"
	"github.com/jimsnab/go-cmdline"
	"github.com/jimsnab/go-lane"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"
)

const defaultPort = 4321

type (
	mainEngine struct {
		mu            sync.Mutex
		args          cmdline.Values
		l             lane.Lane
		srv           clock.ClockServer
		advertisement *clock.Advertisement
		metricsServer *http.Server
		termState     *term.State
		terminating   bool
	}
)

func main() {
	cl := cmdline.NewCommandLine()

	cl.RegisterCommand(
		mainHandler,
		"~?Runs the clock service.",
		"[--trace]?Enable trace logging",
		"[--port <int-port>]?Specify the TCP port to listen on. The default is 4321.",
		"[--endpoint <string-interface>]?Specify the network interface to listen on. The default is all network interfaces.",
		"[--advertise <string-name>]?Advertise the service on the local network via mDNS under <name>.",
		"[--metrics <string-metricsaddr>]?Serve Prometheus metrics at http://<metricsaddr>/metrics.",
	)

	args := os.Args[1:] // exclude executable name in os.Args[0]
	err := cl.Process(args)
	if err != nil {
		cl.Help(err, "clockserver", args)
	}
}

func mainHandler(args cmdline.Values) error {
	eng := mainEngine{args: args}

	if err := eng.start(); err != nil {
		return err
	}
	eng.srv.WaitForTermination()
	eng.cleanup()

	return nil
}

func (eng *mainEngine) start() error {
	eng.l = lane.NewLogLane(context.Background())

	isTrace := eng.args["--trace"].(bool)
	if !isTrace {
		eng.l.SetLogLevel(lane.LogLevelInfo)
	}

	port := defaultPort
	if eng.args["--port"].(bool) {
		port = eng.args["port"].(int)
	}

	iface := eng.args["interface"].(string)

	var reg *prometheus.Registry
	if eng.args["--metrics"].(bool) {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
	}

	// a nil *prometheus.Registry must not become a non-nil Registerer
	if reg != nil {
		eng.srv = clock.NewClockServer(eng.l, reg)
	} else {
		eng.srv = clock.NewClockServer(eng.l, nil)
	}
	if err := eng.srv.StartServer(iface, port); err != nil {
		return err
	}

	if reg != nil {
		eng.serveMetrics(eng.args["metricsaddr"].(string), reg)
	}

	if eng.args["--advertise"].(bool) {
		adv, err := clock.AdvertiseClockService(eng.l, eng.args["name"].(string), eng.srv.ServerPort())
		if err != nil {
			eng.l.Errorf("mdns advertisement failed: %s", err)
		} else {
			eng.advertisement = adv
		}
	}

	fmt.Printf("\n\nClock service is now running on %s\n\nPress any key to quit\n\n", eng.srv.ServerAddr())

	// launch termination monitors
	eng.killSignalMonitor()
	eng.exitKeyMonitor()
	return nil
}

func (eng *mainEngine) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	eng.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		eng.l.Infof("serving metrics at http://%s/metrics", addr)
		if err := eng.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			eng.l.Errorf("metrics server: %s", err)
		}
	}()
}

func (eng *mainEngine) startTermination() {
	// ensure only one termination
	eng.mu.Lock()
	isTerminating := eng.terminating
	eng.terminating = true
	eng.mu.Unlock()

	if isTerminating {
		return
	}

	if err := eng.srv.StopServer(); err != nil {
		eng.l.Debugf("stop server: %s", err)
	}
}

func (eng *mainEngine) cleanup() {
	// the service can also be stopped by a client, so the terminal is
	// restored here rather than by the key monitor
	if eng.termState != nil {
		term.Restore(int(os.Stdin.Fd()), eng.termState)
	}

	if eng.advertisement != nil {
		if err := eng.advertisement.Shutdown(); err != nil {
			eng.l.Debugf("mdns shutdown: %s", err)
		}
	}

	if eng.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := eng.metricsServer.Shutdown(ctx); err != nil {
			eng.l.Debugf("metrics server shutdown: %s", err)
		}
	}
}

func (eng *mainEngine) killSignalMonitor() {
	// register a graceful termination handler
	sigs := make(chan os.Signal, 10)
	signal.Notify(sigs, os.Interrupt)

	go func() {
		sig := <-sigs
		eng.l.Infof("termination %s signaled for %s", sig, eng.srv.ServerAddr())
		eng.startTermination()
	}()
}

func (eng *mainEngine) exitKeyMonitor() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		eng.l.Debugf("stdin is not a terminal, exit key disabled")
		return
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Println(err)
		return
	}
	eng.termState = oldState

	// Start a go routine to detect a keypress. Upon termination
	// triggered another way, this goroutine will leak. Go does
	// not give a reasonable way to cancel a blocking I/O call.
	go func() {
		b := make([]byte, 1)
		_, err := os.Stdin.Read(b)
		if err == nil {
			eng.startTermination()
		}
	}()
}
