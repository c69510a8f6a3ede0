package clock_client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/jimsnab/go-lane"
)

const (
	// ClockServiceType is the mDNS service type of the clock service.
	ClockServiceType = "_clock._tcp"

	DefaultDiscoveryTimeout = 3 * time.Second
)

type (
	// ServiceInfo describes a clock service found by DiscoverClockService.
	ServiceInfo struct {
		Name string
		Host string
		Port int
	}

	// Advertisement is a running mDNS responder for a clock service.
	Advertisement struct {
		l      lane.Lane
		server *mdns.Server
	}
)

var ErrServiceNotFound = errors.New("no clock service found")

// AdvertiseClockService announces a clock service listening on port under
// the instance name until Shutdown is called.
func AdvertiseClockService(l lane.Lane, instance string, port int) (*Advertisement, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(instance, ClockServiceType, "", "", port, ips, []string{"proto=clock"})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns server: %w", err)
	}

	l.Infof("advertising %s as %q on port %d", ClockServiceType, instance, port)
	return &Advertisement{l: l, server: server}, nil
}

func (a *Advertisement) Shutdown() error {
	a.l.Tracef("stopping mdns advertisement")
	return a.server.Shutdown()
}

// DiscoverClockService browses the local network for a clock service and
// returns the first one that answers within timeout.
func DiscoverClockService(ctx context.Context, l lane.Lane, timeout time.Duration) (info ServiceInfo, err error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	entries := make(chan *mdns.ServiceEntry, 10)
	found := make(chan ServiceInfo, 1)

	go func() {
		for entry := range entries {
			si, usable := serviceInfoFromEntry(entry)
			if !usable {
				l.Debugf("ignoring mdns entry %s without an address", entry.Name)
				continue
			}
			l.Tracef("discovered %s at %s:%d", si.Name, si.Host, si.Port)
			select {
			case found <- si:
			default:
			}
		}
		close(found)
	}()

	params := &mdns.QueryParam{
		Service: ClockServiceType,
		Domain:  "local",
		Timeout: timeout,
		Entries: entries,
	}

	queryDone := make(chan error, 1)
	go func() {
		queryDone <- mdns.Query(params)
		close(entries)
	}()

	select {
	case <-ctx.Done():
		err = ctx.Err()
		return
	case si, ok := <-found:
		if ok {
			info = si
			l.Infof("using clock service %s at %s", si.Name, net.JoinHostPort(si.Host, strconv.Itoa(si.Port)))
			return
		}
	}

	if qerr := <-queryDone; qerr != nil {
		err = fmt.Errorf("mdns query: %w", qerr)
		return
	}
	err = ErrServiceNotFound
	return
}

func serviceInfoFromEntry(entry *mdns.ServiceEntry) (si ServiceInfo, usable bool) {
	si = ServiceInfo{Name: entry.Name, Port: entry.Port}
	switch {
	case entry.AddrV4 != nil:
		si.Host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		si.Host = entry.AddrV6.String()
	case entry.Host != "":
		si.Host = entry.Host
	default:
		return
	}
	usable = entry.Port != 0
	return
}

// localIPs returns the IPv4 addresses of the up, non-loopback interfaces.
func localIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
