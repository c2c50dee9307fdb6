// Package mdns advertises analyzer telemetry bridges on the local network
// and finds them again.
package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"

	"github.com/rjboer/GoInspect/internal/logging"
)

// Service is the DNS-SD service type of an analyzer bridge.
const Service = "_goinspect._tcp"

const domain = "local."

// Host represents a discovered analyzer.
type Host struct {
	Instance  string // Advertised name: "goinspect on bench"
	Hostname  string // DNS hostname: "bench.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// TXTValue returns the value of key=value in the TXT record, if present.
func (h Host) TXTValue(key string) (string, bool) {
	for _, kv := range h.TXT {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// registerFunc matches zeroconf.Register; tests swap it out.
type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Advertiser keeps one service registration alive.
type Advertiser struct {
	Instance string
	Port     int
	TXT      []string
	Logger   logging.Logger
	// MaxElapsed bounds the registration retries. Zero retries for a minute.
	MaxElapsed time.Duration

	register registerFunc
}

// Advertise registers instance on port until ctx ends. Registration is
// retried with exponential backoff while the network is not ready.
func Advertise(ctx context.Context, instance string, port int, txt []string, logger logging.Logger) error {
	a := &Advertiser{Instance: instance, Port: port, TXT: txt, Logger: logger}
	return a.Run(ctx)
}

// Run blocks until ctx ends or registration gives up.
func (a *Advertiser) Run(ctx context.Context) error {
	logger := a.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With(logging.F("subsystem", "mdns"))
	register := a.register
	if register == nil {
		register = zeroconf.Register
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = time.Minute
	if a.MaxElapsed > 0 {
		policy.MaxElapsedTime = a.MaxElapsed
	}

	var server *zeroconf.Server
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		s, err := register(a.Instance, Service, domain, a.Port, a.TXT, nil)
		if err != nil {
			logger.Warn("mdns register failed", logging.F("attempt", attempt), logging.F("err", err))
			return err
		}
		server = s
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("mdns register %q: %w", a.Instance, err)
	}

	logger.Info("mdns advertising",
		logging.F("instance", a.Instance),
		logging.F("service", Service),
		logging.F("port", a.Port))
	<-ctx.Done()
	if server != nil {
		server.Shutdown()
	}
	return nil
}

// Discover performs a blocking browse for analyzer bridges. It returns
// cleaned and deduplicated hosts sorted by instance name.
func Discover(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan []Host, 1)
	go func() {
		results <- collect(ctx, entries)
	}()

	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		cancel()
		<-results
		return nil, fmt.Errorf("browse error: %w", err)
	}
	return <-results, nil
}

// collect folds entries into hosts until the channel closes or ctx ends.
func collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) []Host {
	byKey := make(map[string]Host)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return sortedHosts(byKey)
			}
			if e == nil {
				continue
			}
			h := hostFromEntry(e)
			byKey[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
		case <-ctx.Done():
			return sortedHosts(byKey)
		}
	}
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func sortedHosts(m map[string]Host) []Host {
	out := make([]Host, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
