package mdns

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoInspect/internal/logging"
)

func TestAdvertiserRetriesUntilRegistered(t *testing.T) {
	var calls atomic.Int32
	registered := make(chan struct{})
	a := &Advertiser{
		Instance: "goinspect on bench",
		Port:     8080,
		TXT:      []string{"session=abc"},
		Logger:   logging.Discard(),
		register: func(instance, service, dom string, port int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
			assert.Equal(t, Service, service)
			assert.Equal(t, 8080, port)
			if calls.Add(1) < 3 {
				return nil, errors.New("no multicast interface")
			}
			close(registered)
			return nil, nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-registered:
	case <-time.After(10 * time.Second):
		t.Fatal("advertiser never registered")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAdvertiserGivesUp(t *testing.T) {
	a := &Advertiser{
		Instance:   "x",
		Logger:     logging.Discard(),
		MaxElapsed: 300 * time.Millisecond,
		register: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("denied")
		},
	}
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestCollectDeduplicates(t *testing.T) {
	entries := make(chan *zeroconf.ServiceEntry, 4)
	mk := func(instance, host string, port int) *zeroconf.ServiceEntry {
		e := zeroconf.NewServiceEntry(instance, Service, domain)
		e.HostName = host
		e.Port = port
		e.Text = []string{"session=1", "rate=48000"}
		e.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 10)}
		return e
	}
	entries <- mk(`goinspect\ on\ b`, "b.local.", 9000)
	entries <- mk(`goinspect\ on\ a`, "a.local.", 9000)
	entries <- mk(`goinspect\ on\ b`, "b.local.", 9000)
	entries <- nil
	close(entries)

	hosts := collect(context.Background(), entries)
	require.Len(t, hosts, 2)
	assert.Equal(t, "goinspect on a", hosts[0].Instance)
	assert.Equal(t, "goinspect on b", hosts[1].Instance)
	v, ok := hosts[0].TXTValue("rate")
	assert.True(t, ok)
	assert.Equal(t, "48000", v)
	_, ok = hosts[0].TXTValue("missing")
	assert.False(t, ok)
}
