// Package discovery optionally advertises a remote listener's control
// socket over mDNS via github.com/brutella/dnssd, supplementing (not
// replacing) the Remote Client Wrapper's explicit connect handshake
// (spec §4.7): discovery of this server by address is ambient
// convenience, distinct from the Non-goal of device hotplug policy
// (spec §1).
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
)

// Advertiser publishes one service record for as long as it runs.
type Advertiser struct {
	responder dnssd.Responder
	handle    dnssd.ServiceHandle
	cancel    context.CancelFunc
	done      chan struct{}
}

// Advertise registers a service named instance of the given type (e.g.
// "_dspd._tcp") on port, reachable on all local addresses.
func Advertise(instance, serviceType string, port int) (*Advertiser, error) {
	cfg := dnssd.Config{
		Name: instance,
		Type: serviceType,
		Port: port,
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: new service: %w", err)
	}
	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: new responder: %w", err)
	}
	handle, err := responder.Add(service)
	if err != nil {
		return nil, fmt.Errorf("discovery: add service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Advertiser{responder: responder, handle: handle, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		_ = responder.Respond(ctx)
	}()
	return a, nil
}

// Stop cancels the responder goroutine and waits for it to exit.
func (a *Advertiser) Stop() {
	a.cancel()
	<-a.done
}
