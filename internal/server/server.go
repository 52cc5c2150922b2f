package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/dspdaemon/dspd/internal/asyncio"
	"github.com/dspdaemon/dspd/internal/config"
	"github.com/dspdaemon/dspd/internal/dspdlog"
	"github.com/dspdaemon/dspd/internal/remote/discovery"
)

// Server is the top-level dspd daemon: one set of configured device slots,
// shared across every remote listener it exposes, each listener accepting
// connections and handing them to a connHandler (spec §4.7's server side of
// the connect handshake).
type Server struct {
	cfg     *config.Config
	sink    *dspdlog.Sink
	log     *log.Logger
	devices []*deviceSlot
}

// New builds a Server from a parsed config and a ready logging sink.
func New(cfg *config.Config, sink *dspdlog.Sink) *Server {
	return &Server{
		cfg:     cfg,
		sink:    sink,
		log:     sink.For("server"),
		devices: newDeviceSlots(cfg.Devices),
	}
}

// Run starts every configured listener (and its optional mDNS
// advertisement) and blocks until ctx is canceled or any listener's accept
// loop fails, at which point every other listener is torn down too
// (grounded on the teacher's one-goroutine-per-accept-loop shape in
// src/server.go's server_connect_listen_thread, supervised here with
// golang.org/x/sync/errgroup rather than free-running goroutines).
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.cfg.Listeners {
		l := l
		g.Go(func() error { return s.runListener(ctx, l) })
	}
	return g.Wait()
}

func (s *Server) runListener(ctx context.Context, l config.Listener) error {
	listener, err := net.Listen(l.Network, l.Address)
	if err != nil {
		return fmt.Errorf("server: listen %s %s: %w", l.Network, l.Address, err)
	}
	defer listener.Close()

	if l.Network == "tcp" {
		if tl, ok := listener.(*net.TCPListener); ok {
			if f, err := tl.File(); err == nil {
				syscall.SetsockoptInt(int(f.Fd()), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				f.Close()
			}
		}
	}

	var adv *discovery.Advertiser
	if l.Advertise {
		name := l.ServiceName
		if name == "" {
			name = l.Name
		}
		port := 0
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
		adv, err = discovery.Advertise(name, "_dspd._tcp", port)
		if err != nil {
			s.log.With("listener", l.Name).Warn("mdns advertise failed", "err", err)
		} else {
			defer adv.Stop()
		}
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger := s.log.With("listener", l.Name)
	logger.Info("listening", "network", l.Network, "address", l.Address)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept on %s: %w", l.Name, err)
			}
		}
		h := newConnHandler(asyncio.NewSocketTransport(conn), s.devices, logger)
		go h.run()
	}
}
