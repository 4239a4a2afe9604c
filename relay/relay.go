// Package relay implements the core NAT relay: the ingress dispatcher
// that admits flows, the per-flow reactors that forward server-to-client
// traffic, and the reaper that expires idle flows.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"wgproxy/config"
	"wgproxy/conn"
	"wgproxy/flowtable"
	"wgproxy/handshake"
	"wgproxy/portpool"
	"wgproxy/tslog"
)

const (
	maxDatagramSize = 65535

	minReaperInterval = time.Second
	maxReaperInterval = 30 * time.Second
)

// stats holds the relay's in-memory counters. Every field is updated with
// atomic operations so it can be read by the reaper's periodic summary
// line while the dispatcher and reactors keep running.
type stats struct {
	admissions        atomic.Uint64
	supersessions     atomic.Uint64
	reaped            atomic.Uint64
	dropsNotHandshake atomic.Uint64
	dropsExhausted    atomic.Uint64
	dropsBindFailure  atomic.Uint64
}

// Service is the relay. A Service must be constructed with [New] and its
// Start method called exactly once before Stop.
type Service struct {
	cfg       config.Config
	logger    *tslog.Logger
	validator *handshake.Validator
	table     *flowtable.Table
	ports     *portpool.Pool

	clientConn *net.UDPConn

	stopCh chan struct{}  // closed by Stop; lets the reaper drain without the caller's ctx
	mwg    sync.WaitGroup // dispatcher + reaper
	wg     sync.WaitGroup // flow reactors

	stats stats
}

// New constructs a Service from cfg. It does not open any sockets; call
// Start to do so.
func New(cfg config.Config, logger *tslog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		logger:    logger,
		validator: handshake.New(cfg.PubKeys),
		table:     flowtable.New(),
		ports:     portpool.New(cfg.PortLo, cfg.PortHi),
		stopCh:    make(chan struct{}),
	}
}

// Start binds the client-facing socket and spawns the ingress dispatcher
// and reaper. It returns once the client-facing socket is bound; the
// dispatcher and reaper run in the background until Stop is called.
func (s *Service) Start(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to resolve listen address %q: %w", s.cfg.Listen, err)
	}
	clientConn, err := net.ListenUDP(laddr.Network(), laddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", s.cfg.Listen, err)
	}
	s.clientConn = clientConn

	s.logger.Info("Started relay",
		slog.String("listen", clientConn.LocalAddr().String()),
		tslog.AddrPort("server", s.cfg.Server),
		tslog.Uint("portRangeLo", s.cfg.PortLo),
		tslog.Uint("portRangeHi", s.cfg.PortHi),
		slog.Duration("timeout", s.cfg.Timeout),
	)

	s.mwg.Add(2)
	go func() {
		defer s.mwg.Done()
		s.dispatch(ctx)
	}()
	go func() {
		defer s.mwg.Done()
		s.reap()
	}()

	return nil
}

// Addr returns the bound address of the client-facing socket. It is only
// meaningful after Start has returned successfully.
func (s *Service) Addr() netip.AddrPort {
	return s.clientConn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// ActiveFlows reports the number of currently admitted flows.
func (s *Service) ActiveFlows() int {
	return s.table.Len()
}

// LeasedPorts reports the number of server-facing ports currently leased.
func (s *Service) LeasedPorts() int {
	return s.ports.Len()
}

// Stop drains the dispatcher, reaper, and every active flow reactor, then
// closes the client-facing socket. It blocks until every goroutine the
// Service spawned has exited. Stop is self-sufficient: it does not
// depend on the context passed to Start being cancelled.
func (s *Service) Stop() error {
	close(s.stopCh)
	if err := s.clientConn.SetReadDeadline(conn.ALongTimeAgo); err != nil {
		return fmt.Errorf("failed to SetReadDeadline on client-facing socket: %w", err)
	}
	s.mwg.Wait()

	for _, flow := range s.table.DrainAll() {
		flow.Cancel()
		s.ports.Release(flow.Port)
	}

	s.wg.Wait()

	if err := s.clientConn.Close(); err != nil {
		return fmt.Errorf("failed to close client-facing socket: %w", err)
	}
	s.logger.Info("Stopped relay")
	return nil
}

// dispatch is the ingress dispatcher (C5). It owns the client-facing
// socket exclusively.
func (s *Service) dispatch(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.clientConn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			s.logger.Warn("Failed to read from client-facing socket", tslog.Err(err))
			continue
		}
		payload := buf[:n]
		now := time.Now()

		// A handshake-initiation from a client that already has a flow is
		// not forwarded through that flow: it goes to admit, which
		// supersedes the existing flow.
		result := s.validator.Classify(payload)

		if flow := s.table.Get(src); flow != nil && !result.IsInitiation {
			s.table.Touch(src, now)
			if _, err := flow.ServerSock.Write(payload); err != nil {
				s.logger.Warn("Failed to forward datagram upstream",
					tslog.AddrPort("client", src),
					tslog.Err(err),
				)
			}
			continue
		}

		if !result.IsInitiation {
			s.stats.dropsNotHandshake.Add(1)
			continue
		}
		if result.Retransmit {
			s.logger.Debug("Retransmitted handshake", tslog.AddrPort("client", src))
		}

		s.admit(ctx, src, payload, now)
	}
}

// admit performs admission (spec §4.5 step 3) for a handshake-initiation
// from src. If src already has a flow, the new flow supersedes it.
func (s *Service) admit(ctx context.Context, src netip.AddrPort, payload []byte, now time.Time) {
	port, err := s.ports.Reserve()
	if err != nil {
		s.stats.dropsExhausted.Add(1)
		s.logger.Warn("Dropping handshake: port range exhausted",
			tslog.AddrPort("client", src),
			tslog.Err(err),
		)
		return
	}

	serverSock, err := s.dialUpstream(port)
	if err != nil {
		s.ports.Release(port)
		s.stats.dropsBindFailure.Add(1)
		s.logger.Warn("Dropping handshake: failed to create server-facing socket",
			tslog.AddrPort("client", src),
			tslog.Uint("port", port),
			tslog.Err(err),
		)
		return
	}

	flowCtx, cancel := context.WithCancel(ctx)
	flow := flowtable.NewFlow(src, serverSock, port, func() {
		cancel()
		_ = serverSock.SetReadDeadline(conn.ALongTimeAgo)
	}, now)

	if existing := s.table.Supersede(flow); existing != nil {
		existing.Cancel()
		s.ports.Release(existing.Port)
		s.stats.supersessions.Add(1)
		s.logger.Debug("Superseded existing flow", tslog.AddrPort("client", src))
	}
	s.stats.admissions.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.react(flowCtx, flow)
	}()

	if _, err := serverSock.Write(payload); err != nil {
		s.logger.Warn("Failed to forward initial handshake upstream",
			tslog.AddrPort("client", src),
			tslog.Err(err),
		)
	}

	s.logger.Info("Admitted new flow",
		tslog.AddrPort("client", src),
		tslog.Uint("port", port),
	)
}

// dialUpstream creates the server-facing socket for a newly admitted
// flow: bound to the given local port, connected to the configured
// upstream server endpoint.
func (s *Service) dialUpstream(port uint16) (*net.UDPConn, error) {
	laddr := &net.UDPAddr{Port: int(port)}
	raddr := net.UDPAddrFromAddrPort(s.cfg.Server)
	return net.DialUDP(s.cfg.ServerNetwork, laddr, raddr)
}

// react is a flow's reactor (C4): an unbounded loop relaying datagrams
// from the upstream server back to the client.
func (s *Service) react(ctx context.Context, flow *flowtable.Flow) {
	defer flow.ServerSock.Close()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := flow.ServerSock.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || ctx.Err() != nil {
				// Cancelled by the dispatcher (supersession) or the
				// reaper (idle); they already own table/port cleanup.
				return
			}
			s.logger.Warn("Flow reactor exiting on socket error",
				tslog.AddrPort("client", flow.Client),
				tslog.Err(err),
			)
			flow.Cancel()
			if s.table.CompareAndRemove(flow.Client, flow) {
				s.ports.Release(flow.Port)
			}
			return
		}

		now := time.Now()
		flow.Touch(now)
		s.table.Touch(flow.Client, now)

		if _, err := s.clientConn.WriteToUDPAddrPort(buf[:n], flow.Client); err != nil {
			s.logger.Warn("Failed to forward datagram to client",
				tslog.AddrPort("client", flow.Client),
				tslog.Err(err),
			)
		}
	}
}

// reap is the idle-flow reaper (C6).
func (s *Service) reap() {
	interval := s.cfg.Timeout / 4
	if interval < minReaperInterval {
		interval = minReaperInterval
	}
	if interval > maxReaperInterval {
		interval = maxReaperInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Service) sweepOnce(now time.Time) {
	expired := s.table.Sweep(now, s.cfg.Timeout)
	for _, flow := range expired {
		flow.Cancel()
		s.ports.Release(flow.Port)
		s.stats.reaped.Add(1)
		s.logger.Debug("Reaped idle flow", tslog.AddrPort("client", flow.Client))
	}

	s.logger.Debug("Relay summary",
		slog.Int("activeFlows", s.table.Len()),
		slog.Int("leasedPorts", s.ports.Len()),
		tslog.Uint("admissions", s.stats.admissions.Load()),
		tslog.Uint("supersessions", s.stats.supersessions.Load()),
		tslog.Uint("reaped", s.stats.reaped.Load()),
		tslog.Uint("dropsNotHandshake", s.stats.dropsNotHandshake.Load()),
		tslog.Uint("dropsExhausted", s.stats.dropsExhausted.Load()),
		tslog.Uint("dropsBindFailure", s.stats.dropsBindFailure.Load()),
	)
}
