package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"wgproxy/config"
	"wgproxy/tslogtest"
)

func testConfig(t *testing.T, upstream netip.AddrPort, timeout time.Duration) config.Config {
	t.Helper()
	var pk [32]byte
	_, _ = rand.Read(pk[:])
	return config.Config{
		ServerNetwork: "udp4",
		Server:        upstream,
		PubKeys:       [][32]byte{pk},
		PortLo:        41000,
		PortHi:        41099,
		Listen:        "127.0.0.1:0",
		Timeout:       timeout,
	}
}

func handshakeInitiationPacket() []byte {
	b := make([]byte, 148)
	b[0] = 1
	_, _ = rand.Read(b[4:])
	return b
}

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func startRelay(t *testing.T, ctx context.Context, cfg config.Config) *Service {
	t.Helper()
	logger := tslogtest.Config{}.NewTestLogger(t)
	svc := New(cfg, logger)
	if err := svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := svc.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return svc
}

func TestAdmitAndForwardBothDirections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := mustListenUDP(t)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr).AddrPort()

	cfg := testConfig(t, upstreamAddr, 10*time.Second)
	svc := startRelay(t, ctx, cfg)

	client := mustListenUDP(t)
	defer client.Close()
	relayAddr := net.UDPAddrFromAddrPort(svc.Addr())

	init := handshakeInitiationPacket()
	if _, err := client.WriteToUDP(init, relayAddr); err != nil {
		t.Fatal(err)
	}

	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, serverFacingAddr, err := upstream.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], init) {
		t.Fatalf("upstream received %x, want %x", buf[:n], init)
	}

	if got := svc.ActiveFlows(); got != 1 {
		t.Fatalf("ActiveFlows() = %d, want 1", got)
	}
	if got := svc.LeasedPorts(); got != 1 {
		t.Fatalf("LeasedPorts() = %d, want 1", got)
	}

	reply := []byte("handshake-response-or-data-bytes")
	if _, err := upstream.WriteToUDP(reply, serverFacingAddr); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], reply) {
		t.Fatalf("client received %x, want %x", buf[:n], reply)
	}
}

func TestNonHandshakeFromUnknownSourceIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := mustListenUDP(t)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr).AddrPort()

	cfg := testConfig(t, upstreamAddr, 10*time.Second)
	svc := startRelay(t, ctx, cfg)

	client := mustListenUDP(t)
	defer client.Close()
	relayAddr := net.UDPAddrFromAddrPort(svc.Addr())

	notAHandshake := []byte("short and not type 1")
	if _, err := client.WriteToUDP(notAHandshake, relayAddr); err != nil {
		t.Fatal(err)
	}

	// Give the dispatcher a moment to process and (not) admit, then confirm
	// nothing was forwarded upstream and no flow exists.
	time.Sleep(100 * time.Millisecond)

	upstream.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 256)
	if _, _, err := upstream.ReadFromUDP(buf); err == nil {
		t.Fatal("expected no datagram to reach upstream for a non-handshake source")
	}
	if got := svc.ActiveFlows(); got != 0 {
		t.Fatalf("ActiveFlows() = %d, want 0", got)
	}
}

func TestSupersessionReplacesExistingFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := mustListenUDP(t)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr).AddrPort()

	cfg := testConfig(t, upstreamAddr, 10*time.Second)
	svc := startRelay(t, ctx, cfg)

	client := mustListenUDP(t)
	defer client.Close()
	relayAddr := net.UDPAddrFromAddrPort(svc.Addr())

	buf := make([]byte, 256)

	first := handshakeInitiationPacket()
	if _, err := client.WriteToUDP(first, relayAddr); err != nil {
		t.Fatal(err)
	}
	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := upstream.ReadFromUDP(buf); err != nil {
		t.Fatal(err)
	}
	if got := svc.LeasedPorts(); got != 1 {
		t.Fatalf("LeasedPorts() = %d, want 1 after first admission", got)
	}

	second := handshakeInitiationPacket()
	if _, err := client.WriteToUDP(second, relayAddr); err != nil {
		t.Fatal(err)
	}
	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := upstream.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], second) {
		t.Fatalf("upstream received %x after supersession, want %x", buf[:n], second)
	}

	// The old flow's port must have been released, not leaked, even though
	// exactly one flow (the new one) remains active.
	time.Sleep(100 * time.Millisecond)
	if got := svc.ActiveFlows(); got != 1 {
		t.Fatalf("ActiveFlows() = %d, want 1 after supersession", got)
	}
	if got := svc.LeasedPorts(); got != 1 {
		t.Fatalf("LeasedPorts() = %d, want 1 after supersession", got)
	}
}

func TestIdleFlowIsReaped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := mustListenUDP(t)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr).AddrPort()

	// The background reaper only ticks every timeout/4 (clamped to
	// [1s, 30s]); rather than wait for it in real time, force a sweep with
	// a clock 20s ahead, past the 10s timeout.
	cfg := testConfig(t, upstreamAddr, 10*time.Second)
	svc := startRelay(t, ctx, cfg)

	client := mustListenUDP(t)
	defer client.Close()
	relayAddr := net.UDPAddrFromAddrPort(svc.Addr())

	init := handshakeInitiationPacket()
	if _, err := client.WriteToUDP(init, relayAddr); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 256)
	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := upstream.ReadFromUDP(buf); err != nil {
		t.Fatal(err)
	}
	if got := svc.ActiveFlows(); got != 1 {
		t.Fatalf("ActiveFlows() = %d, want 1", got)
	}

	svc.sweepOnce(time.Now().Add(20 * time.Second))

	if got := svc.ActiveFlows(); got != 0 {
		t.Fatalf("ActiveFlows() = %d after forced sweep, want 0", got)
	}
	if got := svc.LeasedPorts(); got != 0 {
		t.Fatalf("LeasedPorts() = %d after forced sweep, want 0", got)
	}
}

func TestPortExhaustionDropsNewHandshakes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := mustListenUDP(t)
	defer upstream.Close()
	upstreamAddr := upstream.LocalAddr().(*net.UDPAddr).AddrPort()

	cfg := testConfig(t, upstreamAddr, 10*time.Second)
	cfg.PortLo, cfg.PortHi = 41500, 41500 // a single-port range
	svc := startRelay(t, ctx, cfg)

	buf := make([]byte, 256)

	first := mustListenUDP(t)
	defer first.Close()
	relayAddr := net.UDPAddrFromAddrPort(svc.Addr())
	if _, err := first.WriteToUDP(handshakeInitiationPacket(), relayAddr); err != nil {
		t.Fatal(err)
	}
	upstream.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := upstream.ReadFromUDP(buf); err != nil {
		t.Fatal(err)
	}

	second := mustListenUDP(t)
	defer second.Close()
	if _, err := second.WriteToUDP(handshakeInitiationPacket(), relayAddr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	upstream.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := upstream.ReadFromUDP(buf); err == nil {
		t.Fatal("expected the second client's handshake to be dropped under port exhaustion")
	}
	if got := svc.ActiveFlows(); got != 1 {
		t.Fatalf("ActiveFlows() = %d, want 1 (the first admitted flow only)", got)
	}
}
