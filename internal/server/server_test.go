package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"netual/internal/config"
	"netual/internal/logging"
	"netual/internal/registrar"
	"netual/internal/wire"
)

type fakeTun struct {
	in      chan []byte
	written chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeTun() *fakeTun {
	return &fakeTun{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeTun) Read(p []byte) (int, error) {
	select {
	case pkt := <-f.in:
		return copy(p, pkt), nil
	case <-f.done:
		return 0, io.EOF
	}
}

func (f *fakeTun) Write(p []byte) (int, error) {
	select {
	case <-f.done:
		return 0, errors.New("closed")
	default:
	}
	f.written <- append([]byte(nil), p...)
	return len(p), nil
}

func (f *fakeTun) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// ipPacket builds a minimal IPv4 header plus payload.
func ipPacket(src, dst string, payload string) []byte {
	b := make([]byte, 20+len(payload))
	b[0] = 0x45
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[8] = 64
	b[9] = 17
	s := netip.MustParseAddr(src).As4()
	d := netip.MustParseAddr(dst).As4()
	copy(b[12:16], s[:])
	copy(b[16:20], d[:])
	copy(b[20:], payload)
	return b
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Role = config.RoleServer
	cfg.Listen = "127.0.0.1"
	cfg.ControlPort = 0
	cfg.DataPort = 0
	cfg.CleanupInterval = time.Hour
	return cfg
}

func startServer(t *testing.T) (*Server, *fakeTun) {
	t.Helper()
	tun := newFakeTun()
	srv := New(testConfig(), tun, logging.Discard())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("Serve did not return")
		}
	})
	return srv, tun
}

func register(t *testing.T, srv *Server) uint32 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := registrar.Register(ctx, srv.ControlAddr().String(), time.Second)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id
}

func dialData(t *testing.T, srv *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, srv.DataAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectTun(t *testing.T, tun *fakeTun) []byte {
	t.Helper()
	select {
	case pkt := <-tun.written:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written to tun")
		return nil
	}
}

func expectNoTun(t *testing.T, tun *fakeTun) {
	t.Helper()
	select {
	case pkt := <-tun.written:
		t.Fatalf("unexpected tun write %x", pkt)
	case <-time.After(100 * time.Millisecond):
	}
}

func readFrame(t *testing.T, conn *net.UDPConn) wire.Frame {
	t.Helper()
	buf := make([]byte, 2048)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func TestRegisterAllocatesDistinctIDs(t *testing.T) {
	srv, _ := startServer(t)
	a := register(t, srv)
	b := register(t, srv)
	if a == 0 || b == 0 || a == b {
		t.Fatalf("ids %d %d", a, b)
	}
	if got := len(srv.Sessions()); got != 2 {
		t.Fatalf("sessions = %d", got)
	}
}

func TestControlIgnoresOtherMessages(t *testing.T) {
	srv, _ := startServer(t)
	conn, err := net.Dial("tcp", srv.ControlAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("HELLO\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := conn.Read(make([]byte, 64)); err != io.EOF {
		t.Fatalf("expected close without reply, got n=%d err=%v", n, err)
	}
	if len(srv.Sessions()) != 0 {
		t.Fatal("session created for non-register message")
	}
}

func TestDuplicatesAcrossPathsDeliveredOnce(t *testing.T) {
	srv, tun := startServer(t)
	id := register(t, srv)
	wifi := dialData(t, srv)
	cell := dialData(t, srv)

	pkt := ipPacket("10.0.0.2", "1.1.1.1", "hello")
	for seq := uint32(0); seq < 3; seq++ {
		frame := wire.Encode(id, seq, pkt)
		if _, err := wifi.Write(frame); err != nil {
			t.Fatal(err)
		}
		if _, err := cell.Write(frame); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if got := expectTun(t, tun); !bytes.Equal(got, pkt) {
			t.Fatalf("tun got %x", got)
		}
	}
	expectNoTun(t, tun)

	info := srv.Sessions()[0]
	if info.Peers != 2 || info.RxPackets != 3 || info.RxDuplicates != 3 {
		t.Fatalf("info %+v", info)
	}
	if info.Inner != netip.MustParseAddr("10.0.0.2") {
		t.Fatalf("inner %s", info.Inner)
	}
}

func TestUnknownSessionAndRuntsDropped(t *testing.T) {
	srv, tun := startServer(t)
	id := register(t, srv)
	conn := dialData(t, srv)

	writes := [][]byte{
		{1, 2, 3},
		wire.Encode(id+1, 0, ipPacket("10.0.0.2", "1.1.1.1", "x")),
		wire.Encode(id, 0, nil),
		wire.Encode(id, 1, make([]byte, 20)),
	}
	for _, w := range writes {
		if _, err := conn.Write(w); err != nil {
			t.Fatal(err)
		}
	}
	expectNoTun(t, tun)
}

func TestEgressRoutesToSessionPeers(t *testing.T) {
	srv, tun := startServer(t)
	idA := register(t, srv)
	idB := register(t, srv)
	a1 := dialData(t, srv)
	a2 := dialData(t, srv)
	b := dialData(t, srv)

	send := func(c *net.UDPConn, id uint32, src string) {
		if _, err := c.Write(wire.Encode(id, 0, ipPacket(src, "1.1.1.1", "up"))); err != nil {
			t.Fatal(err)
		}
		expectTun(t, tun)
	}
	send(a1, idA, "10.0.0.2")
	if _, err := a2.Write(wire.Encode(idA, 0, ipPacket("10.0.0.2", "1.1.1.1", "up"))); err != nil {
		t.Fatal(err)
	}
	send(b, idB, "10.0.0.3")
	// a2's copy was a duplicate, but the path is still recorded.
	waitPeers(t, srv, idA, 2)

	reply := ipPacket("1.1.1.1", "10.0.0.2", "down")
	tun.in <- reply
	tun.in <- reply
	for _, c := range []*net.UDPConn{a1, a2} {
		for want := uint32(0); want < 2; want++ {
			f := readFrame(t, c)
			if f.SessionID != idA || f.Sequence != want || !bytes.Equal(f.Payload, reply) {
				t.Fatalf("frame %+v", f)
			}
		}
	}
	_ = b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := b.Read(make([]byte, 2048)); err == nil {
		t.Fatal("session B received a packet for A")
	}
}

func waitPeers(t *testing.T, srv *Server, id uint32, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range srv.Sessions() {
			if info.ID == id && info.Peers == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %d never reached %d peers", id, want)
}

func TestEgressBroadcastsWithoutInnerMatch(t *testing.T) {
	table := newSessionTable(64)
	a, _ := table.create()
	b, _ := table.create()
	var sentA, sentB int
	table.ingress(a, 0, "a", func([]byte) error { sentA++; return nil })
	table.ingress(b, 0, "b", func([]byte) error { sentB++; return nil })
	table.learn(a, netip.MustParseAddr("10.0.0.2"))

	out := table.route(netip.MustParseAddr("10.0.0.9"), 10*time.Second)
	if len(out) != 2 {
		t.Fatalf("deliveries = %d", len(out))
	}
	out = table.route(netip.MustParseAddr("10.0.0.2"), 10*time.Second)
	if len(out) != 1 || out[0].sessionID != a || out[0].seq != 1 {
		t.Fatalf("deliveries %+v", out)
	}
	for _, send := range out[0].sends {
		_ = send(nil)
	}
	if sentA != 1 || sentB != 0 {
		t.Fatalf("sends a=%d b=%d", sentA, sentB)
	}
}

func TestStalePeersSkipped(t *testing.T) {
	table := newSessionTable(64)
	now := time.Unix(1000, 0)
	table.now = func() time.Time { return now }
	id, _ := table.create()
	table.ingress(id, 0, "old", func([]byte) error { return nil })
	now = now.Add(8 * time.Second)
	table.ingress(id, 1, "new", func([]byte) error { return nil })
	now = now.Add(5 * time.Second)

	out := table.route(netip.Addr{}, 10*time.Second)
	if len(out) != 1 || len(out[0].sends) != 1 {
		t.Fatalf("deliveries %+v", out)
	}
}

func TestCleanupPrunesSilentPeers(t *testing.T) {
	cfg := testConfig()
	srv := New(cfg, newFakeTun(), logging.Discard())
	now := time.Unix(1000, 0)
	srv.sessions.now = func() time.Time { return now }
	id, _ := srv.sessions.create()
	for port := 0; port < 20; port++ {
		srv.sessions.ingress(id, uint32(port), fmt.Sprintf("udp/192.0.2.1:%d", 40000+port), func([]byte) error { return nil })
	}
	now = now.Add(cfg.PeerTimeout)
	srv.sessions.ingress(id, 100, "udp/192.0.2.1:50000", func([]byte) error { return nil })

	srv.cleanup()
	info := srv.Sessions()
	if len(info) != 1 || info[0].Peers != 1 {
		t.Fatalf("sessions %+v", info)
	}
}

func TestExpireIdleSessions(t *testing.T) {
	table := newSessionTable(64)
	now := time.Unix(1000, 0)
	table.now = func() time.Time { return now }
	idle, _ := table.create()
	busy, _ := table.create()

	now = now.Add(100 * time.Second)
	table.ingress(busy, 0, "p", func([]byte) error { return nil })
	now = now.Add(30 * time.Second)

	gone := table.expire(120 * time.Second)
	if len(gone) != 1 || gone[0] != idle {
		t.Fatalf("expired %v, want [%d]", gone, idle)
	}
	if table.ingress(idle, 1, "p", nil) != ingressUnknown {
		t.Fatal("expired session still known")
	}
	if table.ingress(busy, 1, "p", nil) != ingressDeliver {
		t.Fatal("busy session lost")
	}
}

func TestServeStopsOnTunFailure(t *testing.T) {
	tun := newFakeTun()
	srv := New(testConfig(), tun, logging.Discard())
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	tun.Close()
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve kept running without a tun")
	}
}
