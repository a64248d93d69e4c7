package bond

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"netual/internal/link"
	"netual/internal/link/linktest"
	"netual/internal/logging"
	"netual/internal/wire"
)

// fakeTunnel feeds packets to Read and records packets passed to Write.
type fakeTunnel struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error

	mu  sync.Mutex
	out [][]byte
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeTunnel) Read(p []byte) (int, error) {
	select {
	case pkt, ok := <-f.in:
		if !ok {
			return 0, f.readErr
		}
		return copy(p, pkt), nil
	case <-f.closed:
		return 0, io.ErrClosedPipe
	}
}

func (f *fakeTunnel) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeTunnel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTunnel) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.out...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func openLinks(t *testing.T, d *linktest.Dialer, names ...string) *link.Manager {
	t.Helper()
	m := link.NewManager(linktest.MakePaths(names...), d, 64, logging.Discard())
	if _, err := m.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(m.CloseAll)
	return m
}

func startReceivers(ctx context.Context, m *link.Manager, session uint32, win *Window, tun PacketWriter) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, l := range m.Links() {
		r := &Receiver{
			SessionID:    session,
			Link:         l,
			Window:       win,
			Tunnel:       tun,
			PollInterval: 5 * time.Millisecond,
			Log:          logging.Discard(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}
	return &wg
}

func TestReceiversDeliverEachPacketOnce(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a", "b")
	tun := newFakeTunnel()
	ctx, cancel := context.WithCancel(context.Background())
	wg := startReceivers(ctx, m, 7, NewWindow(DefaultWindow), tun)

	for _, seq := range []uint32{1, 3, 5} {
		d.Conn("a").Deliver(wire.Encode(7, seq, []byte{byte(seq)}))
	}
	for seq := uint32(1); seq <= 5; seq++ {
		d.Conn("b").Deliver(wire.Encode(7, seq, []byte{byte(seq)}))
	}

	waitFor(t, "five packets", func() bool { return len(tun.written()) >= 5 })
	time.Sleep(30 * time.Millisecond)
	cancel()
	wg.Wait()

	got := tun.written()
	if len(got) != 5 {
		t.Fatalf("delivered %d packets, want 5", len(got))
	}
	seen := map[byte]int{}
	for _, p := range got {
		seen[p[0]]++
	}
	for seq := byte(1); seq <= 5; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("packet %d delivered %d times", seq, seen[seq])
		}
	}

	var dups uint64
	for _, l := range m.Links() {
		dups += l.Snapshot().RxDuplicates
	}
	if dups != 3 {
		t.Fatalf("duplicates counted = %d, want 3", dups)
	}
}

func TestReceiverDiscards(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a")
	tun := newFakeTunnel()
	ctx, cancel := context.WithCancel(context.Background())
	wg := startReceivers(ctx, m, 7, NewWindow(DefaultWindow), tun)

	conn := d.Conn("a")
	conn.Deliver([]byte{1, 2, 3})                 // short
	conn.Deliver(wire.Encode(8, 1, []byte("x")))  // other session
	conn.Deliver(wire.Encode(7, 2, nil))          // keepalive
	conn.Deliver(wire.Encode(7, 3, []byte("ok"))) // delivered
	conn.Deliver(wire.Encode(7, 3, []byte("ok"))) // duplicate
	conn.Deliver(wire.Encode(7, 2000, []byte("new")))
	conn.Deliver(wire.Encode(7, 3, []byte("ok"))) // behind the window

	l := m.Links()[0]
	waitFor(t, "all frames processed", func() bool {
		st := l.Snapshot()
		return st.RxMalformed == 1 && st.RxDuplicates == 1 && st.RxForeign == 1 && st.RxStale == 1
	})
	cancel()
	wg.Wait()

	got := tun.written()
	if len(got) != 2 || !bytes.Equal(got[0], []byte("ok")) || !bytes.Equal(got[1], []byte("new")) {
		t.Fatalf("tunnel got %q", got)
	}
}

func TestReceiverExitsOnLinkClose(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a", "b")
	tun := newFakeTunnel()
	wg := startReceivers(context.Background(), m, 7, NewWindow(DefaultWindow), tun)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	m.CloseAll()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("receivers still running after links closed")
	}
}

func newSender(m *link.Manager, tun io.Reader) *Sender {
	return &Sender{SessionID: 42, Tunnel: tun, Links: m, MTU: 1500, Log: logging.Discard()}
}

func runSender(s *Sender) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return cancel, errc
}

func TestSenderFansOutToEveryLink(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a", "b", "c")
	tun := newFakeTunnel()
	s := newSender(m, tun)
	cancel, errc := runSender(s)

	tun.in <- []byte("first")
	tun.in <- []byte("second")
	for _, name := range []string{"a", "b", "c"} {
		conn := d.Conn(name)
		waitFor(t, name+" frames", func() bool { return len(conn.Written()) == 2 })
		for i, frame := range conn.Written() {
			f, err := wire.Decode(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.SessionID != 42 || f.Sequence != uint32(i) {
				t.Fatalf("%s frame %d header = %d/%d", name, i, f.SessionID, f.Sequence)
			}
		}
	}

	cancel()
	tun.Close()
	if err := <-errc; err != nil {
		t.Fatalf("Run after stop: %v", err)
	}
	if s.Sent() != 2 || s.Dropped() != 0 {
		t.Fatalf("sent=%d dropped=%d", s.Sent(), s.Dropped())
	}
}

func TestSenderSurvivesFailingLink(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a", "b")
	d.Conn("a").FailWrites(errors.New("network unreachable"))
	tun := newFakeTunnel()
	cancel, errc := runSender(newSender(m, tun))
	defer func() {
		cancel()
		tun.Close()
		<-errc
	}()

	for i := 0; i < 3; i++ {
		tun.in <- []byte{byte(i)}
	}
	b := d.Conn("b")
	waitFor(t, "frames on healthy link", func() bool { return len(b.Written()) == 3 })
	if len(d.Conn("a").Written()) != 0 {
		t.Fatalf("failing link recorded writes")
	}
	for _, l := range m.Links() {
		if l.Name() == "a" {
			waitFor(t, "tx errors", func() bool { return l.Snapshot().TxErrors == 3 })
		}
	}
}

func TestSenderDropsWhenNoLinkAccepts(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a", "b")
	m.CloseAll()
	tun := newFakeTunnel()
	s := newSender(m, tun)
	cancel, errc := runSender(s)

	tun.in <- []byte{1}
	tun.in <- []byte{2}
	waitFor(t, "drops", func() bool { return s.Dropped() == 2 })

	select {
	case err := <-errc:
		t.Fatalf("sender exited: %v", err)
	default:
	}
	cancel()
	tun.Close()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSenderAllWritesFailing(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a", "b")
	for _, n := range []string{"a", "b"} {
		d.Conn(n).FailWrites(errors.New("down"))
	}
	tun := newFakeTunnel()
	cancel, errc := runSender(newSender(m, tun))

	tun.in <- []byte{1}
	for _, l := range m.Links() {
		waitFor(t, "tx error on "+l.Name(), func() bool { return l.Snapshot().TxErrors == 1 })
	}
	cancel()
	tun.Close()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSenderTunnelReadError(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a")
	tun := newFakeTunnel()
	tun.readErr = errors.New("device gone")
	close(tun.in)
	_, errc := runSender(newSender(m, tun))

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTunnelRead) {
			t.Fatalf("expected ErrTunnelRead, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sender did not stop on tunnel failure")
	}
}

func TestSequenceWraps(t *testing.T) {
	d := linktest.NewDialer()
	m := openLinks(t, d, "a")
	tun := newFakeTunnel()
	s := newSender(m, tun)
	s.seq = ^uint32(0)
	cancel, errc := runSender(s)
	defer func() {
		cancel()
		tun.Close()
		<-errc
	}()

	tun.in <- []byte{1}
	tun.in <- []byte{2}
	conn := d.Conn("a")
	waitFor(t, "frames", func() bool { return len(conn.Written()) == 2 })
	f0, _ := wire.Decode(conn.Written()[0])
	f1, _ := wire.Decode(conn.Written()[1])
	if f0.Sequence != ^uint32(0) || f1.Sequence != 0 {
		t.Fatalf("sequences %d, %d", f0.Sequence, f1.Sequence)
	}
}
