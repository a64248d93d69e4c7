// Package server is the aggregation end of the bond: it hands out session
// ids, deduplicates the copies each client sends over its paths, forwards
// them to its TUN device and sends replies back over every live path.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"netual/internal/config"
	"netual/internal/link"
	"netual/internal/tunnel"
	"netual/internal/wire"
)

const (
	maxControlMessage = 1024
	controlTimeout    = 5 * time.Second
	tunRetryDelay     = 100 * time.Millisecond
)

type Server struct {
	cfg      *config.Config
	tun      io.ReadWriteCloser
	log      logrus.FieldLogger
	sessions *sessionTable

	control net.Listener
	data    *net.UDPConn
	quic    *quic.Listener
}

// New prepares a server around an already configured TUN device. The
// server takes ownership of tun.
func New(cfg *config.Config, tun io.ReadWriteCloser, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:      cfg,
		tun:      tun,
		log:      log,
		sessions: newSessionTable(cfg.DedupWindow),
	}
}

// Run creates the TUN device from cfg and serves until ctx ends.
func Run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	tun, err := tunnel.Open(tunnel.OptionsFrom(cfg))
	if err != nil {
		return fmt.Errorf("tun: %w", err)
	}
	log.Infof("tun=%s cidr=%s mtu=%d", tun.Name(), cfg.TunCIDR, cfg.MTU)
	if prefix, err := netip.ParsePrefix(cfg.TunCIDR); err == nil {
		log.Infof("forwarding needs: sysctl -w net.ipv4.ip_forward=1; iptables -t nat -A POSTROUTING -s %s -j MASQUERADE", prefix.Masked())
	}
	srv := New(cfg, tun, log)
	if err := srv.Listen(); err != nil {
		_ = tun.Close()
		return err
	}
	return srv.Serve(ctx)
}

// Listen binds the control and data sockets.
func (s *Server) Listen() error {
	controlAddr := s.cfg.ControlAddr(s.cfg.Listen)
	dataAddr := s.cfg.DataAddr(s.cfg.Listen)

	ln, err := net.Listen("tcp", controlAddr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.control = ln

	if s.cfg.Transport == config.TransportQUIC {
		tlsConf, err := link.ServerTLSConfig(s.cfg)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("tls: %w", err)
		}
		ql, err := quic.ListenAddr(dataAddr, tlsConf, link.QUICConfig())
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("quic listen: %w", err)
		}
		s.quic = ql
		s.log.Infof("control=tcp/%s data=quic/%s", ln.Addr(), ql.Addr())
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", dataAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("data resolve: %w", err)
	}
	uc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("data listen: %w", err)
	}
	s.data = uc
	s.log.Infof("control=tcp/%s data=udp/%s", ln.Addr(), uc.LocalAddr())
	return nil
}

func (s *Server) ControlAddr() net.Addr { return s.control.Addr() }

func (s *Server) DataAddr() net.Addr {
	if s.quic != nil {
		return s.quic.Addr()
	}
	return s.data.LocalAddr()
}

// Sessions lists the live sessions ordered by id.
func (s *Server) Sessions() []SessionInfo { return s.sessions.snapshot() }

// Serve runs every loop until ctx ends or one of them fails, then closes
// the sockets and the TUN device.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 4)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("control", s.acceptControl)
	if s.quic != nil {
		start("data", s.acceptQUIC)
	} else {
		start("data", s.readUDP)
	}
	start("tun", s.readTUN)
	start("cleanup", s.cleanupLoop)

	<-ctx.Done()
	_ = s.control.Close()
	if s.data != nil {
		_ = s.data.Close()
	}
	if s.quic != nil {
		_ = s.quic.Close()
	}
	_ = s.tun.Close()
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

func (s *Server) acceptControl(ctx context.Context) error {
	for {
		conn, err := s.control.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorf("control accept: %v", err)
			continue
		}
		go s.handleControl(conn)
	}
}

func (s *Server) handleControl(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	_ = conn.SetDeadline(time.Now().Add(controlTimeout))

	buf := make([]byte, maxControlMessage)
	n, err := conn.Read(buf)
	if err != nil {
		s.log.Debugf("control read from %s: %v", remote, err)
		return
	}
	if n < 4 {
		s.log.Warnf("invalid control message from %s", remote)
		return
	}
	msg := buf[:n]
	s.log.Infof("control message from %s: %s", remote, strings.TrimSpace(string(msg)))
	if !wire.IsRegisterRequest(msg) {
		return
	}
	id, err := s.sessions.create()
	if err != nil {
		s.log.Errorf("register %s: %v", remote, err)
		return
	}
	s.log.WithField("session", id).Infof("created session for %s", remote)
	if _, err := io.WriteString(conn, wire.FormatSessionResponse(id)); err != nil {
		s.log.WithField("session", id).Debugf("control reply: %v", err)
	}
}

func (s *Server) readUDP(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.data.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorf("udp receive: %v", err)
			continue
		}
		s.handleFrame(buf[:n], "udp/"+addr.String(), func(b []byte) error {
			_, err := s.data.WriteToUDPAddrPort(b, addr)
			return err
		})
	}
}

func (s *Server) acceptQUIC(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := s.quic.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.Infof("accepted remote=%s", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveQUIC(ctx, conn)
		}()
	}
}

func (s *Server) serveQUIC(ctx context.Context, conn quic.Connection) {
	key := "quic/" + conn.RemoteAddr().String()
	defer conn.CloseWithError(0, "shutdown")
	for {
		pkt, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debugf("%s closed: %v", key, err)
			}
			return
		}
		s.handleFrame(pkt, key, conn.SendDatagram)
	}
}

// handleFrame takes one datagram from a client path.
func (s *Server) handleFrame(data []byte, key string, send func([]byte) error) {
	f, err := wire.Decode(data)
	if err != nil {
		s.log.Debugf("drop from %s: %v", key, err)
		return
	}
	log := s.log.WithField("session", f.SessionID)
	switch s.sessions.ingress(f.SessionID, f.Sequence, key, send) {
	case ingressUnknown:
		s.log.Warnf("unknown session %d from %s", f.SessionID, key)
		return
	case ingressDuplicate:
		log.Debugf("duplicate seq=%d via %s", f.Sequence, key)
		return
	case ingressStale:
		log.Debugf("stale seq=%d via %s", f.Sequence, key)
		return
	}

	// Keepalives and runts carry no IP packet.
	if len(f.Payload) <= ipv4.HeaderLen {
		return
	}
	if f.Payload[0]>>4 == 4 {
		if h, err := ipv4.ParseHeader(f.Payload); err == nil {
			if src, ok := netip.AddrFromSlice(h.Src.To4()); ok {
				s.sessions.learn(f.SessionID, src)
			}
		}
	}
	if _, err := s.tun.Write(f.Payload); err != nil {
		log.Debugf("tun write: %v", err)
		return
	}
	log.Debugf("RX seq=%d %d bytes via %s", f.Sequence, len(f.Payload), key)
}

func (s *Server) readTUN(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		n, err := s.tun.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, tunnel.ErrClosed) {
				return err
			}
			s.log.Errorf("tun read: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(tunRetryDelay):
			}
			continue
		}
		s.forward(buf[:n])
	}
}

// forward frames one packet read from the TUN device and sends it to the
// sessions it belongs to.
func (s *Server) forward(pkt []byte) {
	if len(pkt) < ipv4.HeaderLen || pkt[0]>>4 != 4 {
		return
	}
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return
	}
	dst, _ := netip.AddrFromSlice(h.Dst.To4())
	for _, d := range s.sessions.route(dst, s.cfg.PeerTimeout) {
		frame := wire.Encode(d.sessionID, d.seq, pkt)
		for _, send := range d.sends {
			if err := send(frame); err != nil {
				s.log.WithField("session", d.sessionID).Debugf("send: %v", err)
			}
		}
	}
}

func (s *Server) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Server) cleanup() {
	for _, id := range s.sessions.expire(s.cfg.SessionTimeout) {
		s.log.WithField("session", id).Infof("removing expired session")
	}
	if n := s.sessions.prunePeers(s.cfg.PeerTimeout); n > 0 {
		s.log.Debugf("pruned %d silent peers", n)
	}
	active := s.sessions.snapshot()
	if len(active) == 0 {
		return
	}
	s.log.Infof("active sessions: %d", len(active))
	for _, info := range active {
		s.log.WithField("session", info.ID).Infof("inner=%s peers=%d rx=%d dup=%d stale=%d tx=%d idle=%s",
			info.Inner, info.Peers, info.RxPackets, info.RxDuplicates, info.RxStale, info.TxPackets,
			info.Idle.Truncate(time.Second))
	}
}
