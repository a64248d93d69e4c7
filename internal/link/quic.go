package link

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"netual/internal/config"
	"netual/internal/netpath"
)

// ALPN identifies the bonded datagram protocol inside QUIC.
const ALPN = "netual-ip"

// QUICConfig is shared by the client dialer and the server listener.
func QUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
}

type quicConn struct {
	udp       *net.UDPConn
	transport *quic.Transport
	conn      quic.Connection
	closeOnce sync.Once
}

func (q *quicConn) Write(p []byte) error {
	return q.conn.SendDatagram(p)
}

func (q *quicConn) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(q.conn.Context(), timeout)
	defer cancel()
	pkt, err := q.conn.ReceiveDatagram(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && q.conn.Context().Err() == nil {
			return 0, ErrNoData
		}
		return 0, err
	}
	return copy(buf, pkt), nil
}

func (q *quicConn) LocalAddr() net.Addr { return q.udp.LocalAddr() }

func (q *quicConn) Close() error {
	var err error
	q.closeOnce.Do(func() {
		err = q.conn.CloseWithError(0, "link closed")
		_ = q.transport.Close()
		_ = q.udp.Close()
	})
	return err
}

// QUICDialer carries frames as QUIC DATAGRAM frames, one QUIC connection
// per path.
type QUICDialer struct {
	Remote string
	TLS    *tls.Config
	Log    logrus.FieldLogger
}

func (d QUICDialer) Dial(ctx context.Context, p netpath.Path) (Conn, error) {
	udpConn, pinned, err := netpath.ListenUDP(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if !pinned && p.Interface != "" && d.Log != nil {
		d.Log.WithField("link", p.Name).Debugf("interface binding refused, using source address %s", p.LocalIP)
	}
	remote, err := net.ResolveUDPAddr("udp4", d.Remote)
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("remote-resolve: %w", err)
	}
	tr := &quic.Transport{Conn: udpConn}
	conn, err := tr.Dial(ctx, remote, d.TLS, QUICConfig())
	if err != nil {
		_ = tr.Close()
		_ = udpConn.Close()
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &quicConn{udp: udpConn, transport: tr, conn: conn}, nil
}

// ServerTLSConfig loads the server certificate for the QUIC listener.
func ServerTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig builds the client TLS config from the tls_* keys.
func ClientTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		ServerName:         cfg.TLSServerName,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
	if cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed loading tls_ca_file: %s", cfg.TLSCAFile)
		}
		tlsConf.RootCAs = roots
	}
	return tlsConf, nil
}

// NewDialer picks the link transport configured for the client.
func NewDialer(cfg *config.Config, server string, log logrus.FieldLogger) (Dialer, error) {
	remote := cfg.DataAddr(server)
	switch cfg.Transport {
	case config.TransportQUIC:
		tlsConf, err := ClientTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return QUICDialer{Remote: remote, TLS: tlsConf, Log: log}, nil
	default:
		return UDPDialer{Remote: remote, Log: log}, nil
	}
}
