// Package tcp implements the TCP transport channel.
//
// TLS configuration and the no-delay socket option are grounded on the
// teacher's pkg/service.BaseService gRPC dial options (keepalive
// parameters, insecure-by-default with an opt-in credential path),
// restated over a raw TCP dial instead of a gRPC client connection.
package tcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/channel"
	"github.com/redbco/redb-module-sdk/pkg/moderr"
)

// TLSConfig mirrors spec.md §3's optional TLS fields on the TCP
// channel descriptor.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

// Config configures a TCP channel.
type Config struct {
	Address string
	TLS     *TLSConfig
	Policy  channel.ReconnectPolicy
}

// Channel is the TCP transport implementation. TCP channels keep a
// Failed state sticky until an explicit Connect call (§4.D).
type Channel struct {
	*channel.Base
	cfg Config
}

// New creates a TCP channel that has not yet connected.
func New(cfg Config) (*Channel, error) {
	if cfg.Policy == nil {
		cfg.Policy = channel.ExponentialReconnect{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}
	}

	caps := channel.Capabilities{
		channel.CapModuleMessaging: true,
		channel.CapHTTPProxy:       true,
		channel.CapServiceCalls:    true,
		channel.CapFileTransfer:    true,
		channel.CapStreaming:       true,
		channel.CapBatching:        true,
		channel.CapCompression:     true,
	}

	c := &Channel{cfg: cfg}
	c.Base = channel.NewBase(channel.KindTCP, c.dial, cfg.Policy, caps, true)
	return c, nil
}

func (c *Channel) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}

	var conn net.Conn
	var err error
	if c.cfg.TLS != nil {
		tlsCfg, tErr := buildTLSConfig(c.cfg.TLS)
		if tErr != nil {
			return nil, tErr
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.cfg.Address, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Address)
	}
	if err != nil {
		return nil, moderr.Wrap(moderr.KindConnection, "tcp dial failed", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return conn, nil
}

func buildTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, moderr.Wrap(moderr.KindInvalidConfig, "failed to read CA file", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, moderr.New(moderr.KindInvalidConfig, "failed to parse CA file")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, moderr.Wrap(moderr.KindInvalidConfig, "failed to load client cert/key", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
