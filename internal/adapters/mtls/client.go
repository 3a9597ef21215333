// Package mtls streams alerts to the hub over a mutually authenticated TLS
// connection. Events are newline-delimited JSON; the hub acknowledges each
// one with an Ack line.
package mtls

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/worldland/worldland-orchestrator/internal/alert"
	"github.com/worldland/worldland-orchestrator/internal/logging"
)

// Ack is the hub's reply to a delivered alert.
type Ack struct {
	AlertID string `json:"alert_id"`
	Status  string `json:"status"` // "ok" or "error"
	Error   string `json:"error,omitempty"`
}

// AlertSink holds one connection to the hub and reconnects lazily after a
// failed delivery.
type AlertSink struct {
	hubAddr string
	cert    tls.Certificate
	rootCAs *x509.CertPool
	logger  logrus.FieldLogger

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

var _ alert.Sink = (*AlertSink)(nil)

func NewAlertSink(hubAddr string, cert tls.Certificate, rootCAs *x509.CertPool, logger logrus.FieldLogger) *AlertSink {
	return &AlertSink{
		hubAddr: hubAddr,
		cert:    cert,
		rootCAs: rootCAs,
		logger:  logging.OrRoot(logger),
	}
}

// LoadCredentials reads the client key pair and the hub CA bundle.
func LoadCredentials(certFile, keyFile, caFile string) (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, errors.New("CA bundle contains no certificates")
	}
	return cert, pool, nil
}

func (s *AlertSink) Name() string { return "mtls" }

// Connect dials the hub if there is no live connection.
func (s *AlertSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *AlertSink) connectLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	dialer := &tls.Dialer{Config: &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		RootCAs:      s.rootCAs,
		MinVersion:   tls.VersionTLS13,
	}}
	conn, err := dialer.DialContext(ctx, "tcp", s.hubAddr)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	// Surface certificate problems here rather than on first write.
	if err := conn.(*tls.Conn).HandshakeContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	s.logger.WithField("Hub", s.hubAddr).Info("connected to hub via mTLS")
	return nil
}

// Send writes the event and waits for the hub's Ack.
func (s *AlertSink) Send(ctx context.Context, ev alert.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	s.conn.SetDeadline(deadline)

	if _, err := s.conn.Write(line); err != nil {
		s.resetLocked()
		return fmt.Errorf("write alert: %w", err)
	}
	reply, err := s.reader.ReadBytes('\n')
	if err != nil {
		s.resetLocked()
		return fmt.Errorf("read ack: %w", err)
	}
	var ack Ack
	if err := json.Unmarshal(reply, &ack); err != nil {
		s.resetLocked()
		return fmt.Errorf("decode ack: %w", err)
	}
	if ack.Status != "ok" {
		return fmt.Errorf("hub rejected alert %s: %s", ev.ID, ack.Error)
	}
	return nil
}

func (s *AlertSink) resetLocked() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.reader = nil
}

// Close closes the connection
func (s *AlertSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}
