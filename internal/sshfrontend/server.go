// Package sshfrontend implements the SSH Front-end: a TCP listener per
// proxy IP that speaks SSH server-side to the client and SSH client-side
// to the backend, owning channel fan-out, the backend auth cascade,
// port-forward gating, and live recording (spec.md §4.6). Grounded on
// lib/srv/authhandlers.go's auth cascade and lib/srv/regular/proxy.go's
// channel-splicing proxy subsystem, with the server/channel-handler shape
// mined from lib/sshutils/server_test.go's NewServer/ChanHandlerFunc usage.
package sshfrontend

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis/internal/audit"
	"github.com/pawelmojski/portcullis/internal/expiry"
	"github.com/pawelmojski/portcullis/internal/metrics"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/policy"
	"github.com/pawelmojski/portcullis/internal/registry"
)

// Config holds every dependency the SSH front-end needs, checked and
// defaulted the way AuthHandlerConfig.CheckAndSetDefaults does in
// lib/srv/authhandlers.go.
type Config struct {
	DataDir  string
	Port     int
	Engine   *policy.Engine
	Registry *registry.Registry
	Ticker   *expiry.Ticker
	Audit    *audit.Sink
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Logger   *logrus.Entry

	// BackendConnectTimeout bounds the backend TCP connect (spec.md §5:
	// "backend connect 10s").
	BackendConnectTimeout time.Duration
	// BackendAuthTimeout bounds the backend SSH auth handshake (spec.md
	// §5: "backend auth 15s").
	BackendAuthTimeout time.Duration
	// ShellIdleTimeout is the idle-client timeout for shell channels
	// (spec.md §5: "60 min for shell").
	ShellIdleTimeout time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("DataDir must be provided")
	}
	if c.Engine == nil {
		return trace.BadParameter("Engine must be provided")
	}
	if c.Registry == nil {
		return trace.BadParameter("Registry must be provided")
	}
	if c.Audit == nil {
		return trace.BadParameter("Audit must be provided")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "sshfrontend")
	}
	if c.BackendConnectTimeout == 0 {
		c.BackendConnectTimeout = 10 * time.Second
	}
	if c.BackendAuthTimeout == 0 {
		c.BackendAuthTimeout = 15 * time.Second
	}
	if c.ShellIdleTimeout == 0 {
		c.ShellIdleTimeout = 60 * time.Minute
	}
	return nil
}

// Server is the SSH Front-end: one process-wide value owning a listener
// per proxy IP and the gateway's stable host key.
type Server struct {
	cfg        Config
	hostSigner ssh.Signer

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// New constructs a Server, loading or generating the gateway's SSH host
// key under <data>/host_key with 0600 permissions (spec.md §6).
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := loadOrCreateHostKey(filepath.Join(cfg.DataDir, "host_key"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, hostSigner: signer, listeners: map[string]net.Listener{}}, nil
}

func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, trace.Wrap(err, "parsing persisted host key")
		}
		return signer, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(priv, "portcullis host key")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.WriteFile(path, pemWrap(pemBlock), 0600); err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}

// ListenProxyIP starts accepting SSH connections on proxyIP:Port. Bindings
// are exclusive per spec.md §5; callers must not call this twice for the
// same proxy IP without an intervening StopProxyIP.
func (s *Server) ListenProxyIP(ctx context.Context, proxyIP string) error {
	addr := net.JoinHostPort(proxyIP, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	s.listeners[proxyIP] = ln
	s.mu.Unlock()

	go s.acceptLoop(ctx, ln, proxyIP)
	return nil
}

// StopProxyIP closes the listener bound to proxyIP, used before a rebind.
func (s *Server) StopProxyIP(proxyIP string) error {
	s.mu.Lock()
	ln, ok := s.listeners[proxyIP]
	delete(s.listeners, proxyIP)
	s.mu.Unlock()
	if !ok {
		return trace.NotFound("no SSH listener bound to %q", proxyIP)
	}
	return trace.Wrap(ln.Close())
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, proxyIP string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.cfg.Logger.WithError(err).Warn("accept failed")
				return
			}
		}
		// One logical task per accepted connection (spec.md §5).
		go s.handleConn(ctx, conn, proxyIP)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, proxyIP string) {
	defer conn.Close()

	srcIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		srcIP = conn.RemoteAddr().String()
	}

	session := &clientSession{
		srcIP:         srcIP,
		proxyIP:       proxyIP,
		passwordSeen:  map[string]string{},
	}

	serverCfg := &ssh.ServerConfig{
		// Identity is already established by source IP (spec.md §4.6):
		// any offered key or password is accepted as a placeholder and
		// buffered for the backend auth cascade.
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			session.mu.Lock()
			session.pubKeySeen = key
			session.mu.Unlock()
			return &ssh.Permissions{}, nil
		},
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			session.mu.Lock()
			session.passwordSeen[c.User()] = string(password)
			session.mu.Unlock()
			return &ssh.Permissions{}, nil
		},
	}
	serverCfg.AddHostKey(s.hostSigner)

	sconn, chans, reqs, err := ssh.NewServerConn(conn, serverCfg)
	if err != nil {
		s.cfg.Logger.WithError(err).Debug("SSH handshake failed")
		return
	}
	defer sconn.Close()

	login := sconn.User()
	decision, err := s.cfg.Engine.Decide(ctx, srcIP, proxyIP, model.ProtocolSSH, login)
	if err != nil {
		s.cfg.Logger.WithError(err).Error("policy engine error")
		s.cfg.Audit.RecordAdmission(ctx, login, srcIP, "", model.ProtocolSSH, false, "engine_error")
		go ssh.DiscardRequests(reqs)
		s.rejectAll(chans, "internal error")
		return
	}
	s.cfg.Audit.RecordAdmission(ctx, login, srcIP, decision.Backend.ID, model.ProtocolSSH, decision.Admitted, string(decision.Reason))
	if !decision.Admitted {
		go ssh.DiscardRequests(reqs)
		s.rejectAll(chans, denyBanner(srcIP, string(decision.Reason)))
		return
	}

	// Global requests (tcpip-forward/cancel-tcpip-forward for -R remote
	// port forwards) are handled inside serveAdmitted, where the Stay and
	// recorder exist to account and audit the forwarded channels they open.
	s.serveAdmitted(ctx, sconn, chans, reqs, srcIP, proxyIP, login, decision)
}

// rejectAll drains every NewChannel request with the given rejection
// message, then lets the caller close the connection (spec.md §6: "the
// TCP connection closes after the banner").
func (s *Server) rejectAll(chans <-chan ssh.NewChannel, message string) {
	for nch := range chans {
		_ = nch.Reject(ssh.Prohibited, message)
	}
}

func denyBanner(srcIP, reason string) string {
	return fmt.Sprintf(
		"============================================================\n"+
			"ACCESS DENIED\n"+
			"source: %s\n"+
			"reason: %s\n"+
			"============================================================",
		srcIP, reason)
}

func pemWrap(b []byte) []byte { return b }

// clientSession buffers the auth material offered by the client for use
// in the backend auth cascade (spec.md §4.6).
type clientSession struct {
	srcIP, proxyIP string

	mu           sync.Mutex
	pubKeySeen   ssh.PublicKey
	passwordSeen map[string]string
	agentForward bool
}
