package rdpfrontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis/internal/audit"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/policy"
	"github.com/pawelmojski/portcullis/internal/registry"
)

// idleTimeout is the RDP-specific idle timeout of spec.md §5 ("RDP idle
// 15 min").
const idleTimeout = 15 * time.Minute

// Config mirrors internal/sshfrontend.Config's shape (spec.md's ambient
// per-front-end dependency set), scoped to what the RDP front-end needs.
type Config struct {
	DataDir string
	Port    int

	Engine   *policy.Engine
	Registry *registry.Registry
	Audit    *audit.Sink

	Clock clockwork.Clock
	Log   *logrus.Entry
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
		c.Port = 3389
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "rdpfrontend")
	}
	return nil
}

// Server is the RDP Front-end.
type Server struct {
	cfg       Config
	serverTLS *tls.Config

	mu        sync.Mutex
	listeners map[string]net.Listener
}

func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	serverTLS, err := loadOrCreateServerTLS(cfg.DataDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, serverTLS: serverTLS, listeners: map[string]net.Listener{}}, nil
}

// ListenProxyIP binds proxyIP:Port, one RDP listener per active
// RDP-enabled allocation (spec.md §4.7: "listens on every proxy IP").
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

func (s *Server) StopProxyIP(proxyIP string) error {
	s.mu.Lock()
	ln, ok := s.listeners[proxyIP]
	delete(s.listeners, proxyIP)
	s.mu.Unlock()
	if !ok {
		return trace.NotFound("no RDP listener bound to %q", proxyIP)
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
				s.cfg.Log.WithError(err).Warn("accept failed")
				return
			}
		}
		go s.handleConn(ctx, conn, proxyIP)
	}
}

// handleConn implements the deferred-routing sequence of spec.md §4.7:
// accept, begin MITM handshake, resolve proxy_ip -> backend once the local
// address is known (it already is, at accept time, since the listener is
// bound per proxy IP), then rewrite the target and open the outbound leg
// only after admission succeeds.
func (s *Server) handleConn(ctx context.Context, conn net.Conn, proxyIP string) {
	defer conn.Close()

	srcIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		srcIP = conn.RemoteAddr().String()
	}

	driver := newTPKTDriver(s.serverTLS)
	if err := driver.Accept(conn); err != nil {
		s.cfg.Log.WithError(err).Debug("RDP MITM accept failed")
		return
	}

	decision, err := s.cfg.Engine.Decide(ctx, srcIP, proxyIP, model.ProtocolRDP, "")
	if err != nil {
		s.cfg.Log.WithError(err).Error("policy engine error")
		s.cfg.Audit.RecordAdmission(ctx, "", srcIP, "", model.ProtocolRDP, false, "engine_error")
		return
	}
	s.cfg.Audit.RecordAdmission(ctx, decision.PersonID, srcIP, decision.Backend.ID, model.ProtocolRDP, decision.Admitted, string(decision.Reason))
	if !decision.Admitted {
		// Routing/admission failed: the MITM is never permitted to start
		// the outbound leg (spec.md §4.7); just close the inbound TCP.
		return
	}

	stayID, err := s.cfg.Registry.OpenRDP(ctx, decision.PersonID, decision.PolicyID, decision.Backend.ID, srcIP, proxyIP)
	if err != nil {
		s.cfg.Log.WithError(err).Error("failed to open stay")
		return
	}
	sessID, _ := s.cfg.Registry.NewSession(ctx, stayID, model.SessionRDP)

	replayDir := filepath.Join(s.cfg.DataDir, "recordings", "rdp")
	if err := os.MkdirAll(replayDir, 0700); err != nil {
		s.cfg.Log.WithError(err).Warn("failed to create replay directory")
	}
	replayPath := filepath.Join(replayDir, stayID+".replay")
	if err := driver.WriteReplay(replayPath); err != nil {
		s.cfg.Log.WithError(err).Warn("failed to open replay file")
	}

	termCh, _ := s.cfg.Registry.Subscribe(stayID)
	driverCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-termCh:
			driver.Close()
		case <-driverCtx.Done():
		}
	}()

	driver.OnClose(func(bytesIn, bytesOut int64) {
		_ = s.cfg.Registry.UpdateCounters(ctx, stayID, bytesIn, bytesOut)
	})

	target := backendAddr(decision.Backend.Address, decision.Backend.Port)
	_ = driver.SetTarget(target) // blocks until either leg closes
	_ = driver.Close()           // flushes and closes the replay file

	cancel()
	_ = s.cfg.Registry.CloseSession(ctx, stayID, sessID)

	reason := model.TerminationClientClosed
	select {
	case r := <-termCh:
		reason = r
	default:
	}
	_ = s.cfg.Registry.AttachRecording(context.Background(), stayID, replayPath)
	_ = s.cfg.Registry.Close(context.Background(), stayID, reason)
}

func backendAddr(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}
