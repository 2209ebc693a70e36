package sshfrontend

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/pawelmojski/portcullis/internal/ambient"
	"github.com/pawelmojski/portcullis/internal/expiry"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/policy"
)

var splicePool = ambient.NewSliceSyncPool(32 * 1024)

// serveAdmitted drives one admitted SSH connection for its whole lifetime:
// it opens the Stay, connects to the backend once for the whole Stay
// (spec.md §4.6), fans out client channels, and tears everything down on
// revocation, peer close, or local I/O error, whichever comes first
// (spec.md §5's 2-second cancellation bound).
func (s *Server) serveAdmitted(ctx context.Context, sconn *ssh.ServerConn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request, srcIP, proxyIP, login string, decision policy.Decision) {
	stayID, err := s.cfg.Registry.OpenSSH(ctx, decision.PersonID, decision.PolicyID, decision.Backend.ID, srcIP, proxyIP)
	if err != nil {
		s.cfg.Logger.WithError(err).Error("failed to open stay")
		return
	}

	rec, err := newRecorder(s.cfg.DataDir, stayID, s.cfg.Clock.Now())
	if err != nil {
		s.cfg.Logger.WithError(err).Error("failed to open recording")
	}

	termCh, _ := s.cfg.Registry.Subscribe(stayID)
	stayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var warnCh <-chan expiryWarning
	if s.cfg.Ticker != nil {
		warnCh = adaptWarnings(s.cfg.Ticker.Subscribe())
	}

	go func() {
		select {
		case reason := <-termCh:
			_ = reason
			cancel()
			sconn.Close()
		case <-stayCtx.Done():
		}
	}()
	if warnCh != nil {
		go func() {
			for {
				select {
				case w, ok := <-warnCh:
					if !ok {
						return
					}
					if w.stayID != stayID {
						continue
					}
					broadcastBanner(sconn, w)
				case <-stayCtx.Done():
					return
				}
			}
		}()
	}

	var backendOnce sync.Once
	var backendClient *ssh.Client
	var backendErr error
	dialOnce := func(agent ssh.AuthMethod, password string) (*ssh.Client, error) {
		backendOnce.Do(func() {
			addr := backendAddr(decision.Backend.Address, decision.Backend.Port)
			backendClient, backendErr = dialBackend(stayCtx, addr, login, agent, password, s.cfg.BackendConnectTimeout, s.cfg.BackendAuthTimeout)
		})
		return backendClient, backendErr
	}

	go s.handleGlobalRequests(stayCtx, sconn, reqs, stayID, decision, proxyIP, rec)

	var wg sync.WaitGroup
	for nch := range chans {
		nch := nch
		select {
		case <-stayCtx.Done():
			_ = nch.Reject(ssh.ConnectionFailed, "stay terminated")
			continue
		default:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleChannel(stayCtx, nch, stayID, decision, dialOnce, rec)
		}()
	}
	wg.Wait()

	cancel()
	if backendClient != nil {
		backendClient.Close()
	}
	if rec != nil {
		_ = rec.Close()
		_ = s.cfg.Registry.AttachRecording(context.Background(), stayID, rec.Path())
	}
	reason := model.TerminationClientClosed
	select {
	case r := <-termCh:
		reason = r
	default:
	}
	_ = s.cfg.Registry.Close(context.Background(), stayID, reason)
}

func (s *Server) handleChannel(ctx context.Context, nch ssh.NewChannel, stayID string, decision policy.Decision, dialOnce func(ssh.AuthMethod, string) (*ssh.Client, error), rec *recorder) {
	switch nch.ChannelType() {
	case "session":
		s.handleSession(ctx, nch, stayID, decision, dialOnce, rec)
	case "direct-tcpip":
		s.handlePortForward(ctx, nch, stayID, decision, dialOnce, rec, model.SessionDirectTCPIP)
	default:
		_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
	}
}

type directTCPIPData struct {
	DestAddr string
	DestPort uint32
	SrcAddr  string
	SrcPort  uint32
}

func parseDirectTCPIP(data []byte) (directTCPIPData, error) {
	var d directTCPIPData
	if err := ssh.Unmarshal(data, &d); err != nil {
		return d, err
	}
	return d, nil
}

func (s *Server) handlePortForward(ctx context.Context, nch ssh.NewChannel, stayID string, decision policy.Decision, dialOnce func(ssh.AuthMethod, string) (*ssh.Client, error), rec *recorder, kind model.SessionKind) {
	if !decision.AllowPortForwarding {
		_ = nch.Reject(ssh.Prohibited, "port forwarding not permitted")
		if rec != nil {
			rec.Note(0, "forward_denied")
		}
		return
	}

	d, err := parseDirectTCPIP(nch.ExtraData())
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "malformed forward request")
		return
	}

	client, err := dialOnce(nil, "")
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "backend unavailable")
		return
	}

	target := net.JoinHostPort(d.DestAddr, portStr(d.DestPort))
	backendConn, err := client.Dial("tcp", target)
	if err != nil {
		_ = nch.Reject(ssh.ConnectionFailed, "target unreachable")
		return
	}
	defer backendConn.Close()

	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	sessID, _ := s.cfg.Registry.NewSession(ctx, stayID, kind)
	var chanID int
	if rec != nil {
		chanID = rec.OpenChannel(target)
	}
	splice(ctx, ch, backendConn, s.cfg.Registry, stayID)
	if rec != nil {
		rec.CloseChannel(chanID, "")
	}
	_ = s.cfg.Registry.CloseSession(ctx, stayID, sessID)
}

func portStr(p uint32) string {
	return strconv.FormatUint(uint64(p), 10)
}

type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

type forwardedTCPIPData struct {
	ConnectedAddr string
	ConnectedPort uint32
	OriginAddr    string
	OriginPort    uint32
}

// handleGlobalRequests answers the client's connection-wide requests for the
// life of the Stay: tcpip-forward/cancel-tcpip-forward drive -R remote port
// forwards (spec.md §4.6); anything else is declined rather than silently
// discarded, per RFC 4254 §4's "any request will get a reply".
func (s *Server) handleGlobalRequests(ctx context.Context, sconn *ssh.ServerConn, reqs <-chan *ssh.Request, stayID string, decision policy.Decision, proxyIP string, rec *recorder) {
	forwards := map[string]net.Listener{}
	defer func() {
		for _, ln := range forwards {
			ln.Close()
		}
	}()
	for {
		select {
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "tcpip-forward":
				s.handleTCPIPForward(ctx, sconn, req, stayID, decision, proxyIP, rec, forwards)
			case "cancel-tcpip-forward":
				handleCancelTCPIPForward(req, forwards)
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleTCPIPForward services a single tcpip-forward global request: a
// listener bound to the gateway's proxy IP (never the client-requested bind
// address) so that multiple backends reachable through the same proxy IP
// may request the same remote port without colliding (spec.md §4.6).
func (s *Server) handleTCPIPForward(ctx context.Context, sconn *ssh.ServerConn, req *ssh.Request, stayID string, decision policy.Decision, proxyIP string, rec *recorder, forwards map[string]net.Listener) {
	if !decision.AllowPortForwarding {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		if rec != nil {
			rec.Note(0, "forward_denied")
		}
		return
	}

	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(proxyIP, portStr(payload.BindPort)))
	if err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	boundPort := uint32(ln.Addr().(*net.TCPAddr).Port)
	forwards[forwardKey(payload.BindAddr, payload.BindPort)] = ln

	if req.WantReply {
		if payload.BindPort == 0 {
			_ = req.Reply(true, ssh.Marshal(struct{ Port uint32 }{boundPort}))
		} else {
			_ = req.Reply(true, nil)
		}
	}

	go s.acceptForwardedConns(ctx, ln, sconn, stayID, rec, payload.BindAddr, boundPort)
}

func handleCancelTCPIPForward(req *ssh.Request, forwards map[string]net.Listener) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	key := forwardKey(payload.BindAddr, payload.BindPort)
	if ln, ok := forwards[key]; ok {
		ln.Close()
		delete(forwards, key)
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
}

func forwardKey(bindAddr string, bindPort uint32) string {
	return net.JoinHostPort(bindAddr, portStr(bindPort))
}

// acceptForwardedConns accepts inbound connections on a remote-forwarded
// listener and opens a forwarded-tcpip channel back to the client for each
// one, until the listener is closed by a cancel-tcpip-forward or the Stay
// tearing down.
func (s *Server) acceptForwardedConns(ctx context.Context, ln net.Listener, sconn *ssh.ServerConn, stayID string, rec *recorder, bindAddr string, bindPort uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.relayForwardedConn(ctx, conn, sconn, stayID, rec, bindAddr, bindPort)
	}
}

// relayForwardedConn splices one inbound connection on a remote-forwarded
// port against a forwarded-tcpip channel opened to the client, which is
// responsible for routing it onward (spec.md §4.6). No backend SSH
// connection is involved: forwarded-tcpip runs between the gateway and the
// client that asked for the remote forward.
func (s *Server) relayForwardedConn(ctx context.Context, conn net.Conn, sconn *ssh.ServerConn, stayID string, rec *recorder, bindAddr string, bindPort uint32) {
	defer conn.Close()

	originAddr, originPortStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		originAddr = conn.RemoteAddr().String()
	}
	originPort, _ := strconv.ParseUint(originPortStr, 10, 32)

	payload := ssh.Marshal(forwardedTCPIPData{
		ConnectedAddr: bindAddr,
		ConnectedPort: bindPort,
		OriginAddr:    originAddr,
		OriginPort:    uint32(originPort),
	})
	ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	target := net.JoinHostPort(bindAddr, portStr(bindPort))
	sessID, _ := s.cfg.Registry.NewSession(ctx, stayID, model.SessionForwardedTCPIP)
	var chanID int
	if rec != nil {
		chanID = rec.OpenChannel(target)
	}
	splice(ctx, ch, conn, s.cfg.Registry, stayID)
	if rec != nil {
		rec.CloseChannel(chanID, "")
	}
	_ = s.cfg.Registry.CloseSession(ctx, stayID, sessID)
}

func (s *Server) handleSession(ctx context.Context, nch ssh.NewChannel, stayID string, decision policy.Decision, dialOnce func(ssh.AuthMethod, string) (*ssh.Client, error), rec *recorder) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	var backendSession *ssh.Session
	var kind model.SessionKind = model.SessionShell
	sessID := ""
	var chanID int
	if rec != nil {
		chanID = rec.OpenChannel("session")
	}

	for req := range reqs {
		isSFTP := false
		if req.Type == "subsystem" {
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			isSFTP = payload.Name == "sftp"
		}
		switch {
		case isSFTP:
			client, derr := dialOnce(nil, "")
			if derr != nil {
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}
			sessID, _ = s.cfg.Registry.NewSession(ctx, stayID, model.SessionSFTP)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			s.runSFTPSubsystem(client, ch, chanID, rec)
		case req.Type == "pty-req", req.Type == "shell", req.Type == "exec", req.Type == "subsystem", req.Type == "env", req.Type == "window-change":
			client, derr := dialOnce(nil, "")
			if derr != nil {
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}
			if backendSession == nil {
				backendSession, err = client.NewSession()
				if err != nil {
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
					continue
				}
			}
			if req.Type == "exec" {
				kind = model.SessionExec
			}
			if sessID == "" {
				sessID, _ = s.cfg.Registry.NewSession(ctx, stayID, kind)
			}
			s.forwardRequestAndRun(ctx, req, backendSession, ch, stayID, kind, chanID, rec)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
	if sessID != "" {
		_ = s.cfg.Registry.CloseSession(ctx, stayID, sessID)
	}
	if backendSession != nil {
		backendSession.Close()
	}
	if rec != nil {
		rec.CloseChannel(chanID, "")
	}
}

// runSFTPSubsystem opens a dedicated backend session for the sftp
// subsystem, wraps it as an sftp.Client, and relays the client's SFTP
// requests against it through serveSFTP so that file operations are
// parsed and recorded one at a time rather than spliced as opaque bytes
// (spec.md §4.6).
func (s *Server) runSFTPSubsystem(client *ssh.Client, ch ssh.Channel, chanID int, rec *recorder) {
	backend, err := client.NewSession()
	if err != nil {
		return
	}
	defer backend.Close()

	stdin, err := backend.StdinPipe()
	if err != nil {
		return
	}
	stdout, err := backend.StdoutPipe()
	if err != nil {
		return
	}
	if err := backend.RequestSubsystem("sftp"); err != nil {
		return
	}
	if rec != nil {
		rec.Note(chanID, "sftp_open")
	}

	sftpClient, err := sftp.NewClientPipe(stdout, stdin)
	if err != nil {
		return
	}
	defer sftpClient.Close()

	_ = serveSFTP(ch, sftpClient, chanID, rec)
	if rec != nil {
		rec.Note(chanID, "sftp_close")
	}
}

// forwardRequestAndRun wires the client's shell/exec/subsystem request
// onto the backend session and runs the duplex splice until either leg
// closes. pty-req, env and window-change requests return here without
// being forwarded; the caller still acknowledges them to the client. Payload traffic on shell channels is recorded byte-for-byte;
// exec/sftp record open/close metadata only (spec.md §4.6).
func (s *Server) forwardRequestAndRun(ctx context.Context, req *ssh.Request, backend *ssh.Session, client ssh.Channel, stayID string, kind model.SessionKind, chanID int, rec *recorder) {
	stdin, err := backend.StdinPipe()
	if err != nil {
		return
	}
	stdout, err := backend.StdoutPipe()
	if err != nil {
		return
	}

	switch req.Type {
	case "shell":
		_ = backend.Shell()
	case "exec":
		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		_ = backend.Start(payload.Command)
		if rec != nil {
			rec.Note(chanID, "exec:"+payload.Command)
		}
	case "subsystem":
		var payload struct{ Name string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		_ = backend.RequestSubsystem(payload.Name)
		if rec != nil {
			rec.Note(chanID, "subsystem:"+payload.Name)
		}
	default:
		return
	}

	recordPayload := kind == model.SessionShell
	done := make(chan struct{})
	go func() {
		pump(client, stdin, func(b []byte) {
			if rec != nil && recordPayload {
				rec.Payload(chanID, dirLabel(false), b)
			}
		})
		close(done)
	}()
	pump(stdout, client, func(b []byte) {
		if rec != nil && recordPayload {
			rec.Payload(chanID, dirLabel(true), b)
		}
	})
	<-done
}

func pump(r io.Reader, w io.Writer, onChunk func([]byte)) {
	buf := splicePool.Get()
	defer splicePool.Put(buf)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			onChunk(chunk)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// splice performs an unrecorded byte-for-byte copy between a port-forward
// channel and its backend connection, folding counters into the Stay as it
// goes (spec.md §4.4: "at least once per second under load").
func splice(ctx context.Context, ch ssh.Channel, conn net.Conn, reg interface {
	UpdateCounters(context.Context, string, int64, int64) error
}, stayID string) {
	var in, out int64
	var sentIn, sentOut int64
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	go func() {
		buf := splicePool.Get()
		defer splicePool.Put(buf)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				mu.Lock()
				out += int64(n)
				mu.Unlock()
				if _, werr := ch.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}()
	go func() {
		buf := splicePool.Get()
		defer splicePool.Put(buf)
		for {
			n, err := ch.Read(buf)
			if n > 0 {
				mu.Lock()
				in += int64(n)
				mu.Unlock()
				if _, werr := conn.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	remaining := 2
	for remaining > 0 {
		select {
		case <-done:
			remaining--
		case <-ticker.C:
			mu.Lock()
			i, o := in-sentIn, out-sentOut
			sentIn, sentOut = in, out
			mu.Unlock()
			_ = reg.UpdateCounters(ctx, stayID, i, o)
		case <-ctx.Done():
			ch.Close()
			conn.Close()
		}
	}
	mu.Lock()
	i, o := in-sentIn, out-sentOut
	mu.Unlock()
	_ = reg.UpdateCounters(ctx, stayID, i, o)
}

type expiryWarning struct {
	stayID      string
	minutesLeft int
	terminated  bool
}

// adaptWarnings re-labels expiry.Warning onto this package's local type so
// the rest of this file doesn't need to import internal/expiry directly
// into its channel-handling signatures.
func adaptWarnings(src <-chan expiry.Warning) <-chan expiryWarning {
	out := make(chan expiryWarning, 16)
	go func() {
		defer close(out)
		for w := range src {
			out <- expiryWarning{stayID: w.StayID, minutesLeft: w.MinutesLeft, terminated: w.Terminated}
		}
	}()
	return out
}

func broadcastBanner(sconn *ssh.ServerConn, w expiryWarning) {
	msg := "session will expire in " + strconv.Itoa(w.minutesLeft) + " minute(s)"
	if w.terminated {
		msg = "session revoked, terminating"
	}
	_, _, _ = sconn.SendRequest("keepalive@portcullis", false, []byte(msg))
}

