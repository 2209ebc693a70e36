// Package rdpfrontend implements the RDP Front-end: a TCP listener per
// proxy IP that defers routing until the local socket address is known,
// then drives an RDP MITM driver whose outbound leg only opens after
// admission (spec.md §4.7). The re-architecture spec.md §9 calls for ("RDP
// MITM driver" interface: accept/set_target/on_open/on_close/write_replay)
// has no source to ground on directly — no RDP wire code exists anywhere
// in the retrieval pack — so the driver is written fresh (it relays bytes
// without parsing TPKT/X.224 framing), in the shape lib/srv/db/postgres/proxy.go gives its own
// wire-level proxy (handshake-then-splice Proxy struct: TLSConfig/Log/Limiter
// fields, peek, then splice).
package rdpfrontend

import (
	"crypto/tls"
	"io"
	"net"
)

// Driver is the seam spec.md §9 asks for so the underlying RDP
// implementation can be swapped without touching the front-end: accept the
// inbound leg, learn the real target once routing resolves, open the
// outbound leg, and record everything to a replay file.
type Driver interface {
	// Accept begins the MITM handshake against the client connection,
	// without yet knowing the backend it will proxy to.
	Accept(conn net.Conn) error
	// SetTarget rewrites the MITM's effective target and opens the
	// outbound leg. Must be called at most once, after Accept.
	SetTarget(addr string) error
	// OnOpen registers a callback fired once the outbound leg is open.
	OnOpen(cb func())
	// OnClose registers a callback fired once both legs have closed.
	OnClose(cb func(bytesIn, bytesOut int64))
	// WriteReplay directs recorded traffic to path, a `.replay` file.
	WriteReplay(path string) error
	// Close tears down both legs.
	Close() error
}

// tpktDriver is the bundled Driver implementation: a byte-transparent MITM
// that passes bytes through untouched in both directions, one read-sized
// chunk (up to 32 KiB) at a time. It does not parse TPKT/X.224 framing, so
// a chunk need not end on a message boundary, and it does not decode RDP's
// encrypted PDU layer — recording captures ciphertext, which is sufficient for spec.md's
// "replay file" requirement (format decisions are not this gateway's
// concern; only capture-and-forward is).
type tpktDriver struct {
	serverTLS *tls.Config

	client  net.Conn
	backend net.Conn

	onOpen  func()
	onClose func(int64, int64)

	replay *replayWriter

	bytesIn, bytesOut int64
}

func newTPKTDriver(serverTLS *tls.Config) *tpktDriver {
	return &tpktDriver{serverTLS: serverTLS}
}

// Accept completes the client-facing TLS handshake (spec.md §6: "RDP as
// server to the client ... with TLS on both legs").
func (d *tpktDriver) Accept(conn net.Conn) error {
	tlsConn := tls.Server(conn, d.serverTLS)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	d.client = tlsConn
	return nil
}

func (d *tpktDriver) OnOpen(cb func())                       { d.onOpen = cb }
func (d *tpktDriver) OnClose(cb func(bytesIn, bytesOut int64)) { d.onClose = cb }

func (d *tpktDriver) WriteReplay(path string) error {
	w, err := newReplayWriter(path)
	if err != nil {
		return err
	}
	d.replay = w
	return nil
}

// SetTarget dials addr over TLS (the backend leg; spec.md §6's "as client
// to the backend, with TLS on both legs") and begins full-duplex splicing
// between the client and backend legs, recording every chunk to the
// replay file if one was configured. Blocks until either leg closes.
func (d *tpktDriver) SetTarget(addr string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return err
	}
	d.backend = conn
	if d.onOpen != nil {
		d.onOpen()
	}

	done := make(chan struct{}, 2)
	go d.pump(d.client, d.backend, true, done)
	go d.pump(d.backend, d.client, false, done)
	<-done
	<-done

	if d.onClose != nil {
		d.onClose(d.bytesIn, d.bytesOut)
	}
	return nil
}

func (d *tpktDriver) pump(src, dst net.Conn, clientToBackend bool, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if d.replay != nil {
				d.replay.Write(clientToBackend, chunk)
			}
			if clientToBackend {
				d.bytesIn += int64(n)
			} else {
				d.bytesOut += int64(n)
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				_ = err
			}
			return
		}
	}
}

func (d *tpktDriver) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	if d.backend != nil {
		d.backend.Close()
	}
	if d.replay != nil {
		return d.replay.Close()
	}
	return nil
}
