package sshfrontend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

// dialBackend implements the backend authentication cascade of spec.md
// §4.6: agent forwarding is tried first (if the client offered one), and a
// plain password fallback otherwise, using whatever password the client's
// own PasswordCallback buffered. Grounded on lib/srv/authhandlers.go's
// UserKeyAuth/HostKeyAuth cascade, generalized from cluster-certificate
// verification to the gateway's simpler placeholder-identity model.
func dialBackend(ctx context.Context, addr, login string, agent ssh.AuthMethod, password string, connectTimeout, authTimeout time.Duration) (*ssh.Client, error) {
	methods := []ssh.AuthMethod{}
	if agent != nil {
		methods = append(methods, agent)
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, trace.BadParameter("no backend credential available for %q", login)
	}

	cfg := &ssh.ClientConfig{
		User:            login,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing backend %q", addr)
	}

	_ = conn.SetDeadline(time.Now().Add(authTimeout))
	cConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, trace.ConnectionProblem(err, "backend auth failed for %q", login)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cConn, chans, reqs), nil
}

func backendAddr(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}
