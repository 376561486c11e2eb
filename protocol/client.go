package protocol

import (
	"net"

	"github.com/pkg/errors"
)

// SocketName is the abstract-namespace address the daemon listens on.
const SocketName = "@msdd"

// Dial connects to the daemon's control socket and performs the version
// handshake.
func Dial() (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unix", SocketName)
	if err != nil {
		return nil, errors.Wrap(err, "resolve socket address")
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial control socket")
	}
	if err := ClientNegotiate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
