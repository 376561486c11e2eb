// Package daemon implements the privileged side of the control protocol:
// it accepts connections on an abstract-namespace Unix socket, verifies
// each peer and the SELinux environment, negotiates the protocol version,
// and drives the reconfiguration coordinator on the peer's behalf.
package daemon

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/msd-agent/formatter"
	"github.com/nestybox/msd-agent/gadget"
	"github.com/nestybox/msd-agent/protocol"
)

// socketName is the abstract-namespace address the daemon listens on.
// Go's net package spells an abstract address with a leading "@", which
// Go replaces with the leading NUL byte of the C sun_path convention
// ("\0msdd") before passing the address to the kernel.
const socketName = protocol.SocketName

// Server owns the listening socket and the single reconfiguration
// coordinator shared by every connection.
type Server struct {
	listener    *net.UnixListener
	coordinator *Coordinator
	ownPid      int
	skipChecks  bool
}

// Listen binds the abstract-namespace control socket. The caller must
// already have dropped privileges down to the fixed daemon identity
// before calling Listen, per the ambient privdrop package.
//
// skipEnvChecks disables the per-connection peer-is-self and SELinux
// enforcement checks performed in handleConn; it exists only for running
// against a desktop-Linux environment that has no SELinux policy loaded,
// and must never be set in production.
func Listen(skipEnvChecks bool) (*Server, error) {
	addr, err := net.ResolveUnixAddr("unix", socketName)
	if err != nil {
		return nil, errors.Wrap(err, "resolve socket address")
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen on control socket")
	}

	g, err := gadget.Open()
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "open gadget tree")
	}

	return &Server{
		listener:    ln,
		coordinator: NewCoordinator(g),
		ownPid:      unix.Getpid(),
		skipChecks:  skipEnvChecks,
	}, nil
}

// Serve accepts connections until the listener is closed, spawning one
// goroutine per connection. Each connection is handled independently;
// mutual exclusion over the gadget tree is enforced inside the shared
// Coordinator, not here.
func (s *Server) Serve() error {
	var wg sync.WaitGroup
	var seq uint64

	defer wg.Wait()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return errors.Wrap(err, "accept")
		}

		seq++
		id := formatter.NewConnID(seq)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()

			logger := log.WithField("conn", id.String())
			if err := handleConn(logger, conn, s.coordinator, s.ownPid, s.skipChecks); err != nil {
				logger.WithError(err).Warn("session ended with error")
			}
		}()
	}
}

// Close stops accepting new connections. In-flight connections are left
// to finish on their own.
func (s *Server) Close() error {
	return s.listener.Close()
}
