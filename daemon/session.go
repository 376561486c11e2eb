package daemon

import (
	"io"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/nestybox/msd-agent/protocol"
)

// handleConn drives one client connection end to end: peer and
// environment verification, version handshake, then a request/response
// loop until the client disconnects. Per spec, the peer-is-self check and
// the SELinux enforcement check both happen here, inside the worker,
// before any protocol exchange — not once at daemon startup — since each
// is cheap and the environment could in principle be altered between
// connections.
func handleConn(logger *log.Entry, conn *net.UnixConn, coord *Coordinator, ownPid int, skipChecks bool) error {
	if !skipChecks {
		if err := checkPeerNotSelf(conn, ownPid); err != nil {
			return errors.Wrap(err, "policy is misconfigured")
		}
		if err := CheckSELinux(); err != nil {
			return errors.Wrap(err, "environment precondition failed")
		}
	}

	if err := protocol.ServerNegotiate(conn); err != nil {
		return err
	}
	logger.Debug("protocol negotiated")

	for {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if err == io.EOF {
				logger.Debug("client disconnected")
				return nil
			}
			return err
		}

		resp, err := dispatch(logger, conn, coord, req)
		if err != nil {
			logger.WithError(err).Warn("request failed")
			resp = protocol.ErrorResponse{Message: err.Error()}
		}

		if err := protocol.WriteResponse(conn, resp); err != nil {
			return err
		}
	}
}

func dispatch(logger *log.Entry, conn *net.UnixConn, coord *Coordinator, req protocol.Request) (protocol.Response, error) {
	switch r := req.(type) {
	case protocol.GetFunctionsRequest:
		fns, err := coord.GetFunctions()
		if err != nil {
			return nil, err
		}
		return protocol.GetFunctionsResponse{Functions: fns}, nil

	case protocol.SetMassStorageRequest:
		fds, err := protocol.ReceiveFds(conn, len(r.Devices))
		if err != nil {
			return nil, err
		}
		for i := range r.Devices {
			r.Devices[i].Fd = fds[i]
		}
		logger.WithField("luns", len(r.Devices)).Info("reconfiguring mass storage")
		if err := coord.SetMassStorage(r.Devices); err != nil {
			return nil, err
		}
		return protocol.SetMassStorageResponse{}, nil

	case protocol.GetMassStorageRequest:
		devs, err := coord.GetMassStorage()
		if err != nil {
			return nil, err
		}
		return protocol.GetMassStorageResponse{Devices: devs}, nil

	default:
		return nil, errUnknownRequest
	}
}
