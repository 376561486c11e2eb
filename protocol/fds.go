package protocol

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxFds bounds how many descriptors a single SendFds/ReceiveFds call will
// pass, matching the collection-count limit used elsewhere on the wire.
const MaxFds = maxCollectionLen

// SendFds passes fds to the peer over conn as SCM_RIGHTS ancillary data,
// attached to a single one-byte sentinel message.
func SendFds(conn *net.UnixConn, fds []int) error {
	if len(fds) == 0 {
		return nil
	}
	if len(fds) > MaxFds {
		return errors.Errorf("too many fds to send: %d exceeds %d", len(fds), MaxFds)
	}

	rights := unix.UnixRights(fds...)
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "get raw conn")
	}

	var sendErr error
	ctlErr := raw.Control(func(fd uintptr) {
		sendErr = unix.Sendmsg(int(fd), []byte{0}, rights, nil, 0)
	})
	if ctlErr != nil {
		return errors.Wrap(ctlErr, "control")
	}
	return errors.Wrap(sendErr, "sendmsg")
}

// ReceiveFds reads a single message from conn expecting exactly want file
// descriptors attached as one SCM_RIGHTS ancillary message. Any other
// shape — zero rights messages, more than one rights message, or a
// mismatched descriptor count — is treated as a protocol violation and
// any descriptors received are closed before returning the error, so a
// malicious peer cannot smuggle extra descriptors into this process.
func ReceiveFds(conn *net.UnixConn, want int) ([]int, error) {
	if want == 0 {
		return nil, nil
	}
	if want > MaxFds {
		return nil, errors.Errorf("too many fds requested: %d exceeds %d", want, MaxFds)
	}

	oob := make([]byte, unix.CmsgSpace(want*4))
	buf := make([]byte, 1)

	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "get raw conn")
	}

	var n, oobn, recvFlags int
	var recvErr error
	ctlErr := raw.Control(func(fd uintptr) {
		n, oobn, recvFlags, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
	})
	if ctlErr != nil {
		return nil, errors.Wrap(ctlErr, "control")
	}
	if recvErr != nil {
		return nil, errors.Wrap(recvErr, "recvmsg")
	}
	_ = n

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, errors.Wrap(err, "parse control message")
	}

	var allFds []int
	rightsMsgs := 0
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		rightsMsgs++
		allFds = append(allFds, fds...)
	}

	closeAll := func() {
		for _, fd := range allFds {
			_ = unix.Close(fd)
		}
	}

	if recvFlags&unix.MSG_CTRUNC != 0 {
		// The peer sent more descriptors than oob has room for.
		closeAll()
		return nil, errors.Errorf("expected exactly %d descriptors, got more", want)
	}
	if rightsMsgs != 1 {
		closeAll()
		return nil, errors.Errorf("expected exactly one SCM_RIGHTS message, got %d", rightsMsgs)
	}
	if len(allFds) != want {
		closeAll()
		return nil, errors.Errorf("expected exactly %d descriptors, got %d", want, len(allFds))
	}

	return allFds, nil
}
