package daemon

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nestybox/msd-agent/fsmagic"
)

// enforceAttr is the selinuxfs attribute reporting whether SELinux is
// currently in enforcing mode.
const enforceAttr = "/sys/fs/selinux/enforce"

// checkPeerNotSelf reads the kernel-verified credentials of the peer on
// the accepted connection conn and fails if the peer's pid equals
// ownPid. A client connecting to its own daemon from inside the daemon's
// own process would mean the SELinux policy failed to keep this domain
// from talking to itself over this socket type; there is no legitimate
// reason for it to happen, so it is treated as a hard, connection-ending
// misconfiguration rather than a request-level failure.
func checkPeerNotSelf(conn *net.UnixConn, ownPid int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "get raw conn")
	}

	var cred *unix.Ucred
	var credErr error
	ctlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil {
		return errors.Wrap(ctlErr, "control")
	}
	if credErr != nil {
		return errors.Wrap(credErr, "read peer credentials")
	}

	if int(cred.Pid) == ownPid {
		return errors.New("peer pid equals daemon pid: SELinux policy is not denying same-domain connects")
	}
	return nil
}

// CheckSELinux verifies the environment this daemon is about to serve
// actually has its access-control policy loaded and enforced, rather than
// relying on the daemon's own privilege drop as the only barrier between
// clients and the gadget tree.
//
// It checks two things: that /sys/fs/selinux/enforce reads "1", and that
// attempting to connect to our own listening socket fails with a
// permission error. The latter catches a policy that is enforcing but
// missing the specific rule denying same-domain connects to this service
// — a state where the enforce flag alone would give false confidence.
func CheckSELinux() error {
	if err := fsmagic.Check("/sys/fs/selinux", fsmagic.Selinux); err != nil {
		return errors.Wrap(err, "verify selinuxfs mount")
	}

	data, err := os.ReadFile(enforceAttr)
	if err != nil {
		return errors.Wrap(err, "read selinux enforce attribute")
	}
	if len(data) == 0 || data[0] != '1' {
		return errors.New("selinux is not in enforcing mode")
	}

	addr, err := net.ResolveUnixAddr("unix", socketName)
	if err != nil {
		return errors.Wrap(err, "resolve socket address")
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err == nil {
		conn.Close()
		return errors.New("self-connect to control socket unexpectedly succeeded: policy is not denying same-domain connects")
	}
	if !errors.Is(err, unix.EACCES) && !errors.Is(err, unix.EPERM) {
		return errors.Wrap(err, "self-connect failed with unexpected error")
	}

	return nil
}
