// Package privdrop implements the one-shot privilege drop the daemon
// performs at startup, before binding its listening socket: from root,
// down to a fixed unprivileged uid/gid, retaining only CAP_CHOWN.
package privdrop

import (
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/msd-agent/capability"
)

// TargetUID and TargetGID are the fixed identity the daemon runs as once
// privileges are dropped. These match Android's AID_SYSTEM.
const (
	TargetUID = 1000
	TargetGID = 1000
)

// Drop transitions the calling process from root to TargetUID/TargetGID,
// retaining exactly CAP_CHOWN in the effective and permitted sets (needed
// to chown newly created configfs attribute files back to the real uid),
// with an empty inheritable set so the capability does not survive exec.
//
// Drop must be called exactly once, before any untrusted input is
// processed. If the process is already running as TargetUID/TargetGID, it
// only requires CAP_CHOWN to already be present; otherwise it must be
// running as root and performs the full uid/gid transition.
func Drop() error {
	uid := unix.Getuid()
	gid := unix.Getgid()

	switch {
	case uid == TargetUID && gid == TargetGID:
		caps, err := capability.Load(0)
		if err != nil {
			return errors.Wrap(err, "load capabilities")
		}
		if !caps.Effective(capability.CAP_CHOWN) {
			return errors.New("already running unprivileged but missing CAP_CHOWN")
		}
		log.Debug("already running as target identity with CAP_CHOWN present")

	case uid == 0 && gid == 0:
		// Use the syscall package, not golang.org/x/sys/unix, for the
		// actual id transition: since Go 1.16 the runtime special-cases
		// syscall.Setresuid/Setresgid/Setgroups to synchronize the change
		// across every OS thread in the process. unix's versions issue the
		// raw syscall on the calling thread only, which would leave other
		// goroutines scheduled onto still-root threads.
		if err := setKeepCaps(true); err != nil {
			return errors.Wrap(err, "set PR_SET_KEEPCAPS")
		}
		if err := syscall.Setgroups(nil); err != nil {
			return errors.Wrap(err, "clear supplementary groups")
		}
		if err := syscall.Setresgid(TargetGID, TargetGID, TargetGID); err != nil {
			return errors.Wrap(err, "setresgid")
		}
		if err := syscall.Setresuid(TargetUID, TargetUID, TargetUID); err != nil {
			return errors.Wrap(err, "setresuid")
		}
		log.WithField("uid", TargetUID).WithField("gid", TargetGID).Info("dropped privileges")

	default:
		return errors.Errorf("refusing to drop privileges from uid=%d gid=%d: expected root or target identity", uid, gid)
	}

	only := capability.Only(capability.CAP_CHOWN)
	only.SetInheritable(capability.CAP_CHOWN, false)
	if err := only.Apply(); err != nil {
		return errors.Wrap(err, "restrict capability set")
	}

	return nil
}

func setKeepCaps(keep bool) error {
	var val uintptr
	if keep {
		val = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_KEEPCAPS, val, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
