// Package procstop enumerates running processes by executable basename and
// provides a scoped helper to suspend one for the duration of a
// reconfiguration step, guaranteeing it is resumed on every exit path.
package procstop

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/msd-agent/fsmagic"
	"github.com/nestybox/msd-agent/pidfd"
)

// Process is a stable handle on a running process discovered via /proc: a
// pidfd plus the basename of the executable it was running at discovery
// time. The pidfd remains valid (SendSignal returns ESRCH) even if the pid
// is reused by a different process after discovery.
type Process struct {
	Pidfd pidfd.PidFd
	Exe   string
}

// Close releases the underlying pidfd.
func (p Process) Close() error {
	return p.Pidfd.Close()
}

// Find walks /proc and returns a Process for every running process whose
// executable basename equals name. Kernel threads, processes that exit
// mid-walk, and processes this caller lacks permission to inspect are
// silently skipped, matching the best-effort nature of a process scan: the
// caller cannot synchronize with process lifecycle any other way.
func Find(name string) ([]Process, error) {
	if err := fsmagic.Check("/proc", fsmagic.Proc); err != nil {
		return nil, errors.Wrap(err, "verify procfs mount")
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, errors.Wrap(err, "read /proc")
	}

	var found []Process
	for _, ent := range entries {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil {
			continue
		}

		exe, err := os.Readlink(filepath.Join("/proc", ent.Name(), "exe"))
		if err != nil {
			// Kernel threads have no exe link; processes that raced us to
			// exit return ENOENT; processes we can't inspect return EACCES.
			continue
		}

		if filepath.Base(exe) != name {
			continue
		}

		pfd, err := pidfd.Open(pid, 0)
		if err != nil {
			// The process may have exited between the readdir and the open.
			log.WithField("pid", pid).WithError(err).Debug("pidfd open failed, skipping")
			continue
		}

		found = append(found, Process{Pidfd: pfd, Exe: filepath.Base(exe)})
	}

	return found, nil
}

// Stopper holds a process suspended via SIGSTOP for as long as it is not
// released. The zero value is not usable; construct one with Stop.
type Stopper struct {
	proc     Process
	resumed  bool
}

// Stop sends SIGSTOP to proc and returns a Stopper that will resume it.
// The caller must call Release (directly or via a defer) on every exit
// path, including error paths, or the target process is left stopped
// forever.
func Stop(proc Process) (*Stopper, error) {
	if err := proc.Pidfd.SendSignal(unix.SIGSTOP, 0); err != nil {
		return nil, errors.Wrapf(err, "SIGSTOP %s", proc.Exe)
	}
	return &Stopper{proc: proc}, nil
}

// Release sends SIGCONT to the held process and closes its pidfd. It is
// safe to call Release more than once; only the first call has effect.
// Errors resuming one Stopper never prevent other Stoppers in the same
// batch from being released — each Stopper's failure is independent.
func (s *Stopper) Release() error {
	if s == nil || s.resumed {
		return nil
	}
	s.resumed = true

	err := s.proc.Pidfd.SendSignal(unix.SIGCONT, 0)
	if err != nil {
		log.WithField("exe", s.proc.Exe).WithError(err).Warn("failed to resume stopped process")
	}
	if cerr := s.proc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// StopAll stops every process in procs, returning the Stoppers created so
// far. If any Stop call fails, StopAll releases everything already stopped
// before returning the error, leaving no process suspended.
func StopAll(procs []Process) ([]*Stopper, error) {
	stoppers := make([]*Stopper, 0, len(procs))
	for _, p := range procs {
		s, err := Stop(p)
		if err != nil {
			ReleaseAll(stoppers)
			return nil, err
		}
		stoppers = append(stoppers, s)
	}
	return stoppers, nil
}

// ReleaseAll releases every Stopper in stoppers, continuing past
// individual failures so that one stuck process cannot prevent the others
// from resuming.
func ReleaseAll(stoppers []*Stopper) {
	for _, s := range stoppers {
		_ = s.Release()
	}
}
