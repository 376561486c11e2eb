// Package pidfd wraps the pidfd_open(2) and pidfd_send_signal(2) syscalls,
// giving callers a race-free handle on a process: unlike signaling by pid,
// a pidfd cannot be accidentally redirected at a reused pid once the
// original process has exited.
package pidfd

import (
	"golang.org/x/sys/unix"
)

// PidFd is an open handle obtained from pidfd_open. The zero value is not
// a valid PidFd; always obtain one via Open.
type PidFd struct {
	fd int
}

// Open returns a pidfd handle for the given pid. flags is reserved by the
// kernel and must currently be 0.
func Open(pid int, flags uint) (PidFd, error) {
	fd, _, errno := unix.Syscall(unix.SYS_PIDFD_OPEN, uintptr(pid), uintptr(flags), 0)
	if errno != 0 {
		return PidFd{}, errno
	}
	return PidFd{fd: int(fd)}, nil
}

// Fd returns the underlying file descriptor number. The returned value is
// only valid until Close is called.
func (p PidFd) Fd() int {
	return p.fd
}

// SendSignal sends the given signal to the process referred to by this
// pidfd. flags is reserved by the kernel and must currently be 0.
//
// If the process has already exited, SendSignal returns syscall.ESRCH.
func (p PidFd) SendSignal(signal unix.Signal, flags uint) error {
	_, _, errno := unix.Syscall(unix.SYS_PIDFD_SEND_SIGNAL, uintptr(p.fd), uintptr(signal), 0)
	_ = flags
	if errno != 0 {
		return errno
	}
	return nil
}

// Close releases the pidfd. Callers must call Close exactly once when done
// with the handle; pidfds are ordinary file descriptors and are not
// reclaimed by the garbage collector.
func (p PidFd) Close() error {
	return unix.Close(p.fd)
}
