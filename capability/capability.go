// Package capability manipulates the POSIX capability sets of the calling
// process via capget(2)/capset(2). It is trimmed to the effective,
// permitted, and inheritable sets; bounding-set and ambient-set
// manipulation and file capabilities are out of scope for this program.
package capability

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Cap identifies a single POSIX capability. Values match the kernel's
// CAP_* numbering so they can be used directly as bit offsets.
type Cap uint

const (
	CAP_CHOWN            Cap = 0
	CAP_DAC_OVERRIDE     Cap = 1
	CAP_DAC_READ_SEARCH  Cap = 2
	CAP_FOWNER           Cap = 3
	CAP_FSETID           Cap = 4
	CAP_KILL             Cap = 5
	CAP_SETGID           Cap = 6
	CAP_SETUID           Cap = 7
	CAP_SETPCAP          Cap = 8
	CAP_NET_BIND_SERVICE Cap = 10
	CAP_NET_ADMIN        Cap = 12
	CAP_SYS_ADMIN        Cap = 21
	CAP_SYS_PTRACE       Cap = 19
)

func (c Cap) String() string {
	switch c {
	case CAP_CHOWN:
		return "chown"
	case CAP_DAC_OVERRIDE:
		return "dac_override"
	case CAP_DAC_READ_SEARCH:
		return "dac_read_search"
	case CAP_FOWNER:
		return "fowner"
	case CAP_FSETID:
		return "fsetid"
	case CAP_KILL:
		return "kill"
	case CAP_SETGID:
		return "setgid"
	case CAP_SETUID:
		return "setuid"
	case CAP_SETPCAP:
		return "setpcap"
	case CAP_NET_BIND_SERVICE:
		return "net_bind_service"
	case CAP_NET_ADMIN:
		return "net_admin"
	case CAP_SYS_PTRACE:
		return "sys_ptrace"
	case CAP_SYS_ADMIN:
		return "sys_admin"
	default:
		return "unknown"
	}
}

// linuxCapabilityVersion3 is the only capset/capget ABI version the kernel
// has supported since 2.6.26; it carries two 32-bit words per set, giving
// 64 capability bits.
const linuxCapabilityVersion3 = 0x20080522

type capHeader struct {
	version uint32
	pid     int32
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

// Set is a snapshot of the effective, permitted, and inheritable
// capability sets of a process, represented as bitmasks indexed by Cap.
type Set struct {
	pid                               int
	effective, permitted, inheritable uint64
}

// Load reads the current capability sets of the process identified by pid.
// A pid of 0 means the calling process.
func Load(pid int) (*Set, error) {
	hdr := capHeader{version: linuxCapabilityVersion3, pid: int32(pid)}
	var data [2]capData

	if err := capget(&hdr, &data[0]); err != nil {
		return nil, errors.Wrap(err, "capget")
	}

	s := &Set{pid: pid}
	s.effective = uint64(data[0].effective) | uint64(data[1].effective)<<32
	s.permitted = uint64(data[0].permitted) | uint64(data[1].permitted)<<32
	s.inheritable = uint64(data[0].inheritable) | uint64(data[1].inheritable)<<32
	return s, nil
}

// Effective reports whether c is in the effective set.
func (s *Set) Effective(c Cap) bool { return s.effective&(1<<uint(c)) != 0 }

// Permitted reports whether c is in the permitted set.
func (s *Set) Permitted(c Cap) bool { return s.permitted&(1<<uint(c)) != 0 }

// Inheritable reports whether c is in the inheritable set.
func (s *Set) Inheritable(c Cap) bool { return s.inheritable&(1<<uint(c)) != 0 }

// SetEffective sets or clears c in the effective set (in memory only;
// call Apply to commit).
func (s *Set) SetEffective(c Cap, on bool) { setBit(&s.effective, c, on) }

// SetPermitted sets or clears c in the permitted set (in memory only;
// call Apply to commit).
func (s *Set) SetPermitted(c Cap, on bool) { setBit(&s.permitted, c, on) }

// SetInheritable sets or clears c in the inheritable set (in memory only;
// call Apply to commit).
func (s *Set) SetInheritable(c Cap, on bool) { setBit(&s.inheritable, c, on) }

func setBit(mask *uint64, c Cap, on bool) {
	if on {
		*mask |= 1 << uint(c)
	} else {
		*mask &^= 1 << uint(c)
	}
}

// Only restricts the set to contain exactly the given capability in the
// effective and permitted sets, with an empty inheritable set. This is
// the shape required after dropping privileges: no other capability may
// remain reachable.
func Only(c Cap) *Set {
	s := &Set{}
	s.SetEffective(c, true)
	s.SetPermitted(c, true)
	return s
}

// Apply commits the in-memory sets to the kernel via capset(2).
func (s *Set) Apply() error {
	hdr := capHeader{version: linuxCapabilityVersion3, pid: int32(s.pid)}
	var data [2]capData

	data[0].effective = uint32(s.effective)
	data[1].effective = uint32(s.effective >> 32)
	data[0].permitted = uint32(s.permitted)
	data[1].permitted = uint32(s.permitted >> 32)
	data[0].inheritable = uint32(s.inheritable)
	data[1].inheritable = uint32(s.inheritable >> 32)

	if err := capset(&hdr, &data[0]); err != nil {
		return errors.Wrap(err, "capset")
	}
	return nil
}

func capget(hdr *capHeader, data *capData) error {
	_, _, errno := unix.Syscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(hdr)), uintptr(unsafe.Pointer(data)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func capset(hdr *capHeader, data *capData) error {
	_, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(hdr)), uintptr(unsafe.Pointer(data)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
