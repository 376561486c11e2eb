// Package fsmagic guards filesystem operations against bind-mount or FUSE
// impersonation of privileged pseudo-filesystems by checking the f_type
// field returned by statfs(2) against the expected magic number before
// trusting a path.
package fsmagic

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Magic numbers for the pseudo-filesystems this program trusts. These are
// not exposed by golang.org/x/sys/unix under these names, so they are
// reproduced here from the kernel's magic.h.
const (
	Configfs = 0x62656570
	Proc     = 0x9fa0
	Selinux  = 0xf97cff8c
)

// Check verifies that path is rooted in a filesystem whose magic number
// matches want. It returns an error if the statfs call fails or the
// filesystem does not match.
func Check(path string, want int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return errors.Wrapf(err, "statfs %s", path)
	}
	if int64(st.Type) != want {
		return errors.Errorf("%s: unexpected filesystem magic %#x, want %#x", path, st.Type, want)
	}
	return nil
}

// CheckFd is like Check but operates on an already-open file descriptor,
// avoiding a second path lookup that could race with an attacker swapping
// the mount out from under us between open and statfs.
func CheckFd(fd int, want int64) error {
	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return errors.Wrap(err, "fstatfs")
	}
	if int64(st.Type) != want {
		return errors.Errorf("fd %d: unexpected filesystem magic %#x, want %#x", fd, st.Type, want)
	}
	return nil
}
