package protocol

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "sockpair")
		c, err := net.FileConn(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		uc, ok := c.(*net.UnixConn)
		require.True(t, ok)
		return uc
	}

	return toConn(fds[0]), toConn(fds[1])
}

func TestSendReceiveFds(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "fdpass")
	require.NoError(t, err)
	defer tmp.Close()

	done := make(chan error, 1)
	go func() {
		done <- SendFds(a, []int{int(tmp.Fd())})
	}()

	got, err := ReceiveFds(b, 1)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Len(t, got, 1)
	unix.Close(got[0])
}

func TestReceiveFdsRejectsCountMismatch(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "fdpass")
	require.NoError(t, err)
	defer tmp.Close()

	done := make(chan error, 1)
	go func() {
		done <- SendFds(a, []int{int(tmp.Fd())})
	}()

	_, err = ReceiveFds(b, 2)
	require.Error(t, err)
	<-done
}
