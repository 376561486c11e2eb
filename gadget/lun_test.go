package gadget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFunction(t *testing.T) *MassStorageFunction {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lun.0"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lun.0", "cdrom"), []byte("0"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lun.0", "ro"), []byte("0"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lun.0", "file"), nil, 0644))
	return &MassStorageFunction{dir: dir}
}

func TestLunsReturnsSortedIndices(t *testing.T) {
	fn := newTestFunction(t)
	require.NoError(t, fn.CreateLun(2))
	require.NoError(t, fn.CreateLun(1))

	luns, err := fn.Luns()
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, luns)
}

func TestSetLunRoundTripsCdromAndRO(t *testing.T) {
	fn := newTestFunction(t)

	f, err := os.CreateTemp(t.TempDir(), "backing")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, fn.SetLun(0, int(f.Fd()), true, true))

	lun, err := fn.GetLun(0)
	require.NoError(t, err)
	require.True(t, lun.Cdrom)
	require.True(t, lun.RO)
}

func TestDeleteLunNotErrorWhenAbsent(t *testing.T) {
	fn := newTestFunction(t)
	require.NoError(t, fn.DeleteLun(5))
}
