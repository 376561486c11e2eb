package gadget

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGadget(t *testing.T) *Gadget {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, functionsDir), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, configsDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, udcAttr), nil, 0644))
	return openTestRoot(dir)
}

func TestSetControllerIdempotentUnbind(t *testing.T) {
	g := newTestGadget(t)

	require.NoError(t, g.SetController(""))
	require.NoError(t, g.SetController(""))
}

func TestCreateConfigIsIdempotent(t *testing.T) {
	g := newTestGadget(t)

	_, err := g.CreateFunction()
	require.NoError(t, err)

	created, err := g.CreateConfig()
	require.NoError(t, err)
	require.True(t, created)

	created, err = g.CreateConfig()
	require.NoError(t, err)
	require.False(t, created)
}

func TestFunctionsSkipsDanglingSymlink(t *testing.T) {
	g := newTestGadget(t)
	configDir := filepath.Join(g.root, configsDirName, ConfigsName)
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.Symlink(filepath.Join(g.root, functionsDir, "ghost"), filepath.Join(configDir, "ghost")))

	fns, err := g.Functions()
	require.NoError(t, err)
	require.Empty(t, fns)
}

func TestDeleteConfigThenFunctionIsNotErrorWhenAbsent(t *testing.T) {
	g := newTestGadget(t)

	require.NoError(t, g.DeleteConfig())
	require.NoError(t, g.DeleteFunction())
}

func TestCreateAndDeleteFunction(t *testing.T) {
	g := newTestGadget(t)

	created, err := g.CreateFunction()
	require.NoError(t, err)
	require.True(t, created)

	created, err = g.CreateFunction()
	require.NoError(t, err)
	require.False(t, created)

	require.NoError(t, g.DeleteFunction())
	require.NoError(t, g.DeleteFunction())
}
