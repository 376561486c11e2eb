// Package gadget manipulates the Linux USB gadget configfs tree rooted at
// /config/usb_gadget/g1, tearing down and rebuilding the mass-storage
// function and its LUNs the way Android's init scripts do at boot, but
// driven dynamically at runtime by the daemon.
package gadget

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nestybox/msd-agent/fsmagic"
)

// Fixed configfs layout, matching the paths AOSP's init.usb.configfs.rc
// creates at boot.
const (
	Root           = "/config/usb_gadget/g1"
	ConfigsName    = "b.1"
	FunctionName   = "mass_storage.msd"
	ConfigName     = "msd"
	udcAttr        = "UDC"
	configsDirName = "configs"
	functionsDir   = "functions"
)

// Gadget is a handle on the gadget root directory, opened and verified to
// sit on configfs before any path beneath it is trusted.
type Gadget struct {
	root string
}

// Open verifies Root is a configfs mount and returns a handle on it.
func Open() (*Gadget, error) {
	if err := fsmagic.Check(Root, fsmagic.Configfs); err != nil {
		return nil, errors.Wrap(err, "open gadget root")
	}
	return &Gadget{root: Root}, nil
}

// openTestRoot returns a handle rooted at dir without the configfs magic
// check, so tests can exercise the tree-manipulation logic against a
// plain temporary directory standing in for configfs.
func openTestRoot(dir string) *Gadget {
	return &Gadget{root: dir}
}

func (g *Gadget) path(elem ...string) string {
	return filepath.Join(append([]string{g.root}, elem...)...)
}

// checked joins elem onto the gadget root and re-verifies the result is
// still rooted in configfs, defending against a TOCTOU bind-mount swap
// performed between Open and this call.
func (g *Gadget) checked(elem ...string) (string, error) {
	p := g.path(elem...)
	if err := fsmagic.Check(p, fsmagic.Configfs); err != nil {
		return "", err
	}
	return p, nil
}

// SetController writes name to the gadget's UDC attribute, binding the
// gadget to that controller, or clears the binding when name is empty.
// Unbinding an already-unbound gadget (ENODEV) is treated as success: the
// desired end state is already reached.
func (g *Gadget) SetController(name string) error {
	p := g.path(udcAttr)
	err := os.WriteFile(p, []byte(name+"\n"), 0644)
	if name == "" && errors.Is(err, unix.ENODEV) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "write %s", p)
	}
	return nil
}

// Functions maps each symlink name in the active configuration to the
// basename of the function directory it points at, skipping dangling symlinks
// left behind by a half-completed previous reconfiguration.
func (g *Gadget) Functions() (map[string]string, error) {
	configDir := g.path(configsDirName, ConfigsName)
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrapf(err, "read %s", configDir)
	}

	out := map[string]string{}
	for _, ent := range entries {
		if ent.Type()&os.ModeSymlink == 0 {
			continue
		}
		full := filepath.Join(configDir, ent.Name())
		target, err := filepath.EvalSymlinks(full)
		if err != nil {
			log.WithField("link", full).WithError(err).Debug("skipping dangling function symlink")
			continue
		}
		out[ent.Name()] = filepath.Base(target)
	}
	return out, nil
}

// CreateFunction creates the mass_storage.msd function directory if it
// does not already exist. It returns true if it created the directory,
// false if it already existed.
func (g *Gadget) CreateFunction() (bool, error) {
	p := g.path(functionsDir, FunctionName)
	if err := os.Mkdir(p, 0755); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "mkdir %s", p)
	}
	if err := chownToReal(p); err != nil {
		return true, err
	}
	return true, nil
}

// DeleteFunction removes the mass_storage.msd function directory. It is
// not an error if the directory does not exist.
func (g *Gadget) DeleteFunction() error {
	p := g.path(functionsDir, FunctionName)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", p)
	}
	return nil
}

// CreateConfig creates the config directory and symlinks the
// mass_storage.msd function into it under the name ConfigName, if not
// already present. It returns true if it made a change. If the link
// already exists but points at a different function, it fails rather
// than silently leaving the wrong function configured.
func (g *Gadget) CreateConfig() (bool, error) {
	configDir := g.path(configsDirName, ConfigsName)
	created := false
	if err := os.Mkdir(configDir, 0755); err != nil {
		if !os.IsExist(err) {
			return false, errors.Wrapf(err, "mkdir %s", configDir)
		}
	} else {
		created = true
		if err := chownToReal(configDir); err != nil {
			return created, err
		}
	}

	link := filepath.Join(configDir, ConfigName)
	target := g.path(functionsDir, FunctionName)
	if err := os.Symlink(target, link); err != nil {
		if !os.IsExist(err) {
			return created, errors.Wrapf(err, "symlink %s -> %s", link, target)
		}
		existing, readErr := os.Readlink(link)
		if readErr != nil || filepath.Base(existing) != FunctionName {
			return created, errors.Wrapf(err, "symlink %s -> %s", link, target)
		}
		return created, nil
	}
	return true, nil
}

// DeleteConfig removes the ConfigName symlink from the config and
// then removes the now-empty config directory. It is not an error if
// either is already absent.
func (g *Gadget) DeleteConfig() error {
	configDir := g.path(configsDirName, ConfigsName)
	link := filepath.Join(configDir, ConfigName)

	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", link)
	}
	if err := os.Remove(configDir); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", configDir)
	}
	return nil
}

// OpenMassStorageFunction returns a handle on the mass_storage.msd
// function's LUN directories.
func (g *Gadget) OpenMassStorageFunction() *MassStorageFunction {
	return &MassStorageFunction{dir: g.path(functionsDir, FunctionName)}
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// chownToReal chowns a freshly-created configfs directory (and the
// attribute files the kernel populates inside it at creation time) from
// root to the daemon's current real uid/gid, i.e. the identity it runs as
// after the privilege drop. Configfs creates new entries owned by root
// regardless of the writer's identity; this call requires CAP_CHOWN,
// the one capability retained across the privilege drop for exactly this
// purpose.
func chownToReal(dir string) error {
	uid := unix.Getuid()
	gid := unix.Getgid()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if err := os.Chown(dir, uid, gid); err != nil {
		return errors.Wrapf(err, "chown %s", dir)
	}
	for _, name := range names {
		p := filepath.Join(dir, name)
		if err := os.Chown(p, uid, gid); err != nil {
			return errors.Wrapf(err, "chown %s", p)
		}
	}
	return nil
}
