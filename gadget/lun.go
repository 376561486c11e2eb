package gadget

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MassStorageFunction is a handle on mass_storage.msd's lun.N
// subdirectories.
type MassStorageFunction struct {
	dir string
}

func lunDirName(n int) string {
	return "lun." + strconv.Itoa(n)
}

// Luns returns the indices of all lun.N directories currently present,
// in ascending order.
func (f *MassStorageFunction) Luns() ([]int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", f.dir)
	}

	var luns []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "lun.") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "lun."))
		if err != nil {
			continue
		}
		luns = append(luns, n)
	}
	sort.Ints(luns)
	return luns, nil
}

// CreateLun creates lun.N if it does not already exist.
func (f *MassStorageFunction) CreateLun(n int) error {
	p := filepath.Join(f.dir, lunDirName(n))
	if err := os.Mkdir(p, 0755); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.Wrapf(err, "mkdir %s", p)
	}
	return chownToReal(p)
}

// DeleteLun removes lun.N. It is not an error if it is already absent.
func (f *MassStorageFunction) DeleteLun(n int) error {
	p := filepath.Join(f.dir, lunDirName(n))
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", p)
	}
	return nil
}

// Lun describes the current attributes of one configured LUN.
type Lun struct {
	Cdrom bool
	RO    bool
	// File is the target of the backing-file symlink the kernel exposes
	// as /proc/<pid>/fd/<n> once a file descriptor is assigned; it is
	// empty if no backing file is currently set.
	File string
}

// GetLun reads back the current attributes of lun.N.
func (f *MassStorageFunction) GetLun(n int) (Lun, error) {
	dir := filepath.Join(f.dir, lunDirName(n))

	cdrom, err := readBoolAttr(filepath.Join(dir, "cdrom"))
	if err != nil {
		return Lun{}, err
	}
	ro, err := readBoolAttr(filepath.Join(dir, "ro"))
	if err != nil {
		return Lun{}, err
	}

	filePath := filepath.Join(dir, "file")
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Lun{}, errors.Wrapf(err, "read %s", filePath)
	}

	return Lun{Cdrom: cdrom, RO: ro, File: trimTrailingNewline(string(data))}, nil
}

// SetLun configures lun.N to serve fd as its backing file, with the given
// cdrom/ro attributes. Attributes are written in the order the kernel
// driver expects: cdrom and ro before the file assignment, since the
// driver snapshots cdrom/ro at the moment a backing file is bound.
func (f *MassStorageFunction) SetLun(n int, fd int, cdrom, ro bool) error {
	dir := filepath.Join(f.dir, lunDirName(n))

	if err := writeBoolAttr(filepath.Join(dir, "cdrom"), cdrom); err != nil {
		return err
	}
	if err := writeBoolAttr(filepath.Join(dir, "ro"), ro); err != nil {
		return err
	}

	target := fmt.Sprintf("/proc/%d/fd/%d\n", unix.Getpid(), fd)
	filePath := filepath.Join(dir, "file")
	if err := os.WriteFile(filePath, []byte(target), 0644); err != nil {
		return errors.Wrapf(err, "write %s", filePath)
	}
	return nil
}

func readBoolAttr(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "read %s", path)
	}
	v := trimTrailingNewline(string(data))
	return v == "1", nil
}

func writeBoolAttr(path string, v bool) error {
	val := "0\n"
	if v {
		val = "1\n"
	}
	if err := os.WriteFile(path, []byte(val), 0644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}
