package daemon

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nestybox/msd-agent/gadget"
	"github.com/nestybox/msd-agent/procstop"
	"github.com/nestybox/msd-agent/protocol"
)

// gadgetHALProcess is the executable basename of the vendor HAL service
// that also manages the gadget's UDC binding; it must be paused for the
// duration of a reconfiguration so it does not race this daemon.
const gadgetHALProcess = "android.hardware.usb.gadget-service"

var errUnknownRequest = errors.New("unknown request type")

// Coordinator serializes every mutation of the gadget tree behind a single
// mutex: only one reconfiguration may be in flight at a time, across all
// connections.
type Coordinator struct {
	mu     sync.Mutex
	gadget *gadget.Gadget
}

// NewCoordinator returns a Coordinator operating on g.
func NewCoordinator(g *gadget.Gadget) *Coordinator {
	return &Coordinator{gadget: g}
}

// GetFunctions reports the configfs functions currently wired into the
// active configuration. It takes no lock beyond what the underlying reads
// need, since it only observes state.
func (c *Coordinator) GetFunctions() (map[string]string, error) {
	return c.gadget.Functions()
}

// GetMassStorage reports the daemon's current LUN configuration. Like
// GetFunctions, it takes no lock: it is a snapshot read that may race with
// a concurrent SetMassStorage, and tolerates the same benign races (a LUN
// disappearing mid-enumeration) that the gadget package already absorbs.
func (c *Coordinator) GetMassStorage() ([]protocol.ActiveMassStorageDevice, error) {
	fn := c.gadget.OpenMassStorageFunction()
	indices, err := fn.Luns()
	if err != nil {
		return nil, err
	}

	devs := make([]protocol.ActiveMassStorageDevice, 0, len(indices))
	for _, n := range indices {
		lun, err := fn.GetLun(n)
		if errors.Is(err, unix.ENOENT) {
			// Removed by a concurrent SetMassStorage since Luns ran.
			continue
		}
		if err != nil {
			return nil, err
		}
		devs = append(devs, protocol.ActiveMassStorageDevice{
			Path:  lun.File,
			Cdrom: lun.Cdrom,
			RO:    lun.RO,
		})
	}
	return devs, nil
}

// SetMassStorage replaces the entire mass-storage LUN configuration with
// devices, following the eight-step sequence required to do so safely
// without racing the vendor USB gadget HAL:
//
//  1. validate every incoming fd refers to a regular file
//  2. find and pause every instance of the vendor gadget HAL process
//  3. resolve the platform's usb controller id (an Android system property;
//     absent on non-Android hosts, which fails the request here)
//  4. unbind the UDC, tolerating an already-unbound gadget
//  5. tear down the existing config, LUNs, and function
//  6. rebuild the function, LUNs, and config if devices is non-empty
//  7. rebind the UDC to the controller found in step 3
//  8. resume the paused HAL processes and release the lock
//
// There is no rollback on failure: if a step fails partway through, the
// gadget tree is left in whatever intermediate state that step reached,
// and the caller is expected to retry with a fresh request. This matches
// the non-transactional nature of configfs itself.
func (c *Coordinator) SetMassStorage(devices []protocol.MassStorageDevice) (err error) {
	for _, d := range devices {
		if err := requireRegularFile(d.Fd); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	procs, err := procstop.Find(gadgetHALProcess)
	if err != nil {
		return errors.Wrap(err, "enumerate HAL processes")
	}
	if len(procs) == 0 {
		return errors.Errorf("no running %s process found; cannot safely reconfigure the gadget without suspending it", gadgetHALProcess)
	}
	stoppers, err := procstop.StopAll(procs)
	if err != nil {
		return errors.Wrap(err, "stop HAL processes")
	}
	defer procstop.ReleaseAll(stoppers)

	controller, err := gadget.ResolveController()
	if err != nil {
		return errors.Wrap(err, "resolve usb controller")
	}

	if err := c.gadget.SetController(""); err != nil {
		return errors.Wrap(err, "unbind UDC")
	}

	if err := c.teardown(); err != nil {
		return errors.Wrap(err, "tear down existing configuration")
	}

	if len(devices) > 0 {
		if err := c.rebuild(devices); err != nil {
			return errors.Wrap(err, "rebuild configuration")
		}
	}

	if err := c.gadget.SetController(controller); err != nil {
		return errors.Wrap(err, "rebind UDC")
	}

	return nil
}

func (c *Coordinator) teardown() error {
	if err := c.gadget.DeleteConfig(); err != nil {
		return err
	}

	fn := c.gadget.OpenMassStorageFunction()
	luns, err := fn.Luns()
	if err != nil {
		return err
	}
	for _, n := range luns {
		if n == 0 {
			continue
		}
		if err := fn.DeleteLun(n); err != nil {
			return err
		}
	}
	// lun.0 is created by the kernel along with the function and cannot
	// be removed independently of it; deleting the function removes it.
	if err := c.gadget.DeleteFunction(); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) rebuild(devices []protocol.MassStorageDevice) error {
	if _, err := c.gadget.CreateFunction(); err != nil {
		return err
	}

	fn := c.gadget.OpenMassStorageFunction()
	for i, d := range devices {
		if i > 0 {
			if err := fn.CreateLun(i); err != nil {
				return err
			}
		}
		if err := fn.SetLun(i, d.Fd, d.Cdrom, d.RO); err != nil {
			return err
		}
	}

	if _, err := c.gadget.CreateConfig(); err != nil {
		return err
	}
	return nil
}

// requireRegularFile rejects any fd that is not an ordinary file, so a
// client cannot hand the daemon a socket, fifo, or device node to bind as
// a LUN backing store.
func requireRegularFile(fd int) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return errors.Wrap(err, "fstat backing fd")
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return errors.New("backing fd is not a regular file")
	}
	return nil
}
