package gadget

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// androidGetprop is the path to Android's property-query binary. It exists
// only on real Android device and emulator builds; its absence is how this
// package detects it is running on a desktop-Linux development host
// instead, per spec's non-Android portability note.
const androidGetprop = "/system/bin/getprop"

// usbControllerProperty is the Android system property naming the USB
// device controller the gadget should bind to, set by the platform's init
// scripts from the board config.
const usbControllerProperty = "sys.usb.controller"

// ResolveController reads the platform's usb controller id, the value
// written to the gadget's UDC attribute to activate it. There is no
// configfs equivalent to query this directly: the controller name comes
// from the platform, not the gadget tree, which is why this is a
// standalone lookup rather than a Gadget method.
//
// On a desktop-Linux host running without Android's property service,
// androidGetprop does not exist and this fails with a clear diagnostic,
// matching spec's documented non-Android development-emulator carve-out.
func ResolveController() (string, error) {
	if _, err := os.Stat(androidGetprop); err != nil {
		return "", errors.Wrap(err, "usb controller property unavailable: not running on Android")
	}

	out, err := exec.Command(androidGetprop, usbControllerProperty).Output()
	if err != nil {
		return "", errors.Wrapf(err, "query property %s", usbControllerProperty)
	}

	name := trimTrailingNewline(string(out))
	if name == "" {
		return "", errors.Errorf("property %s is not set", usbControllerProperty)
	}
	return name, nil
}
