package sepolicy

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Fixed symbolic names this patcher resolves in the policy being patched.
// These match the type, role, and class names AOSP's platform policy
// sources declare.
const (
	appDomain             = "untrusted_app"
	appDomainUserfaultfd  = "untrusted_app_userfaultfd"
	serviceAppDomain      = "msd_app"
	serviceAppUserfaultfd = "msd_app_userfaultfd"
	serviceDaemonDomain   = "msd_daemon"
	halImplDomain         = "hal_usb_gadget_impl"
	halImplFallback       = "su"
	halDefaultDomain      = "hal_usb_gadget_default"
	initDomain            = "init"
	kernelDomain          = "kernel"
	shellDomain           = "shell"

	systemFileType  = "system_file"
	selinuxfsType   = "selinuxfs"
	configfsType    = "configfs"
	usbControlProp  = "usb_control_prop"
	mediaProvider   = "mediaprovider"
	mediaProviderApp = "mediaprovider_app"
	fuseType        = "fuse"

	genericRole = "r"

	domainAttr            = "domain"
	mlsTrustedSubjectAttr  = "mlstrustedsubject"
)

// Options controls optional rule-table behavior not needed for a stock
// deployment.
type Options struct {
	// AllowADB additionally permits an adb shell to connect to the
	// daemon, for interactive debugging on engineering builds.
	AllowADB bool
	// StripNoAudit removes every dontaudit rule from the whole policy,
	// so that denials which would otherwise be silently suppressed show
	// up in the audit log. Intended for diagnosing a new policy, not for
	// production use.
	StripNoAudit bool
}

// Patch mutates db in place: it clones the stock application domain into
// a dedicated service domain, synthesizes the privileged daemon domain,
// and installs every rule the daemon needs to operate, deny-listing the
// handful of permissions that domain cloning would otherwise carry over
// unintentionally.
func Patch(db *DB, opts Options) error {
	hal, err := db.ResolveType(halImplDomain, halImplFallback)
	if err != nil {
		return err
	}
	halName := hal.Name
	if halName == halImplFallback {
		log.Warn("hal_usb_gadget_impl not found in policy, falling back to su (emulator build)")
	}

	if err := cloneAppDomain(db); err != nil {
		return errors.Wrap(err, "clone application domain")
	}

	if err := synthesizeServiceDomain(db, halName); err != nil {
		return errors.Wrap(err, "synthesize service domain")
	}

	if err := installRules(db, halName, opts); err != nil {
		return errors.Wrap(err, "install rule table")
	}

	if opts.StripNoAudit {
		db.StripDontAudit()
	}

	return nil
}

// cloneAppDomain creates msd_app (and its userfaultfd companion type) as
// full copies of untrusted_app: same roles, same attributes, same
// constraints, and every avtab rule untrusted_app participates in is
// duplicated with msd_app substituted for untrusted_app on whichever side
// it appeared. The original untrusted_app rules are left untouched.
func cloneAppDomain(db *DB) error {
	if _, err := db.CreateType(serviceAppDomain); err != nil {
		return err
	}
	if _, err := db.CreateType(serviceAppUserfaultfd); err != nil {
		return err
	}

	for _, pair := range [][2]string{
		{appDomain, serviceAppDomain},
		{appDomainUserfaultfd, serviceAppUserfaultfd},
	} {
		src, dst := pair[0], pair[1]
		if err := db.CopyRoles(src, dst); err != nil {
			return err
		}
		if err := db.CopyAttributes(src, dst); err != nil {
			return err
		}
		if err := db.CopyConstraints(src, dst); err != nil {
			return err
		}
	}

	substitute := map[string]string{
		appDomain:            serviceAppDomain,
		appDomainUserfaultfd: serviceAppUserfaultfd,
	}
	rewrite := func(source, target, class string) (string, string, bool) {
		newSource, sOK := substitute[source]
		newTarget, tOK := substitute[target]
		if !sOK && !tOK {
			return "", "", false
		}
		if !sOK {
			newSource = source
		}
		if !tOK {
			newTarget = target
		}
		return newSource, newTarget, true
	}
	return db.CopyAvtabRules(rewrite)
}

// synthesizeServiceDomain creates msd_daemon as a fresh domain (not a
// clone): it is added to the generic role and marked with the domain and
// mlstrustedsubject attributes every platform service domain carries, and
// it inherits hal_usb_gadget_default's "self" rules (rules where the
// default HAL domain acts on itself), substituted to apply to msd_daemon
// acting on itself instead.
func synthesizeServiceDomain(db *DB, halName string) error {
	if _, err := db.ResolveType(halDefaultDomain); err != nil {
		return errors.Wrap(err, "hal_usb_gadget_default must exist in policy")
	}

	if _, err := db.CreateType(serviceDaemonDomain, domainAttr, mlsTrustedSubjectAttr); err != nil {
		return err
	}
	if err := db.AddToRole(genericRole, serviceDaemonDomain); err != nil {
		return err
	}

	rewrite := func(source, target, class string) (string, string, bool) {
		if source == halDefaultDomain && target == halDefaultDomain {
			return serviceDaemonDomain, serviceDaemonDomain, true
		}
		return "", "", false
	}
	if err := db.CopyAvtabRules(rewrite); err != nil {
		return err
	}

	_ = halName
	return nil
}

// installRules writes the fixed set of allow/deny rules the daemon and
// its cloned client domain need, independent of whatever cloneAppDomain
// happened to carry over from untrusted_app.
func installRules(db *DB, halName string, opts Options) error {
	type rule struct {
		source, target, class string
		perms                 []string
	}

	allows := []rule{
		// The daemon binary itself must be executable as the service
		// domain transitions into it.
		{serviceDaemonDomain, systemFileType, "file", []string{"entrypoint", "execute", "map", "read"}},

		// init must be able to transition into the daemon domain and
		// must inherit the resource limits and signal mask init itself
		// runs with.
		{initDomain, serviceDaemonDomain, "process", []string{"transition"}},
		{initDomain, serviceDaemonDomain, "process", []string{"rlimitinh", "siginh"}},

		// The daemon needs exactly the three capabilities its
		// privilege-drop sequence requires.
		{serviceDaemonDomain, serviceDaemonDomain, "capability", []string{"chown", "setgid", "setuid"}},

		// Reading /sys/fs/selinux/enforce as part of the per-connection
		// sanity check.
		{serviceDaemonDomain, selinuxfsType, "file", []string{"open", "read"}},

		// Finding and signaling the vendor gadget HAL process.
		{serviceDaemonDomain, halName, "dir", []string{"search"}},
		{serviceDaemonDomain, halName, "lnk_file", []string{"read"}},
		{serviceDaemonDomain, halName, "file", []string{"read"}},
		{serviceDaemonDomain, halName, "process", []string{"sigstop", "signal"}},

		// Read/write/create/remove access to the gadget configfs tree.
		{serviceDaemonDomain, configfsType, "dir", []string{"add_name", "create", "open", "read", "remove_name", "rmdir", "search", "setattr", "write"}},
		{serviceDaemonDomain, configfsType, "file", []string{"create", "open", "setattr", "write"}},
		{serviceDaemonDomain, configfsType, "lnk_file", []string{"create", "read", "unlink"}},

		// Resolving the active USB controller on Android.
		{serviceDaemonDomain, usbControlProp, "file", []string{"getattr", "map", "open", "read"}},

		// Using file descriptors handed over the control socket by
		// MediaProvider-family clients, and serving them from FUSE.
		{serviceDaemonDomain, mediaProvider, "fd", []string{"use"}},
		{serviceDaemonDomain, mediaProviderApp, "fd", []string{"use"}},
		{serviceDaemonDomain, fuseType, "file", []string{"getattr", "read", "open", "write"}},

		// The kernel hands the daemon its listening socket's fds across
		// the initial accept.
		{kernelDomain, serviceDaemonDomain, "fd", []string{"use"}},

		// The cloned client domain is allowed to reach the daemon's
		// control socket.
		{serviceAppDomain, serviceDaemonDomain, "unix_stream_socket", []string{"connectto"}},
	}

	for _, r := range allows {
		if err := db.Allow(r.source, r.target, r.class, r.perms...); err != nil {
			return err
		}
	}

	// init must not be allowed to preserve the ambient/inheritable
	// capability set or atsecure flag across the transition into the
	// daemon: that is precisely the boundary a privilege-dropping daemon
	// depends on the kernel enforcing.
	if err := db.Deny(initDomain, serviceDaemonDomain, "process", "noatsecure"); err != nil {
		return err
	}

	// The daemon must never be able to read files in an arbitrary other
	// domain, regardless of what domain cloning or self-rule copying
	// happened to carry over.
	if err := db.Deny(serviceDaemonDomain, domainAttr, "file", "read"); err != nil {
		return err
	}

	// The daemon uses a self-connect attempt against its own listening
	// socket as a per-connection liveness probe for the loaded policy (see
	// CheckSELinux); that probe only means anything if the daemon domain
	// is denied permission to connect to itself.
	if err := db.Deny(serviceDaemonDomain, serviceDaemonDomain, "unix_stream_socket", "connectto"); err != nil {
		return err
	}

	// Domain cloning may separately have carried over untrusted_app's own
	// permission to connect to other instances of itself; nothing needs
	// two cloned-app peers talking unix_stream_socket to each other.
	if err := db.Deny(serviceAppDomain, serviceAppDomain, "unix_stream_socket", "connectto"); err != nil {
		return err
	}

	if opts.AllowADB {
		if err := db.Allow(shellDomain, serviceDaemonDomain, "unix_stream_socket", "connectto"); err != nil {
			return err
		}
		if err := db.Allow(serviceDaemonDomain, shellDomain, "fd", "use"); err != nil {
			return err
		}
	}

	return nil
}
