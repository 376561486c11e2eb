package sepolicy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixtureDB(t *testing.T) *DB {
	t.Helper()
	db := NewDB()

	for _, name := range []string{
		appDomain, appDomainUserfaultfd, halImplDomain, halDefaultDomain,
		initDomain, kernelDomain, shellDomain, systemFileType, selinuxfsType,
		configfsType, usbControlProp, mediaProvider, mediaProviderApp, fuseType,
	} {
		_, err := db.CreateType(name)
		require.NoError(t, err)
	}

	db.Roles[genericRole] = &RoleInfo{Name: genericRole, Types: map[string]bool{appDomain: true}}

	classPerms := map[string][]string{
		"file":               {"entrypoint", "execute", "map", "read", "open", "getattr", "create", "unlink", "write", "setattr"},
		"dir":                {"search", "add_name", "create", "getattr", "open", "read", "remove_name", "rmdir", "write", "setattr"},
		"lnk_file":           {"read", "create", "getattr", "unlink"},
		"process":            {"rlimitinh", "siginh", "sigstop", "signal", "noatsecure", "transition"},
		"capability":         {"chown", "setgid", "setuid"},
		"fd":                 {"use"},
		"unix_stream_socket": {"connectto"},
	}
	for class, perms := range classPerms {
		ci := &ClassInfo{Name: class, Permissions: map[string]uint32{}}
		for i, p := range perms {
			ci.Permissions[p] = 1 << uint(i)
		}
		db.Classes[class] = ci
	}

	// untrusted_app has a self-connect rule that cloning must not leak
	// into the new service domain unmodified.
	require.NoError(t, db.Allow(appDomain, appDomain, "unix_stream_socket", "connectto"))
	require.NoError(t, db.Allow(halDefaultDomain, halDefaultDomain, "process", "signal"))

	return db
}

func TestPatchCreatesClonedAndSynthesizedDomains(t *testing.T) {
	db := fixtureDB(t)

	require.NoError(t, Patch(db, Options{}))

	require.Contains(t, db.Types, serviceAppDomain)
	require.Contains(t, db.Types, serviceAppUserfaultfd)
	require.Contains(t, db.Types, serviceDaemonDomain)
	require.True(t, db.Roles[genericRole].Types[serviceDaemonDomain])
}

func TestPatchDeniesSelfConnectOnClonedDomain(t *testing.T) {
	db := fixtureDB(t)
	require.NoError(t, Patch(db, Options{}))

	r := db.Rules[ruleKey{Source: serviceAppDomain, Target: serviceAppDomain, Class: "unix_stream_socket"}]
	require.NotNil(t, r)
	connectTo := db.Classes["unix_stream_socket"].Permissions["connectto"]
	require.Equal(t, uint32(0), r.Effective()&connectTo)
}

func TestPatchDeniesDaemonSelfConnect(t *testing.T) {
	db := fixtureDB(t)
	require.NoError(t, Patch(db, Options{}))

	r := db.Rules[ruleKey{Source: serviceDaemonDomain, Target: serviceDaemonDomain, Class: "unix_stream_socket"}]
	require.NotNil(t, r)
	connectTo := db.Classes["unix_stream_socket"].Permissions["connectto"]
	require.NotEqual(t, uint32(0), r.Deny&connectTo)
	require.Equal(t, uint32(0), r.Effective()&connectTo)
}

func TestPatchDeniesDaemonReadingOtherDomains(t *testing.T) {
	db := fixtureDB(t)
	require.NoError(t, Patch(db, Options{}))

	r := db.Rules[ruleKey{Source: serviceDaemonDomain, Target: domainAttr, Class: "file"}]
	require.NotNil(t, r)
	read := db.Classes["file"].Permissions["read"]
	require.NotEqual(t, uint32(0), r.Deny&read)
}

func TestPatchAllowsClientToDaemonConnect(t *testing.T) {
	db := fixtureDB(t)
	require.NoError(t, Patch(db, Options{}))

	r := db.Rules[ruleKey{Source: serviceAppDomain, Target: serviceDaemonDomain, Class: "unix_stream_socket"}]
	require.NotNil(t, r)
	connectTo := db.Classes["unix_stream_socket"].Permissions["connectto"]
	require.NotEqual(t, uint32(0), r.Effective()&connectTo)
}

func TestPatchIsByteIdenticalAcrossRuns(t *testing.T) {
	db1 := fixtureDB(t)
	require.NoError(t, Patch(db1, Options{}))
	out1, err := db1.encode()
	require.NoError(t, err)

	db2 := fixtureDB(t)
	require.NoError(t, Patch(db2, Options{}))
	out2, err := db2.encode()
	require.NoError(t, err)

	require.Equal(t, out1, out2)
}

func TestPatchAllowADBGrantsShellConnect(t *testing.T) {
	db := fixtureDB(t)
	require.NoError(t, Patch(db, Options{AllowADB: true}))

	r := db.Rules[ruleKey{Source: shellDomain, Target: serviceDaemonDomain, Class: "unix_stream_socket"}]
	require.NotNil(t, r)
}

func TestPatchFallsBackToSuWhenHalImplMissing(t *testing.T) {
	db := NewDB()
	for _, name := range []string{
		appDomain, appDomainUserfaultfd, "su", halDefaultDomain,
		initDomain, kernelDomain, shellDomain, systemFileType, selinuxfsType,
		configfsType, usbControlProp, mediaProvider, mediaProviderApp, fuseType,
	} {
		_, err := db.CreateType(name)
		require.NoError(t, err)
	}
	db.Roles[genericRole] = &RoleInfo{Name: genericRole, Types: map[string]bool{}}
	db.Classes["file"] = &ClassInfo{Name: "file", Permissions: map[string]uint32{"entrypoint": 1, "execute": 2, "map": 4, "read": 8, "open": 16, "getattr": 32, "setattr": 64, "create": 128, "write": 256}}
	db.Classes["dir"] = &ClassInfo{Name: "dir", Permissions: map[string]uint32{"search": 1, "add_name": 2, "create": 4, "getattr": 8, "open": 16, "read": 32, "remove_name": 64, "rmdir": 128, "write": 256, "setattr": 512}}
	db.Classes["lnk_file"] = &ClassInfo{Name: "lnk_file", Permissions: map[string]uint32{"read": 1, "create": 2, "getattr": 4, "unlink": 8}}
	db.Classes["process"] = &ClassInfo{Name: "process", Permissions: map[string]uint32{"rlimitinh": 1, "siginh": 2, "sigstop": 4, "signal": 8, "noatsecure": 16, "transition": 32}}
	db.Classes["capability"] = &ClassInfo{Name: "capability", Permissions: map[string]uint32{"chown": 1, "setgid": 2, "setuid": 4}}
	db.Classes["fd"] = &ClassInfo{Name: "fd", Permissions: map[string]uint32{"use": 1}}
	db.Classes["unix_stream_socket"] = &ClassInfo{Name: "unix_stream_socket", Permissions: map[string]uint32{"connectto": 1}}

	require.NoError(t, Patch(db, Options{}))

	r := db.Rules[ruleKey{Source: serviceDaemonDomain, Target: "su", Class: "dir"}]
	require.NotNil(t, r)
}
