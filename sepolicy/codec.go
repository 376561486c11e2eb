package sepolicy

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/nestybox/msd-agent/fsmagic"
)

// KernelPolicyPath and KernelLoadPath are the selinuxfs entries exposing
// the currently loaded policy for reading, and accepting a new policy for
// loading, respectively.
const (
	KernelPolicyPath = "/sys/fs/selinux/policy"
	KernelLoadPath   = "/sys/fs/selinux/load"
)

// magic distinguishes this decoder's own serialization from anything
// else; it is not the kernel's compiled policydb format.
const magic = "MSDPOLDB"

// Load reads and decodes a policy database from path.
func Load(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	return decode(bufio.NewReader(f))
}

// LoadKernel reads KernelPolicyPath and decodes it with Load. It verifies
// KernelPolicyPath is actually selinuxfs before trusting it, guarding
// against a bind-mount or FUSE filesystem impersonating the path. Only
// this package's own MSDPOLDB encoding is decoded; a compiled kernel
// policy is rejected as not a recognized policy database.
func LoadKernel() (*DB, error) {
	if err := fsmagic.Check(KernelPolicyPath, fsmagic.Selinux); err != nil {
		return nil, errors.Wrap(err, "verify selinuxfs policy path")
	}
	return Load(KernelPolicyPath)
}

// Save encodes db and writes it to path. If the file already has
// non-zero length, it is truncated first; a fresh target is simply
// created. After writing, Save reads back the byte count reported by the
// single write(2) call and fails if it does not match the encoded
// length exactly, since a short write would silently install a
// truncated, unparseable policy.
func (db *DB) Save(path string) error {
	data, err := db.encode()
	if err != nil {
		return errors.Wrap(err, "encode policy")
	}

	fi, statErr := os.Stat(path)
	flags := os.O_WRONLY | os.O_CREATE
	if statErr == nil && fi.Size() > 0 {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return errors.Wrapf(err, "open %s for writing", path)
	}
	defer f.Close()

	n, err := f.Write(data)
	if err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if n != len(data) {
		return errors.Errorf("short write to %s: wrote %d of %d bytes", path, n, len(data))
	}
	return nil
}

// SaveKernel writes db to KernelLoadPath with Save. It verifies
// KernelLoadPath is selinuxfs before writing. The bytes written are this
// package's own MSDPOLDB encoding, not the kernel's compiled policy
// format.
func (db *DB) SaveKernel() error {
	if err := fsmagic.Check(KernelLoadPath, fsmagic.Selinux); err != nil {
		return errors.Wrap(err, "verify selinuxfs load path")
	}
	return db.Save(KernelLoadPath)
}

// encode serializes db deterministically: every map in the decoded
// representation is walked in sorted key order, so patching the same
// input twice produces byte-identical output regardless of Go's
// randomized map iteration order.
func (db *DB) encode() ([]byte, error) {
	var buf []byte
	w := newByteWriter(&buf)

	w.bytes([]byte(magic))

	typeNames := sortedKeys(db.Types)
	w.u32(uint32(len(typeNames)))
	for _, name := range typeNames {
		t := db.Types[name]
		w.str(name)
		w.bool(t.Attribute)
		attrs := sortedSet(t.Attributes)
		w.u32(uint32(len(attrs)))
		for _, a := range attrs {
			w.str(a)
		}
	}

	roleNames := sortedKeys(db.Roles)
	w.u32(uint32(len(roleNames)))
	for _, name := range roleNames {
		r := db.Roles[name]
		w.str(name)
		types := sortedSet(r.Types)
		w.u32(uint32(len(types)))
		for _, t := range types {
			w.str(t)
		}
	}

	classNames := sortedKeys(db.Classes)
	w.u32(uint32(len(classNames)))
	for _, name := range classNames {
		c := db.Classes[name]
		w.str(name)
		permNames := make([]string, 0, len(c.Permissions))
		for p := range c.Permissions {
			permNames = append(permNames, p)
		}
		sort.Strings(permNames)
		w.u32(uint32(len(permNames)))
		for _, p := range permNames {
			w.str(p)
			w.u32(c.Permissions[p])
		}
	}

	keys := make([]ruleKey, 0, len(db.Rules))
	for k := range db.Rules {
		keys = append(keys, k)
	}
	sortRuleKeys(keys)
	w.u32(uint32(len(keys)))
	for _, key := range keys {
		r := db.Rules[key]
		w.str(key.Source)
		w.str(key.Target)
		w.str(key.Class)
		w.u32(r.Allow)
		w.u32(r.Deny)
		w.u32(r.DontAudit)
	}

	return buf, w.err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func decode(r io.Reader) (*DB, error) {
	br := newByteReader(r)

	got := br.bytes(len(magic))
	if br.err == nil && string(got) != magic {
		return nil, errors.New("not a recognized policy database")
	}

	db := NewDB()

	nTypes := br.u32()
	for i := uint32(0); i < nTypes && br.err == nil; i++ {
		name := br.str()
		attr := br.bool()
		t := &TypeInfo{Name: name, Attribute: attr, Attributes: map[string]bool{}}
		nAttrs := br.u32()
		for j := uint32(0); j < nAttrs && br.err == nil; j++ {
			t.Attributes[br.str()] = true
		}
		db.Types[name] = t
	}

	nRoles := br.u32()
	for i := uint32(0); i < nRoles && br.err == nil; i++ {
		name := br.str()
		role := &RoleInfo{Name: name, Types: map[string]bool{}}
		nTypes := br.u32()
		for j := uint32(0); j < nTypes && br.err == nil; j++ {
			role.Types[br.str()] = true
		}
		db.Roles[name] = role
	}

	nClasses := br.u32()
	for i := uint32(0); i < nClasses && br.err == nil; i++ {
		name := br.str()
		class := &ClassInfo{Name: name, Permissions: map[string]uint32{}}
		nPerms := br.u32()
		for j := uint32(0); j < nPerms && br.err == nil; j++ {
			p := br.str()
			class.Permissions[p] = br.u32()
		}
		db.Classes[name] = class
	}

	nRules := br.u32()
	for i := uint32(0); i < nRules && br.err == nil; i++ {
		key := ruleKey{Source: br.str(), Target: br.str(), Class: br.str()}
		allow := br.u32()
		deny := br.u32()
		dontaudit := br.u32()
		db.Rules[key] = &AVRule{Allow: allow, Deny: deny, DontAudit: dontaudit}
	}

	if br.err != nil && br.err != io.EOF {
		return nil, errors.Wrap(br.err, "decode policy")
	}
	return db, nil
}

// byteWriter/byteReader are tiny helpers so encode/decode above read as a
// flat sequence of field accesses instead of repeated error-checked calls
// to binary.Write: every call after the first error is a no-op, and the
// accumulated error is checked once at the end.

type byteWriter struct {
	buf *[]byte
	err error
}

func newByteWriter(buf *[]byte) *byteWriter { return &byteWriter{buf: buf} }

func (w *byteWriter) bytes(b []byte) {
	if w.err != nil {
		return
	}
	*w.buf = append(*w.buf, b...)
}

func (w *byteWriter) u32(v uint32) {
	if w.err != nil {
		return
	}
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	*w.buf = append(*w.buf, tmp[:]...)
}

func (w *byteWriter) bool(v bool) {
	if v {
		w.bytes([]byte{1})
	} else {
		w.bytes([]byte{0})
	}
}

func (w *byteWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
}

type byteReader struct {
	r   io.Reader
	err error
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{r: r} }

func (r *byteReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	buf := make([]byte, n)
	_, r.err = io.ReadFull(r.r, buf)
	return buf
}

func (r *byteReader) u32() uint32 {
	b := r.bytes(4)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *byteReader) bool() bool {
	b := r.bytes(1)
	if r.err != nil {
		return false
	}
	return b[0] != 0
}

func (r *byteReader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	return string(r.bytes(int(n)))
}
