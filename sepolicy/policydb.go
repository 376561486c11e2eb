// Package sepolicy models the SELinux policy database as an in-memory
// graph of types, roles, classes, and access-vector rules, and exposes
// the mutations needed to clone an application domain into a new service
// domain and install a fixed rule table. This package does not parse or
// serialize the kernel's compiled binary policy format: Load/Save in
// codec.go use a private encoding of this representation, and this file
// only manipulates the decoded form.
package sepolicy

import (
	"sort"

	"github.com/pkg/errors"
)

// TypeInfo is one type or attribute declaration. SELinux does not
// distinguish types from attributes at the declaration level beyond a
// flag; a type with Attribute set can be added to other types'
// membership instead of being assigned to processes or objects directly.
type TypeInfo struct {
	Name      string
	Attribute bool
	// Attributes this type carries (for ordinary types) or, for an
	// attribute itself, unused.
	Attributes map[string]bool
}

// RoleInfo is one role declaration and the set of types permitted to be
// entered under it.
type RoleInfo struct {
	Name  string
	Types map[string]bool
}

// ClassInfo is one object class and its named permission bits.
type ClassInfo struct {
	Name        string
	Permissions map[string]uint32 // permission name -> single-bit mask
}

// ruleKey identifies one access-vector rule by its (source type, target
// type, class) triple, exactly as the kernel's avtab does.
type ruleKey struct {
	Source, Target, Class string
}

// AVRule is one access-vector entry: independent bitmasks of permissions
// granted (Allow), explicitly denied regardless of Allow (Deny), or
// suppressed from audit when denied (DontAudit). Deny always wins over
// Allow for the same permission bit; Allow and Deny are tracked
// separately (rather than Deny simply clearing Allow) so the patched
// policy records the deny as a fact about the rule, not just an absence.
type AVRule struct {
	Allow     uint32
	Deny      uint32
	DontAudit uint32
}

// Effective returns the permission bits actually granted by r: every
// Allow bit not also present in Deny.
func (r *AVRule) Effective() uint32 {
	return r.Allow &^ r.Deny
}

// Constraint restricts a permission on a class to only hold between a
// fixed set of source and target types, layered on top of whatever the
// avtab allows. CopyConstraints substitutes a new type into existing
// constraints rather than replacing them, so a cloned domain inherits the
// same restrictions as its source.
type Constraint struct {
	Class      string
	Permission string
	Sources    map[string]bool
	Targets    map[string]bool
}

// DB is an in-memory, mutable SELinux policy database.
type DB struct {
	Types       map[string]*TypeInfo
	Roles       map[string]*RoleInfo
	Classes     map[string]*ClassInfo
	Rules       map[ruleKey]*AVRule
	Constraints []*Constraint
}

// NewDB returns an empty database. Real use loads one via Load in
// codec.go rather than constructing one directly.
func NewDB() *DB {
	return &DB{
		Types:   map[string]*TypeInfo{},
		Roles:   map[string]*RoleInfo{},
		Classes: map[string]*ClassInfo{},
		Rules:   map[ruleKey]*AVRule{},
	}
}

// ResolveType looks up a type by name, optionally falling back to an
// alternate name if the primary one is absent. This mirrors policies
// built for the emulator, where a HAL implementation type may not exist
// and the patcher falls back to the generic su type instead.
func (db *DB) ResolveType(name string, fallback ...string) (*TypeInfo, error) {
	if t, ok := db.Types[name]; ok {
		return t, nil
	}
	for _, alt := range fallback {
		if t, ok := db.Types[alt]; ok {
			return t, nil
		}
	}
	return nil, errors.Errorf("type %q not found in policy", name)
}

// ResolveRole looks up a role by name.
func (db *DB) ResolveRole(name string) (*RoleInfo, error) {
	if r, ok := db.Roles[name]; ok {
		return r, nil
	}
	return nil, errors.Errorf("role %q not found in policy", name)
}

// ResolveClass looks up an object class by name.
func (db *DB) ResolveClass(name string) (*ClassInfo, error) {
	if c, ok := db.Classes[name]; ok {
		return c, nil
	}
	return nil, errors.Errorf("class %q not found in policy", name)
}

// ResolvePermission looks up the bit for a named permission of class.
func (c *ClassInfo) ResolvePermission(name string) (uint32, error) {
	if bit, ok := c.Permissions[name]; ok {
		return bit, nil
	}
	return 0, errors.Errorf("permission %q not found in class %q", name, c.Name)
}

// CreateType declares a new type with the given attribute membership. It
// fails if a type with that name already exists.
func (db *DB) CreateType(name string, attributes ...string) (*TypeInfo, error) {
	if _, exists := db.Types[name]; exists {
		return nil, errors.Errorf("type %q already exists", name)
	}
	t := &TypeInfo{Name: name, Attributes: map[string]bool{}}
	for _, a := range attributes {
		t.Attributes[a] = true
	}
	db.Types[name] = t
	return t, nil
}

// AddToRole grants role entry into typeName, creating the association if
// absent. It is idempotent.
func (db *DB) AddToRole(roleName, typeName string) error {
	role, err := db.ResolveRole(roleName)
	if err != nil {
		return err
	}
	if _, err := db.ResolveType(typeName); err != nil {
		return err
	}
	role.Types[typeName] = true
	return nil
}

// CopyRoles adds dst to every role that currently contains src.
func (db *DB) CopyRoles(src, dst string) error {
	if _, err := db.ResolveType(src); err != nil {
		return err
	}
	if _, err := db.ResolveType(dst); err != nil {
		return err
	}
	for _, role := range db.Roles {
		if role.Types[src] {
			role.Types[dst] = true
		}
	}
	return nil
}

// CopyAttributes gives dst every attribute src carries.
func (db *DB) CopyAttributes(src, dst string) error {
	srcType, err := db.ResolveType(src)
	if err != nil {
		return err
	}
	dstType, err := db.ResolveType(dst)
	if err != nil {
		return err
	}
	for attr := range srcType.Attributes {
		dstType.Attributes[attr] = true
	}
	return nil
}

// CopyConstraints adds dst alongside src in every constraint that
// currently mentions src, on either side. It never removes src: the
// source type keeps exactly the restrictions it had before.
func (db *DB) CopyConstraints(src, dst string) error {
	for _, c := range db.Constraints {
		if c.Sources[src] {
			c.Sources[dst] = true
		}
		if c.Targets[src] {
			c.Targets[dst] = true
		}
	}
	return nil
}

// RewriteFunc decides, for one existing rule, whether a derived rule
// should also exist, and if so for which (source, target) pair. Returning
// ok=false leaves the original rule untouched and adds nothing.
type RewriteFunc func(source, target, class string) (newSource, newTarget string, ok bool)

// CopyAvtabRules walks every existing rule and, for each one, asks rewrite
// whether a derived rule should be added. The original rule is never
// mutated or removed; this only ever adds rules alongside what is already
// there, which is what makes domain cloning additive rather than
// destructive.
func (db *DB) CopyAvtabRules(rewrite RewriteFunc) error {
	// Snapshot the keys first: rewrite may itself decide to add rules
	// that, if visited during the same iteration, could be rewritten a
	// second time.
	keys := make([]ruleKey, 0, len(db.Rules))
	for k := range db.Rules {
		keys = append(keys, k)
	}
	sortRuleKeys(keys)

	for _, k := range keys {
		newSource, newTarget, ok := rewrite(k.Source, k.Target, k.Class)
		if !ok {
			continue
		}
		orig := db.Rules[k]
		db.mergeRule(ruleKey{Source: newSource, Target: newTarget, Class: k.Class}, orig.Allow, orig.Deny, orig.DontAudit)
	}
	return nil
}

func (db *DB) mergeRule(key ruleKey, allow, deny, dontaudit uint32) {
	r, ok := db.Rules[key]
	if !ok {
		r = &AVRule{}
		db.Rules[key] = r
	}
	r.Allow |= allow
	r.Deny |= deny
	r.DontAudit |= dontaudit
}

// Allow grants perms on (source, target, class), creating the rule if it
// does not already exist. It is idempotent and additive: existing
// permissions on the rule are never cleared.
func (db *DB) Allow(source, target, class string, perms ...string) error {
	ci, err := db.ResolveClass(class)
	if err != nil {
		return err
	}
	var bits uint32
	for _, p := range perms {
		bit, err := ci.ResolvePermission(p)
		if err != nil {
			return err
		}
		bits |= bit
	}
	db.mergeRule(ruleKey{Source: source, Target: target, Class: class}, bits, 0, 0)
	return nil
}

// DontAudit marks perms on (source, target, class) as not to be audited
// when denied, creating the rule row if needed.
func (db *DB) DontAudit(source, target, class string, perms ...string) error {
	ci, err := db.ResolveClass(class)
	if err != nil {
		return err
	}
	var bits uint32
	for _, p := range perms {
		bit, err := ci.ResolvePermission(p)
		if err != nil {
			return err
		}
		bits |= bit
	}
	db.mergeRule(ruleKey{Source: source, Target: target, Class: class}, 0, 0, bits)
	return nil
}

// Deny records perms as explicitly denied on (source, target, class),
// creating the rule row if it does not already exist, and clears the
// matching Allow bits so the rule's effective permissions reflect the
// deny immediately. Deny always takes precedence over Allow for the same
// bit: a later Allow call re-granting a denied permission sets Allow
// again but never clears Deny, so Effective() continues to exclude it.
func (db *DB) Deny(source, target, class string, perms ...string) error {
	ci, err := db.ResolveClass(class)
	if err != nil {
		return err
	}
	var bits uint32
	for _, p := range perms {
		bit, err := ci.ResolvePermission(p)
		if err != nil {
			return err
		}
		bits |= bit
	}
	db.mergeRule(ruleKey{Source: source, Target: target, Class: class}, 0, bits, 0)
	key := ruleKey{Source: source, Target: target, Class: class}
	db.Rules[key].Allow &^= bits
	return nil
}

// StripDontAudit clears every dontaudit bit in the policy, so denials
// that would otherwise be silently suppressed are reported by the kernel
// audit subsystem. This is meant for debugging a new policy, not for
// production use.
func (db *DB) StripDontAudit() {
	for _, r := range db.Rules {
		r.DontAudit = 0
	}
}

func sortRuleKeys(keys []ruleKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		if keys[i].Target != keys[j].Target {
			return keys[i].Target < keys[j].Target
		}
		return keys[i].Class < keys[j].Class
	})
}
