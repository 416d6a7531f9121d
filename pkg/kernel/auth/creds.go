// Package auth holds the credential state carried by every task: the
// real/effective/saved uid and gid triples and the umask.
package auth

import "golang.org/x/sys/unix"

// KUID and KGID are kernel-internal user and group identifiers. They are
// distinct types from plain ints so that uid/gid are never accidentally
// compared against a pid or fd number.
type KUID uint32
type KGID uint32

// RootKUID and RootKGID are the identifiers of the superuser, matching the
// original kernel's default construction (real/effective/saved = 0).
const (
	RootKUID KUID = 0
	RootKGID KGID = 0
)

// DefaultUmask is installed on every newly constructed task.
const DefaultUmask = 0o022

// Credentials holds a task's uid/gid triples and umask.
type Credentials struct {
	RealUID      KUID
	EffectiveUID KUID
	SavedUID     KUID

	RealGID      KGID
	EffectiveGID KGID
	SavedGID     KGID

	Umask uint32
}

// NewRootCredentials returns the credential set installed on a freshly
// constructed task: uid/gid all zero (root), umask 022.
func NewRootCredentials() *Credentials {
	return &Credentials{Umask: DefaultUmask}
}

// Copy returns a deep copy of c; Credentials is forked by value, never by
// reference, so that a child's later setuid calls never affect the parent.
func (c *Credentials) Copy() *Credentials {
	cp := *c
	return &cp
}

// SetUID implements setuid(2) semantics: root may set all three fields;
// otherwise the new uid must already equal
// one of the three, and only the effective uid changes.
func (c *Credentials) SetUID(uid KUID) error {
	if c.EffectiveUID == RootKUID {
		c.RealUID, c.EffectiveUID, c.SavedUID = uid, uid, uid
		return nil
	}
	if c.RealUID == uid || c.EffectiveUID == uid || c.SavedUID == uid {
		c.EffectiveUID = uid
		return nil
	}
	return unix.EPERM
}

// SetEUID implements seteuid(2): the new euid must equal one of the
// existing triple, regardless of privilege.
func (c *Credentials) SetEUID(euid KUID) error {
	if c.RealUID == euid || c.EffectiveUID == euid || c.SavedUID == euid {
		c.EffectiveUID = euid
		return nil
	}
	return unix.EPERM
}

// SetGID implements setgid(2), mirroring SetUID.
func (c *Credentials) SetGID(gid KGID) error {
	if c.EffectiveUID == RootKUID {
		c.RealGID, c.EffectiveGID, c.SavedGID = gid, gid, gid
		return nil
	}
	if c.RealGID == gid || c.EffectiveGID == gid || c.SavedGID == gid {
		c.EffectiveGID = gid
		return nil
	}
	return unix.EPERM
}

// SetEGID implements setegid(2), mirroring SetEUID.
func (c *Credentials) SetEGID(egid KGID) error {
	if c.RealGID == egid || c.EffectiveGID == egid || c.SavedGID == egid {
		c.EffectiveGID = egid
		return nil
	}
	return unix.EPERM
}

// UpdateForExecve recomputes the effective uid/gid across an execve of
// a binary with the given suid/sgid bits and owner: effective becomes
// the file's owning uid/gid if the corresponding bit is set, otherwise it
// is inherited unchanged from the caller; saved is then set to the
// resulting effective id in both cases.
func (c *Credentials) UpdateForExecve(isSUID, isSGID bool, fileUID KUID, fileGID KGID) {
	if isSUID {
		c.EffectiveUID = fileUID
	}
	c.SavedUID = c.EffectiveUID
	if isSGID {
		c.EffectiveGID = fileGID
	}
	c.SavedGID = c.EffectiveGID
}
