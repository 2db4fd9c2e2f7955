package inode

import (
	"strings"

	"github.com/fsgeek/bitbucket/internal/errs"
)

// ValidName checks the name constraints from §3: no embedded NUL, no
// "/", not "." or "..", non-empty.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// Lookup finds a child by name. The directory inode must already be
// locked by the caller — directory mutation call sites universally
// need the lock for more than this one read, so Lookup does not take
// it itself (mirrors nodefs.Inode.FindChildByMode, which documents the
// same contract).
func (n *Inode) Lookup(name string) (*Inode, bool) {
	if n.dir == nil {
		errs.Abort(errs.Violatef("inode %d: Lookup on non-directory", n.id))
	}
	child, ok := n.dir.entries[name]
	return child, ok
}

// LookupLocked is Lookup but takes and releases the lock itself, for
// call sites that only need the one read.
func (n *Inode) LookupLocked(name string) (*Inode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Lookup(name)
}

// Insert adds name -> child to the directory and gives child one
// lookup reference (§3: "Each entry contributes one lookup reference
// to the child"). The directory must already be locked by the caller.
// Returns EEXIST if name is already taken.
func (n *Inode) Insert(child *Inode, name string) error {
	if n.dir == nil {
		errs.Abort(errs.Violatef("inode %d: Insert on non-directory", n.id))
	}
	if !ValidName(name) {
		return errs.Wrap("insert", errs.InvalidArg)
	}
	if _, exists := n.dir.entries[name]; exists {
		return errs.Wrap("insert", errs.Exists)
	}
	n.dir.entries[name] = child
	child.addRef(RefLookup)
	return nil
}

// Remove deletes name from the directory and returns the child. It
// does not release the lookup reference the entry held on the child;
// the caller releases it via the Table (teardown must happen with the
// directory's lock dropped, since teardown may need to lock the child
// itself). The directory must already be locked by the caller.
func (n *Inode) Remove(name string) (*Inode, error) {
	if n.dir == nil {
		errs.Abort(errs.Violatef("inode %d: Remove on non-directory", n.id))
	}
	child, ok := n.dir.entries[name]
	if !ok {
		return nil, errs.Wrap("remove", errs.NoEntry)
	}
	delete(n.dir.entries, name)
	return child, nil
}

// ReleaseSelf drops a directory's self-reference exactly once,
// permitting it to be torn down once its lookup/kernel refs both
// reach zero (§3: directories hold a self-reference "until explicitly
// deleted"). It is idempotent past the first call.
func (n *Inode) ReleaseSelf(t *Table) {
	n.mu.Lock()
	if n.dir == nil || !n.dir.selfReferenced {
		n.mu.Unlock()
		return
	}
	n.dir.selfReferenced = false
	n.mu.Unlock()
	t.Release(n, RefLookup, 1)
}

// Count returns the number of entries in the directory. The directory
// must already be locked by the caller.
func (n *Inode) Count() int {
	if n.dir == nil {
		errs.Abort(errs.Violatef("inode %d: Count on non-directory", n.id))
	}
	return len(n.dir.entries)
}

// Names returns a sorted snapshot of entry names, used by readdir and
// by Verify. The directory must already be locked by the caller.
func (n *Inode) Names() []string {
	if n.dir == nil {
		errs.Abort(errs.Violatef("inode %d: Names on non-directory", n.id))
	}
	return n.dir.sortedNames()
}

// Entries returns a name->inode snapshot map. The directory must
// already be locked by the caller; the returned map is a shallow copy
// safe to range over after unlocking.
func (n *Inode) Entries() map[string]*Inode {
	if n.dir == nil {
		errs.Abort(errs.Violatef("inode %d: Entries on non-directory", n.id))
	}
	out := make(map[string]*Inode, len(n.dir.entries))
	for k, v := range n.dir.entries {
		out[k] = v
	}
	return out
}

// ExchangeEntries atomically swaps the directory entries for nameA
// (in dirA) and nameB (in dirB), used by the rename engine's exchange
// path (§4.C7). Both directories must already be locked by the caller
// in address order (see LockTwo/UnlockTwo).
func ExchangeEntries(dirA *Inode, nameA string, dirB *Inode, nameB string) error {
	childA, ok := dirA.dir.entries[nameA]
	if !ok {
		return errs.Wrap("exchange", errs.NoEntry)
	}
	childB, ok := dirB.dir.entries[nameB]
	if !ok {
		return errs.Wrap("exchange", errs.NoEntry)
	}
	dirA.dir.entries[nameA] = childB
	dirB.dir.entries[nameB] = childA
	return nil
}

// Verify walks the directory's entries and asserts name uniqueness and
// that every child carries at least one lookup reference from this
// directory. Maps already guarantee name uniqueness structurally, so
// this mainly re-validates the reference accounting invariant (§8.2).
// It is invoked after every mutation when VerifyDirectories is
// enabled (§4.C3 addendum, `verify-directories` option). The directory
// must already be locked by the caller.
func (n *Inode) Verify() {
	if n.dir == nil {
		errs.Abort(errs.Violatef("inode %d: Verify on non-directory", n.id))
	}
	seen := make(map[string]struct{}, len(n.dir.entries))
	for name, child := range n.dir.entries {
		if _, dup := seen[name]; dup {
			errs.Abort(errs.Violatef("directory %d: duplicate entry name %q", n.id, name))
		}
		seen[name] = struct{}{}
		if child.LookupRefs() == 0 {
			errs.Abort(errs.Violatef("directory %d: entry %q -> inode %d has no lookup reference", n.id, name, child.id))
		}
	}
}
