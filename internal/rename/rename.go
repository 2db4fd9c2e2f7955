// Package rename implements the cross-directory rename engine (§4.C7),
// grounded on finesse/bitbucket/rename.c: name validation, no-replace
// and exchange flag handling, non-empty-directory rejection on
// replace, and best-effort recovery when the final insert fails.
package rename

import (
	"github.com/fsgeek/bitbucket/internal/errs"
	"github.com/fsgeek/bitbucket/internal/inode"
)

// Flags mirrors the Linux renameat2 flag bits the core dispatcher
// passes through from FUSE.
type Flags struct {
	NoReplace bool
	Exchange  bool
}

// Rename moves name out of oldParent into newParent under newname,
// per the flag combination in flags. Both directories must be distinct
// from each other's entries only by name/parent; callers must not hold
// either directory locked on entry — Rename acquires both itself in a
// consistent order via inode.LockTwo.
func Rename(tbl *inode.Table, oldParent, newParent *inode.Inode, name, newname string, flags Flags) error {
	if !inode.ValidName(name) || !inode.ValidName(newname) {
		return errs.Wrap("rename", errs.InvalidArg)
	}

	inode.LockTwo(oldParent, newParent)
	defer inode.UnlockTwo(oldParent, newParent)

	if oldParent.VariantTag() != inode.VariantDirectory || newParent.VariantTag() != inode.VariantDirectory {
		return errs.Wrap("rename", errs.NotDirectory)
	}

	oldInode, ok := oldParent.Lookup(name)
	if !ok {
		return errs.Wrap("rename", errs.NoEntry)
	}
	if oldInode.ID() == inode.RootID {
		return errs.Wrap("rename", errs.InvalidArg)
	}

	newInode, replacing := newParent.Lookup(newname)
	if replacing && newInode.ID() == inode.RootID {
		return errs.Wrap("rename", errs.InvalidArg)
	}

	if replacing {
		if flags.NoReplace {
			return errs.Wrap("rename", errs.Exists)
		}
		if flags.Exchange {
			return inode.ExchangeEntries(oldParent, name, newParent, newname)
		}
		if newInode.VariantTag() == inode.VariantDirectory {
			newInode.Lock()
			count := newInode.Count()
			newInode.Unlock()
			if count > 0 {
				return errs.Wrap("rename", errs.NotEmpty)
			}
		}

		if _, err := newParent.Remove(newname); err != nil {
			return err
		}
		// newInode still carries the lookup reference Remove left
		// untouched (Remove only drops the directory-entry map slot,
		// not the reference — see inode.Remove), so it is safe to
		// reinsert on the recovery path below.
	}

	if err := newParent.Insert(oldInode, newname); err != nil {
		if replacing {
			// Put newInode's entry back exactly as it was before we
			// removed it, so a failed rename leaves the tree
			// untouched (§8: rename failure must not lose newname).
			if err2 := newParent.Insert(newInode, newname); err2 != nil {
				errs.Abort(errs.Violatef("rename: recovery reinsert of %q failed: %v", newname, err2))
			}
		}
		return err
	}

	if replacing {
		tbl.Release(newInode, inode.RefLookup, 1)
	}

	if _, err := oldParent.Remove(name); err != nil {
		errs.Abort(errs.Violatef("rename: insert into new parent succeeded but remove from old parent failed: %v", err))
	}
	tbl.Release(oldInode, inode.RefLookup, 1)

	return nil
}
