package inode

import "github.com/fsgeek/bitbucket/internal/errs"

// SetXattr stores value under name, private to this inode (§3). The
// inode must already be locked by the caller.
func (n *Inode) SetXattr(name string, value []byte) {
	if n.xattrs == nil {
		n.xattrs = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	n.xattrs[name] = cp
}

// GetXattr returns the stored value for name, or NoData if unset. The
// inode must already be locked by the caller.
func (n *Inode) GetXattr(name string) ([]byte, error) {
	v, ok := n.xattrs[name]
	if !ok {
		return nil, errs.Wrap("getxattr", errs.NoData)
	}
	return v, nil
}

// RemoveXattr deletes name, or returns NoData if it was never set. The
// inode must already be locked by the caller.
func (n *Inode) RemoveXattr(name string) error {
	if _, ok := n.xattrs[name]; !ok {
		return errs.Wrap("removexattr", errs.NoData)
	}
	delete(n.xattrs, name)
	return nil
}

// ListXattr returns the set of attribute names on this inode. The
// inode must already be locked by the caller.
func (n *Inode) ListXattr() []string {
	out := make([]string, 0, len(n.xattrs))
	for k := range n.xattrs {
		out = append(out, k)
	}
	return out
}
