package inode

import "github.com/fsgeek/bitbucket/internal/errs"

// AdjustFileStorage reshapes the file buffer to exactly newSize,
// updating st_size and st_blocks (§4.C5). The caller must hold n's
// exclusive (write) lock; growth zero-fills the new tail, matching the
// POSIX truncate/grow semantics the original's mmap-backed storage
// provided implicitly.
func (n *Inode) AdjustFileStorage(newSize uint64) error {
	if n.file == nil {
		errs.Abort(errs.Violatef("inode %d: AdjustFileStorage on non-regular inode", n.id))
	}
	cur := uint64(len(n.file.bytes))
	switch {
	case newSize == cur:
		// no-op
	case newSize < cur:
		n.file.bytes = n.file.bytes[:newSize]
	default:
		grown := make([]byte, newSize)
		copy(grown, n.file.bytes)
		n.file.bytes = grown
	}
	n.attr.Size = newSize
	blksize := uint64(n.attr.Blksize)
	if blksize == 0 {
		blksize = 4096
		n.attr.Blksize = 4096
	}
	n.attr.Blocks = (newSize + blksize - 1) / blksize
	return nil
}

// ReadAt copies up to len(dest) bytes starting at off into dest and
// returns the slice actually filled. The caller must hold at least a
// read lock.
func (n *Inode) ReadAt(dest []byte, off int64) []byte {
	if n.file == nil {
		errs.Abort(errs.Violatef("inode %d: ReadAt on non-regular inode", n.id))
	}
	if off < 0 || off >= int64(len(n.file.bytes)) {
		return nil
	}
	end := off + int64(len(dest))
	if end > int64(len(n.file.bytes)) {
		end = int64(len(n.file.bytes))
	}
	return dest[:copy(dest, n.file.bytes[off:end])]
}

// WriteAt writes data at off, growing the file if the write extends
// past the current end (§8: "write at offset size extends the file by
// exactly the write length"). The caller must hold the exclusive
// (write) lock.
func (n *Inode) WriteAt(data []byte, off int64) (int, error) {
	if n.file == nil {
		errs.Abort(errs.Violatef("inode %d: WriteAt on non-regular inode", n.id))
	}
	if off < 0 {
		return 0, errs.Wrap("write", errs.InvalidArg)
	}
	end := off + int64(len(data))
	if end > int64(len(n.file.bytes)) {
		if err := n.AdjustFileStorage(uint64(end)); err != nil {
			return 0, err
		}
	}
	copy(n.file.bytes[off:end], data)
	return len(data), nil
}

// Size returns the current file length. The caller must hold at least
// a read lock.
func (n *Inode) Size() int64 {
	if n.file == nil {
		errs.Abort(errs.Violatef("inode %d: Size on non-regular inode", n.id))
	}
	return int64(len(n.file.bytes))
}

// CopyWithin copies length bytes from srcOff to dstOff inside the same
// file's buffer, used by the same-file case of copy_file_range (§8:
// "must produce the same bytes as if the read preceded the write").
// The caller must hold the exclusive lock and has already clamped
// length against the current size.
func (n *Inode) CopyWithin(dstOff, srcOff int64, length int64) int {
	if n.file == nil {
		errs.Abort(errs.Violatef("inode %d: CopyWithin on non-regular inode", n.id))
	}
	buf := make([]byte, length)
	copy(buf, n.file.bytes[srcOff:srcOff+length])
	end := dstOff + length
	if end > int64(len(n.file.bytes)) {
		_ = n.AdjustFileStorage(uint64(end))
	}
	copy(n.file.bytes[dstOff:end], buf)
	return int(length)
}
