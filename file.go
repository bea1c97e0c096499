package unionfs

import (
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

// openWriteFlags are the flags that make an open handle a writer.
const openWriteFlags = os.O_WRONLY | os.O_RDWR | os.O_APPEND

func isWriteFlag(flag int) bool { return flag&openWriteFlags != 0 }

// File maps one user-visible open handle onto one or many lower handles.
// Directories hold a read-only handle per populated branch; regular files
// hold only the top. Each lower handle remembers the branch id it was
// opened against so a branch reshuffle can be resolved by id, not index.
type File struct {
	u *UnionFS
	d *dentry

	mu             sync.Mutex
	flags          int
	lowers         []absfs.File
	fstart         int
	fend           int
	gen            uint32
	savedBranchIDs []uint32

	pos    int64
	rd     *rdState
	closed bool
}

var _ absfs.File = (*File)(nil)

// openFile builds the redirection record for d. Caller holds the table read
// lock but not d's lock.
func (u *UnionFS) openFile(d *dentry, flag int) (*File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.positive() {
		return nil, ErrNotExist
	}
	f := &File{
		u:              u,
		d:              d,
		flags:          flag,
		fstart:         -1,
		fend:           -1,
		gen:            d.inode.generation.Load(),
		lowers:         make([]absfs.File, u.branchCount()),
		savedBranchIDs: make([]uint32, u.branchCount()),
	}

	d.inode.totalopens.Add(1)
	var err error
	if d.inode.isDir() {
		err = u.openDirLowers(f)
	} else {
		err = u.openFileLower(f, isWriteFlag(flag))
	}
	if err != nil {
		d.inode.totalopens.Add(-1)
		f.putLowers()
		return nil, err
	}
	return f, nil
}

// openDirLowers opens every populated branch of a directory read-only.
func (u *UnionFS) openDirLowers(f *File) error {
	d := f.d
	f.fstart = d.bstart()
	f.fend = d.bend()
	for bindex := f.fstart; bindex <= f.fend; bindex++ {
		ref := d.lowerRefAt(bindex)
		if !ref.positive() {
			continue
		}
		lf, err := u.branches[bindex].fs.OpenFile(d.path(), os.O_RDONLY, 0)
		if err != nil {
			return err
		}
		f.lowers[bindex] = lf
		f.savedBranchIDs[bindex] = u.branches[bindex].id
		u.branchget(bindex)
	}
	return nil
}

// openFileLower opens the highest-priority copy of a regular file. Opens
// that will modify an object on a read-only branch copy it up immediately
// when truncating, otherwise the write flags are stripped from the lower
// open and the copy-up is deferred to the first write.
func (u *UnionFS) openFileLower(f *File, willwrite bool) error {
	d := f.d
	bstart := d.bstart()
	lowerFlags := f.flags &^ (os.O_CREATE | os.O_EXCL | os.O_TRUNC)

	if u.isROBranch(bstart) != nil && isWriteFlag(f.flags) {
		if f.flags&os.O_TRUNC != 0 {
			err := error(errCopyup)
			for bindex := bstart - 1; bindex >= 0; bindex-- {
				if err = u.copyupDentry(d, bstart, bindex, 0); err == nil {
					break
				}
			}
			if err != nil {
				if isCopyupErr(err) {
					return ErrReadOnly
				}
				return err
			}
			bstart = d.bstart()
		} else {
			lowerFlags &^= openWriteFlags
		}
	}

	lf, err := u.branches[bstart].fs.OpenFile(d.path(), lowerFlags, 0)
	if err != nil {
		return err
	}
	f.fstart = bstart
	f.fend = bstart
	f.lowers[bstart] = lf
	f.savedBranchIDs[bstart] = u.branches[bstart].id
	u.branchget(bstart)
	return nil
}

// putLowers closes and releases every held lower handle, resolving branch
// ids back to current indices so the counts land on the right branch even
// after a reshuffle.
func (f *File) putLowers() {
	for bindex := range f.lowers {
		lf := f.lowers[bindex]
		if lf == nil {
			continue
		}
		lf.Close()
		f.lowers[bindex] = nil
		if i := f.u.branchIDToIndex(f.savedBranchIDs[bindex]); i >= 0 {
			f.u.branchput(i)
		} else {
			f.u.logger.Warnf("unionfs: no branch with id %d for open file %s", f.savedBranchIDs[bindex], f.d.name)
		}
	}
}

// revalidateFile brings the redirection record up to date before any
// operation: reopen when the mount generation moved or the dentry's top
// branch shifted, and perform the delayed copy-up when the caller is about
// to write through a handle that was opened read-only.
func (f *File) revalidateFile(willwrite bool) error {
	d := f.d
	u := f.u

	d.mu.Lock()
	if !d.deleted && !u.revalidateChainLocked(d) {
		d.mu.Unlock()
		return ErrStale
	}
	if !d.positive() {
		d.mu.Unlock()
		return ErrStale
	}

	sbgen := u.generation.Load()
	fgen := f.gen

	if !d.deleted && (sbgen > fgen || d.bstart() != f.fstart) {
		var origBrid uint32
		if f.fstart >= 0 && f.fstart < len(f.savedBranchIDs) {
			origBrid = f.savedBranchIDs[f.fstart]
		}
		f.putLowers()

		width := u.branchCount()
		f.lowers = make([]absfs.File, width)
		f.savedBranchIDs = make([]uint32, width)
		f.fstart, f.fend = -1, -1

		var err error
		if d.inode.isDir() {
			err = u.openDirLowers(f)
		} else {
			err = u.openFileLower(f, willwrite)
			if err == nil {
				newBrid := f.savedBranchIDs[f.fstart]
				if newBrid != origBrid {
					// Logical branch moved, not merely re-indexed.
					u.logger.Debugf("unionfs: file %s reopened on branch id %d (was %d)", d.name, newBrid, origBrid)
				}
			}
		}
		if err != nil {
			d.mu.Unlock()
			return err
		}
		f.gen = d.inode.generation.Load()
	}

	// Delayed copy-up: post-mount branch management can leave a writable
	// handle pointing at a read-only branch.
	if willwrite && !d.inode.isDir() && isWriteFlag(f.flags) &&
		u.isROBranch(d.bstart()) != nil {
		u.logger.Debugf("unionfs: doing delayed copyup of a read-write file on a read-only branch")
		if err := f.delayedCopyup(); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.mu.Unlock()
	return nil
}

// delayedCopyup promotes the open file to the first branch that accepts it,
// trying leftward from the file's branch, and shrinks the fan-out to the single new slot. Caller holds the
// dentry lock.
func (f *File) delayedCopyup() error {
	d := f.d
	u := f.u
	bstart := f.fstart

	err := error(errCopyup)
	for bindex := bstart - 1; bindex >= 0; bindex-- {
		if !d.deleted {
			var dst absfs.File
			dst, err = u.copyupNamed(d, f.lowers[bstart], d.name, bstart, bindex, f.size(), true)
			if err == nil {
				f.replaceLower(bindex, dst)
			}
		} else {
			err = u.copyupDeletedFile(f, d, bstart, bindex)
		}
		if err == nil {
			break
		}
	}
	if err != nil {
		if isCopyupErr(err) {
			return ErrReadOnly
		}
		return err
	}

	// For a regular file only one handle stays open.
	f.fend = f.fstart
	f.gen = d.inode.generation.Load()
	return nil
}

// replaceLower installs a fresh lower handle at bindex and drops every
// other held handle.
func (f *File) replaceLower(bindex int, lf absfs.File) {
	for i := range f.lowers {
		if f.lowers[i] != nil {
			f.lowers[i].Close()
			if idx := f.u.branchIDToIndex(f.savedBranchIDs[i]); idx >= 0 {
				f.u.branchput(idx)
			}
			f.lowers[i] = nil
		}
	}
	if bindex >= len(f.lowers) {
		grown := make([]absfs.File, bindex+1)
		copy(grown, f.lowers)
		f.lowers = grown
		ids := make([]uint32, bindex+1)
		copy(ids, f.savedBranchIDs)
		f.savedBranchIDs = ids
	}
	f.lowers[bindex] = lf
	f.savedBranchIDs[bindex] = f.u.branches[bindex].id
	f.u.branchget(bindex)
	f.fstart = bindex
	f.fend = bindex
}

// top returns the active lower handle.
func (f *File) top() absfs.File { return f.lowers[f.fstart] }

// size returns the current visible size.
func (f *File) size() int64 {
	if info, err := f.top().Stat(); err == nil {
		return info.Size()
	}
	return f.d.inode.size
}

// Name returns the name the file was opened under.
func (f *File) Name() string {
	if f.d.isRoot() {
		return "/"
	}
	return f.d.name
}

// Read reads from the top lower handle at the handle's offset.
func (f *File) Read(p []byte) (int, error) {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.d.inode != nil && f.d.inode.isDir() {
		return 0, ErrIsDir
	}
	if err := f.revalidateFile(false); err != nil {
		return 0, err
	}
	n, err := f.top().ReadAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

// ReadAt reads at an absolute offset.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if err := f.revalidateFile(false); err != nil {
		return 0, err
	}
	return f.top().ReadAt(p, off)
}

// Write writes through the top lower handle; on success the visible size
// and times resync from the lower, so they only move after the lower write
// lands.
func (f *File) Write(p []byte) (int, error) {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if !isWriteFlag(f.flags) && f.flags&os.O_RDWR == 0 {
		return 0, ErrPermission
	}
	if err := f.revalidateFile(true); err != nil {
		return 0, err
	}
	if f.flags&os.O_APPEND != 0 {
		f.pos = f.size()
	}
	n, err := f.top().WriteAt(p, f.pos)
	f.pos += int64(n)
	if n > 0 {
		f.syncUpperAttrs()
	}
	return n, err
}

// WriteAt writes at an absolute offset.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if err := f.revalidateFile(true); err != nil {
		return 0, err
	}
	n, err := f.top().WriteAt(p, off)
	if n > 0 {
		f.syncUpperAttrs()
	}
	return n, err
}

// WriteString writes a string.
func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Seek moves the handle offset. Directory handles interpret offsets in the
// packed readdir cookie format.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosed
	}
	if f.d.positive() && f.d.inode.isDir() {
		return f.seekDir(offset, whence)
	}
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = f.size() + offset
	default:
		return 0, ErrInvalid
	}
	if f.pos < 0 {
		f.pos = 0
	}
	return f.pos, nil
}

// Stat returns the visible attributes.
func (f *File) Stat() (os.FileInfo, error) {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if err := f.revalidateFile(false); err != nil {
		return nil, err
	}
	return f.d.inode.fileInfo(f.Name()), nil
}

// Sync flushes the top lower handle.
func (f *File) Sync() error {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.revalidateFile(true); err != nil {
		return err
	}
	return f.top().Sync()
}

// Truncate resizes through the handle.
func (f *File) Truncate(size int64) error {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.revalidateFile(true); err != nil {
		return err
	}
	return f.truncateLocked(size)
}

// truncateLocked is Truncate for callers already inside the table read
// lock, with the handle known fresh.
func (f *File) truncateLocked(size int64) error {
	if err := f.top().Truncate(size); err != nil {
		return err
	}
	f.syncUpperAttrs()
	return nil
}

// syncUpperAttrs pulls size/mtime/ctime up from the active lower after a
// successful write.
func (f *File) syncUpperAttrs() {
	info, err := f.top().Stat()
	if err != nil {
		return
	}
	ino := f.d.inode
	ino.lower[f.fstart] = info
	ino.size = info.Size()
	ino.mtime = info.ModTime()
	ino.ctime = changeTime(info)
}

// Close releases every lower handle. Each close of a directory handle parks
// its readdir state in the inode cache for later handles to resume from;
// the last close of an unlinked file drops its inode.
func (f *File) Close() error {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	return f.closeLocked()
}

// closeLocked is Close for callers already inside the table read lock.
func (f *File) closeLocked() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.closed = true

	ino := f.d.inode
	if f.rd != nil && ino != nil {
		f.rd.park()
		ino.rdmu.Lock()
		ino.rdcache = append(ino.rdcache, f.rd)
		ino.rdmu.Unlock()
		f.rd = nil
	}
	f.putLowers()
	if ino != nil {
		if ino.totalopens.Add(-1) == 0 && f.d.deleted {
			f.d.inode = nil
		}
	}
	return nil
}

// BranchBitmap reports, for up to 1024 branches, which ones hold the open
// file.
type BranchBitmap [16]uint64

// Set reports whether branch index i is present.
func (b *BranchBitmap) Set(i int) bool {
	return i >= 0 && i < 1024 && b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b *BranchBitmap) mark(i int) {
	if i >= 0 && i < 1024 {
		b[i/64] |= 1 << (uint(i) % 64)
	}
}

// QueryBranches returns the set of branches currently holding this file, as
// a bitmask over branch indices. The probe widens the fan-out temporarily
// via partial lookup and restores the node before returning.
func (f *File) QueryBranches() (BranchBitmap, int, error) {
	var mask BranchBitmap

	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return mask, 0, ErrClosed
	}

	d := f.d
	d.mu.Lock()
	defer d.mu.Unlock()

	origStart, origEnd := d.bstart(), d.bend()
	if err := f.u.partialLookup(d); err != nil {
		return mask, 0, err
	}
	bend := d.bend()
	for bindex := d.bstart(); bindex <= bend; bindex++ {
		if d.lowerRefAt(bindex).positive() {
			mask.mark(bindex)
		}
	}

	// Purge the probe's extra slots and restore the original window.
	for bindex := range d.info.lower {
		if bindex < origStart || bindex > origEnd {
			d.info.lower[bindex] = nil
			if d.inode != nil && bindex < len(d.inode.lower) {
				d.inode.lower[bindex] = nil
			}
		}
	}
	d.info.bstart, d.info.bend = origStart, origEnd
	if d.inode != nil {
		d.inode.bstart, d.inode.bend = origStart, origEnd
	}
	return mask, bend, nil
}

// IncGen was the legacy way to force revalidation of every cached node.
//
// Deprecated: use branch management (AddBranch/RemoveBranch), which bumps
// the generation as a side effect.
func (f *File) IncGen() error {
	f.u.logger.Warnf("unionfs: incgen is deprecated; use branch management instead")
	return ErrNotImpl
}
