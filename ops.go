package unionfs

import (
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/absfs/absfs"
)

// Permission mask bits for Access.
const (
	MayExec  = 1
	MayWrite = 2
	MayRead  = 4
)

// Stat returns the visible attributes of a name: the top branch decides
// everything except the folded directory link count.
func (u *UnionFS) Stat(name string) (os.FileInfo, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	d, err := u.lookupPath(name)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.positive() {
		return nil, ErrNotExist
	}
	return d.inode.fileInfo(path.Base(cleanPath(name))), nil
}

// Lstat is Stat without following a final symlink; lookup never follows
// symlinks internally, so they are the same operation.
func (u *UnionFS) Lstat(name string) (os.FileInfo, error) {
	return u.Stat(name)
}

// Open opens a file or directory for reading.
func (u *UnionFS) Open(name string) (absfs.File, error) {
	return u.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file. A new file lands on the first branch
// that accepts it, trying leftward from the name's start branch.
func (u *UnionFS) Create(name string) (absfs.File, error) {
	return u.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens name with the given flags. Creation lands on the first
// writable branch found leftward from the name's start branch, replacing
// any whiteout atomically; opening a directory for write fails with
// ErrIsDir; opening an object on
// a read-only branch for write defers the copy-up to the first write unless
// truncation makes it immediate.
func (u *UnionFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	d, err := u.lookupPath(name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if !d.positive() {
		if flag&os.O_CREATE == 0 {
			d.mu.Unlock()
			return nil, ErrNotExist
		}
		if err := u.create(d, perm); err != nil {
			d.mu.Unlock()
			return nil, err
		}
	} else if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
		d.mu.Unlock()
		return nil, ErrExist
	}
	if d.inode.isDir() && isWriteFlag(flag) {
		d.mu.Unlock()
		return nil, ErrIsDir
	}
	d.mu.Unlock()

	f, err := u.openFile(d, flag)
	if err != nil {
		return nil, err
	}
	if flag&os.O_TRUNC != 0 && !d.inode.isDir() {
		if err := f.truncateLocked(0); err != nil {
			f.closeLocked()
			return nil, err
		}
	}
	return f, nil
}

// create is the creation script: if a whiteout covers the name on the
// target branch, truncate it and rename it over the new name (one atomic
// operation replacing the whiteout); otherwise create fresh, retrying
// leftward on branches that refuse. Caller holds d's lock.
func (u *UnionFS) create(d *dentry, perm os.FileMode) error {
	bstart := d.bstart()
	if bstart < 0 {
		bstart = 0
	}
	p := d.path()
	parentPath := path.Dir(p)

	// Whiteout on the start branch: recycle it.
	hasWh, err := u.hasWhiteout(parentPath, d.name, bstart)
	if err != nil {
		return err
	}
	if hasWh {
		err := u.replaceWhiteout(d, bstart, perm)
		if err == nil {
			return nil
		}
		if !isCopyupErr(err) {
			return err
		}
		bstart--
	}

	err = errCopyup
	for bindex := bstart; bindex >= 0; bindex-- {
		if u.isROBranch(bindex) != nil {
			continue
		}
		fs := u.branches[bindex].fs
		if ref := d.parent.lowerRefAt(bindex); !ref.positive() {
			if _, err = u.createParents(d, bindex); err != nil {
				continue
			}
		}
		var nf absfs.File
		nf, err = fs.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
		if err != nil {
			if os.IsPermission(err) {
				err = errCopyup
			}
			if !isCopyupErr(err) {
				break
			}
			continue
		}
		nf.Close()
		return u.instantiate(d, bindex)
	}
	if isCopyupErr(err) {
		err = ErrReadOnly
	}
	return err
}

// replaceWhiteout turns .wh.<name> into <name>: truncate, reset mode, then
// rename. Net effect of a normal create without a window where neither name
// exists.
func (u *UnionFS) replaceWhiteout(d *dentry, bindex int, perm os.FileMode) error {
	if err := u.isROBranch(bindex); err != nil {
		return errCopyup
	}
	fs := u.branches[bindex].fs
	p := d.path()
	whp := whPath(p)

	if err := fs.Truncate(whp, 0); err != nil {
		u.logger.Warnf("unionfs: truncate of whiteout %s failed: %v, ignoring", whp, err)
	}
	if err := fs.Chmod(whp, perm); err != nil {
		u.logger.Warnf("unionfs: chmod of whiteout %s failed: %v, ignoring", whp, err)
	}
	if err := fs.Rename(whp, p); err != nil {
		if os.IsPermission(err) {
			return errCopyup
		}
		return err
	}
	return u.instantiate(d, bindex)
}

// instantiate points a fresh single-slot fan-out at the newly created
// object and interposes its inode. Caller holds d's lock.
func (u *UnionFS) instantiate(d *dentry, bindex int) error {
	info, err := lstatFS(u.branches[bindex].fs, d.path())
	if err != nil {
		return err
	}
	di := newDentryInfo(u.branchCount(), u.generation.Load())
	di.bstart = bindex
	di.bend = bindex
	di.lower[bindex] = &lowerRef{info: info}
	d.info = di
	d.deleted = false
	if err := u.interpose(d, interposeDefault); err != nil {
		return err
	}
	d.checkInvariants()
	u.refreshParent(d.parent)
	return nil
}

// Mkdir creates a directory. When the mkdir replaces a whiteout, the new
// directory is made opaque so contents of same-named lower directories
// (hidden by that whiteout) cannot bleed through.
func (u *UnionFS) Mkdir(name string, perm os.FileMode) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	d, err := u.lookupPath(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.positive() {
		return ErrExist
	}

	bstart := d.bstart()
	if bstart < 0 {
		bstart = 0
	}
	p := d.path()
	parentPath := path.Dir(p)

	hasWh, err := u.hasWhiteout(parentPath, d.name, bstart)
	if err != nil {
		return err
	}
	if hasWh {
		if err := u.removeWhiteout(parentPath, d.name, bstart); err != nil {
			if !isCopyupErr(err) {
				return err
			}
			bstart--
		}
	}

	err = errCopyup
	for bindex := bstart; bindex >= 0; bindex-- {
		if u.isROBranch(bindex) != nil {
			continue
		}
		fs := u.branches[bindex].fs
		if ref := d.parent.lowerRefAt(bindex); !ref.positive() {
			if _, err = u.createParents(d, bindex); err != nil {
				continue
			}
		}
		if err = fs.Mkdir(p, perm); err != nil {
			if os.IsPermission(err) {
				err = errCopyup
				continue
			}
			break
		}
		if err = u.instantiate(d, bindex); err != nil {
			break
		}
		if hasWh {
			// The name was deleted before; lower directories stay hidden.
			if err = u.makeDirOpaque(fs, p); err != nil {
				u.logger.Errorf("unionfs: mkdir: error creating %s: %v", OpaqueMarker, err)
				break
			}
			d.info.bopaque = bindex
		}
		return nil
	}
	if isCopyupErr(err) {
		err = ErrReadOnly
	}
	return err
}

// MkdirAll creates name and any missing ancestors.
func (u *UnionFS) MkdirAll(name string, perm os.FileMode) error {
	parts := splitPath(name)
	cur := "/"
	for _, part := range parts {
		cur = path.Join(cur, part)
		if info, err := u.Stat(cur); err == nil {
			if !info.IsDir() {
				return ErrNotDir
			}
			continue
		}
		if err := u.Mkdir(cur, perm); err != nil && !os.IsExist(err) {
			return err
		}
	}
	return nil
}

// Remove unlinks a file or removes a logically empty directory.
func (u *UnionFS) Remove(name string) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	d, err := u.lookupPath(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.positive() {
		return ErrNotExist
	}
	if d.inode.isDir() {
		return u.rmdir(d)
	}
	return u.unlink(d)
}

// RemoveAll removes name and, for directories, every visible entry below
// it.
func (u *UnionFS) RemoveAll(name string) error {
	info, err := u.Stat(name)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		entries, err := u.ReadDir(name)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := u.RemoveAll(path.Join(name, entry.Name())); err != nil {
				return err
			}
		}
	}
	return u.Remove(name)
}

// unlink removes a file: the top occurrence is physically unlinked where
// the branch allows, and a whiteout shadows any deeper occurrences. The
// two are paired: where the top copy can be unlinked, that happens before
// the whiteout is installed; where its branch refuses, the whiteout alone
// hides it. Caller holds d's lock.
func (u *UnionFS) unlink(d *dentry) error {
	// See every occurrence before deciding whether a whiteout is needed.
	if err := u.partialLookup(d); err != nil {
		return err
	}
	bstart := d.bstart()
	p := d.path()

	deeper := false
	for bindex := bstart + 1; bindex <= d.bend(); bindex++ {
		if d.lowerRefAt(bindex).positive() {
			deeper = true
			break
		}
	}

	// Physically unlink on the file's own branch when it allows it; a
	// refusal turns into the whiteout path.
	unlinkErr := u.isROBranch(bstart)
	if unlinkErr == nil {
		if rerr := u.branches[bstart].fs.Remove(p); rerr != nil {
			if !os.IsPermission(rerr) {
				return rerr
			}
			unlinkErr = errCopyup
		}
	}

	// A whiteout is owed whenever lower branches could still surface the
	// name: the file was not on the leftmost branch, copies remain below,
	// or the physical unlink was refused.
	if bstart > 0 || deeper || unlinkErr != nil {
		whStart := bstart - 1
		if unlinkErr != nil || bstart == 0 {
			whStart = bstart
		}
		if werr := u.createWhiteout(d, whStart); werr != nil {
			if isCopyupErr(werr) {
				return ErrReadOnly
			}
			return werr
		}
	}

	u.finishUnlink(d)
	return nil
}

// finishUnlink unhashes the dentry. An inode with open handles survives for
// its Files (the silly-rename path takes over if one of them needs a
// copy-up); the last close drops it.
func (u *UnionFS) finishUnlink(d *dentry) {
	d.deleted = true
	if d.inode != nil && d.inode.totalopens.Load() == 0 {
		d.inode = nil
	}
	d.parent.mu.Lock()
	d.parent.dropChild(d.name)
	d.parent.mu.Unlock()
	u.refreshParent(d.parent)
}

// rmdir removes a logically empty directory: sweep its whiteouts off the
// top branch, remove the physical directory there, and shadow any deeper
// copies. Caller holds d's lock.
func (u *UnionFS) rmdir(d *dentry) error {
	tally, err := u.checkEmpty(d)
	if err != nil {
		return err
	}

	bstart := d.bstart()
	p := d.path()

	deeper := false
	for bindex := bstart + 1; bindex <= d.bend(); bindex++ {
		if d.lowerRefAt(bindex).positive() {
			deeper = true
			break
		}
	}

	if err := u.isROBranch(bstart); err == nil {
		fs := u.branches[bstart].fs
		if err := u.deleteWhiteouts(d, bstart, tally); err != nil {
			return err
		}
		// The opacity marker would keep the physical directory busy.
		if err := fs.Remove(opaquePath(p)); err != nil && !isNotExist(err) {
			return err
		}
		if err := fs.Remove(p); err != nil {
			return err
		}
	} else if !deeper {
		return ErrReadOnly
	}

	if deeper {
		if err := u.createWhiteout(d, bstart); err != nil {
			if isCopyupErr(err) {
				return ErrReadOnly
			}
			return err
		}
	}

	d.children = nil
	u.finishUnlink(d)
	return nil
}

// Link creates a hard link. Source and destination must end up on the same
// branch. The link is made on the source's own branch when that branch is
// writable, even if it lies deeper than the destination's start branch; the
// source is copied up leftward only when its branch refuses the link.
func (u *UnionFS) Link(oldname, newname string) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	old, err := u.lookupPath(oldname)
	if err != nil {
		return err
	}
	newd, err := u.lookupPath(newname)
	if err != nil {
		return err
	}

	lockPair(old, newd)
	defer unlockPair(old, newd)

	if !old.positive() {
		return ErrNotExist
	}
	if old.inode.isDir() {
		return ErrPermission
	}
	if newd.positive() {
		return ErrExist
	}

	newParentPath := path.Dir(newd.path())
	target := newd.bstart()
	if target < 0 {
		target = 0
	}
	if err := u.removeWhiteout(newParentPath, newd.name, target); err != nil && !isCopyupErr(err) {
		return err
	}

	bindex := old.bstart()
	err = errCopyup
	if u.isROBranch(bindex) == nil {
		if _, err = u.createParents(newd, bindex); err == nil {
			err = linkFS(u.branches[bindex].fs, old.path(), newd.path())
			if os.IsPermission(err) {
				err = errCopyup
			}
		}
	}
	if isCopyupErr(err) {
		// Copy the source up leftward until a branch takes the link.
		obstart := old.bstart()
		for bindex = obstart - 1; bindex >= 0; bindex-- {
			if cerr := u.copyupDentry(old, obstart, bindex, old.inode.size); cerr != nil {
				continue
			}
			if _, err = u.createParents(newd, bindex); err != nil {
				continue
			}
			err = linkFS(u.branches[bindex].fs, old.path(), newd.path())
			break
		}
	}
	if err != nil {
		if isCopyupErr(err) {
			return ErrReadOnly
		}
		return err
	}

	// A hard link shares the inode.
	info, err := lstatFS(u.branches[old.bstart()].fs, newd.path())
	if err != nil {
		return err
	}
	di := newDentryInfo(u.branchCount(), u.generation.Load())
	di.bstart = old.bstart()
	di.bend = old.bstart()
	di.lower[di.bstart] = &lowerRef{info: info}
	newd.info = di
	newd.deleted = false
	newd.inode = old.inode
	old.inode.lower[old.bstart()] = info
	old.inode.nlink = old.inode.getNlinks()
	old.inode.copyAttrTimes()

	u.refreshParent(newd.parent)
	return nil
}

// Rename moves a name. Same-branch renames use the branch's rename;
// cross-branch renames are copy-up-then-unlink. The displaced source is
// whiteout-shadowed when deeper occurrences remain.
func (u *UnionFS) Rename(oldname, newname string) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	oldname = cleanPath(oldname)
	newname = cleanPath(newname)
	if oldname == newname {
		return nil
	}
	if strings.HasPrefix(newname, oldname+"/") || strings.HasPrefix(oldname, newname+"/") {
		return ErrInvalid
	}

	old, err := u.lookupPath(oldname)
	if err != nil {
		return err
	}
	newd, err := u.lookupPath(newname)
	if err != nil {
		return err
	}

	lockPair(old, newd)
	defer unlockPair(old, newd)

	if !old.positive() {
		return ErrNotExist
	}
	if newd.positive() && newd.inode.isDir() {
		if !old.inode.isDir() {
			return ErrIsDir
		}
		if _, err := u.checkEmpty(newd); err != nil {
			return err
		}
	}

	if err := u.partialLookup(old); err != nil {
		return err
	}

	// Record what the move will leave behind before copy-up reshapes the
	// fan-out.
	origStart := old.bstart()
	needShadow := origStart > 0
	for b := origStart + 1; b <= old.bend(); b++ {
		if old.lowerRefAt(b).positive() {
			needShadow = true
			break
		}
	}

	// Pick the working branch: the source's top, copied up when read-only.
	bindex := old.bstart()
	if u.isROBranch(bindex) != nil {
		obstart := bindex
		err = errCopyup
		for bindex = obstart - 1; bindex >= 0; bindex-- {
			if err = u.copyupDentry(old, obstart, bindex, old.inode.size); err == nil {
				break
			}
		}
		if err != nil {
			if isCopyupErr(err) {
				return ErrReadOnly
			}
			return err
		}
		bindex = old.bstart()
	}
	fs := u.branches[bindex].fs

	if _, err := u.createParents(newd, bindex); err != nil {
		return err
	}
	newParentPath := path.Dir(newd.path())
	if err := u.removeWhiteout(newParentPath, newd.name, bindex); err != nil && !isCopyupErr(err) {
		return err
	}

	if err := fs.Rename(old.path(), newd.path()); err != nil {
		return err
	}

	// Shadow what the move left behind.
	if needShadow {
		if err := u.createWhiteout(old, bindex); err != nil && !isCopyupErr(err) {
			return err
		}
	}

	// Both names changed shape; drop them and let lookup rebuild. An open
	// handle keeps the displaced inode alive, like an unlinked file's.
	old.deleted = true
	if old.inode != nil && old.inode.totalopens.Load() == 0 {
		old.inode = nil
	}
	old.parent.mu.Lock()
	old.parent.dropChild(old.name)
	old.parent.mu.Unlock()

	newd.info = nil
	newd.inode = nil
	newd.parent.mu.Lock()
	newd.parent.dropChild(newd.name)
	newd.parent.mu.Unlock()

	u.refreshParent(old.parent)
	if old.parent != newd.parent {
		u.refreshParent(newd.parent)
	}
	return nil
}

// setattr applies an attribute change to the top branch only, copying the
// object up first when its current top is read-only. length caps the bytes
// preserved by the copy (size-truncating setattr copies less).
func (u *UnionFS) setattr(name string, length int64, apply func(fs absfs.FileSystem, p string) error) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	d, err := u.lookupPath(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.positive() {
		return ErrNotExist
	}

	if length < 0 {
		length = d.inode.size
	}

	bstart := d.bstart()
	if u.isROBranch(bstart) != nil {
		err = errCopyup
		for bindex := bstart - 1; bindex >= 0; bindex-- {
			if err = u.copyupDentry(d, bstart, bindex, length); err == nil {
				break
			}
			if bindex == 0 {
				break
			}
		}
		if err != nil {
			if isCopyupErr(err) {
				return ErrReadOnly
			}
			return err
		}
	}

	top := d.bstart()
	if err := apply(u.branches[top].fs, d.path()); err != nil {
		return err
	}

	// Intersect the change back into the visible inode.
	info, err := lstatFS(u.branches[top].fs, d.path())
	if err != nil {
		return err
	}
	d.inode.lower[top] = info
	if ref := d.lowerRefAt(top); ref != nil {
		ref.info = info
	}
	d.inode.copyAttrAll()
	u.refreshParent(d.parent)
	return nil
}

// Chmod changes the mode of the visible object.
func (u *UnionFS) Chmod(name string, mode os.FileMode) error {
	return u.setattr(name, -1, func(fs absfs.FileSystem, p string) error {
		return fs.Chmod(p, mode)
	})
}

// Chown changes ownership.
func (u *UnionFS) Chown(name string, uid, gid int) error {
	return u.setattr(name, -1, func(fs absfs.FileSystem, p string) error {
		return fs.Chown(p, uid, gid)
	})
}

// Lchown changes ownership without following a final symlink.
func (u *UnionFS) Lchown(name string, uid, gid int) error {
	return u.setattr(name, -1, func(fs absfs.FileSystem, p string) error {
		return lchownFS(fs, p, uid, gid)
	})
}

// Chtimes changes access and modification times.
func (u *UnionFS) Chtimes(name string, atime, mtime time.Time) error {
	return u.setattr(name, -1, func(fs absfs.FileSystem, p string) error {
		return fs.Chtimes(p, atime, mtime)
	})
}

// Truncate changes the size of the named file; the copy-up, when needed,
// only preserves bytes below the new size.
func (u *UnionFS) Truncate(name string, size int64) error {
	if size < 0 {
		return ErrInvalid
	}
	return u.setattr(name, size, func(fs absfs.FileSystem, p string) error {
		return fs.Truncate(p, size)
	})
}

// Access checks permission against the union: an intersection over the
// populated branches for directories, the top branch for files. Read-only
// branches other than the leftmost do not veto writes - copy-up will serve
// them - but a read-only branch 0 does.
func (u *UnionFS) Access(name string, mask int) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	d, err := u.lookupPath(name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.positive() {
		return ErrNotExist
	}
	ino := d.inode
	isFile := !ino.isDir()

	for bindex := ino.bstart; bindex <= ino.bend; bindex++ {
		info := ino.lower[bindex]
		if info == nil {
			continue
		}
		if !isFile && !info.IsDir() {
			continue
		}
		if mask&MayWrite != 0 {
			if bindex == 0 && u.branches[0].readonly() {
				return ErrReadOnly
			}
			if bindex > 0 && u.branches[bindex].readonly() {
				// Ignored so the caller can copy up.
				if isFile {
					break
				}
				continue
			}
		}
		if err := unixPermission(info.Mode(), mask); err != nil {
			return err
		}
		if isFile {
			break
		}
	}
	ino.copyAttrTimes()
	return nil
}

// unixPermission checks the owner permission bits; the union runs in a
// single security context, so the owner class is the caller's.
func unixPermission(mode os.FileMode, mask int) error {
	perm := mode.Perm()
	if mask&MayRead != 0 && perm&0400 == 0 {
		return os.ErrPermission
	}
	if mask&MayWrite != 0 && perm&0200 == 0 {
		return os.ErrPermission
	}
	if mask&MayExec != 0 && perm&0100 == 0 {
		return os.ErrPermission
	}
	return nil
}

// ReadDir returns the merged, deduplicated listing of a directory.
func (u *UnionFS) ReadDir(name string) ([]os.FileInfo, error) {
	f, err := u.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdir(-1)
}

// ReadFile reads the whole visible contents of a file.
func (u *UnionFS) ReadFile(name string) ([]byte, error) {
	f, err := u.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// refreshParent resyncs a directory's times and link count after a
// namespace change beneath it.
func (u *UnionFS) refreshParent(p *dentry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.positive() {
		return
	}
	ino := p.inode
	if ino.bstart >= 0 && ino.bstart < len(u.branches) {
		if info, err := lstatFS(u.branches[ino.bstart].fs, p.path()); err == nil {
			ino.lower[ino.bstart] = info
			if ref := p.lowerRefAt(ino.bstart); ref != nil {
				ref.info = info
			}
		}
	}
	ino.copyAttrTimes()
	ino.nlink = ino.getNlinks()
	ino.purgeRdcache()
}
