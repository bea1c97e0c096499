package unionfs

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
)

// The copy-up engine: promotion of an object from a lower branch to a
// higher writable one. dst < src always; the caller iterates leftward on
// errCopyup.

// createParents replicates the ancestor directory structure of d in branch
// bindex, creating missing directories with the mode of their current top
// counterpart. Returns the branch path of d's parent directory.
func (u *UnionFS) createParents(d *dentry, bindex int) (string, error) {
	if err := u.isROBranch(bindex); err != nil {
		return "", errCopyup
	}

	// Walk root-ward collecting ancestors, then replicate top-down.
	var chain []*dentry
	for a := d.parent; a != nil && !a.isRoot(); a = a.parent {
		chain = append(chain, a)
	}

	fs := u.branches[bindex].fs
	for i := len(chain) - 1; i >= 0; i-- {
		a := chain[i]
		a.mu.Lock()
		err := u.createParentDir(a, fs, bindex)
		a.mu.Unlock()
		if err != nil {
			return "", err
		}
	}
	return d.parent.path(), nil
}

// createParentDir materializes one ancestor on branch bindex. Caller holds
// the ancestor's lock.
func (u *UnionFS) createParentDir(a *dentry, fs absfs.FileSystem, bindex int) error {
	if ref := a.lowerRefAt(bindex); ref.positive() {
		if !ref.info.IsDir() {
			return ErrNotDir
		}
		return nil
	}
	top := a.topLower()
	if !top.positive() || !top.info.IsDir() {
		return ErrStale
	}

	p := a.path()
	if err := fs.Mkdir(p, top.info.Mode().Perm()); err != nil && !os.IsExist(err) {
		return err
	}
	info, err := fs.Stat(p)
	if err != nil {
		return err
	}

	// Widen the ancestor's fan-out to cover the replica.
	if bindex >= len(a.info.lower) {
		return ErrStale
	}
	a.info.lower[bindex] = &lowerRef{info: info}
	if a.info.bstart < 0 || bindex < a.info.bstart {
		a.info.bstart = bindex
	}
	if bindex > a.info.bend {
		a.info.bend = bindex
	}
	if ino := a.inode; ino != nil {
		ino.lower[bindex] = info
		ino.bstart = a.info.bstart
		if bindex > ino.bend {
			ino.bend = bindex
		}
	}
	return nil
}

// copyupDentry promotes the object at d from branch bstart to branch
// newbindex under its own name, then repoints the fan-out at the new top.
// length caps the bytes copied for regular files.
func (u *UnionFS) copyupDentry(d *dentry, bstart, newbindex int, length int64) error {
	dst, err := u.copyupNamed(d, nil, d.name, bstart, newbindex, length, true)
	if dst != nil {
		dst.Close()
	}
	return err
}

// copyupNamed is the full engine: copy the object at d from branch bstart
// into branch newbindex under destName. src, when non-nil, supplies the
// file bytes instead of a fresh open of the lower path (the open-but-deleted
// case). When repoint is set the fan-out node is retargeted at the new top.
//
// The returned handle is the destination file opened read-write for regular
// files the caller wants to keep writing (nil otherwise).
func (u *UnionFS) copyupNamed(d *dentry, src absfs.File, destName string, bstart, newbindex int, length int64, repoint bool) (absfs.File, error) {
	if newbindex >= bstart {
		panic("unionfs: copy-up must move leftward")
	}
	if err := u.isROBranch(newbindex); err != nil {
		return nil, errCopyup
	}

	srcRef := d.lowerRefAt(bstart)
	if !srcRef.positive() {
		return nil, ErrStale
	}
	srcInfo := srcRef.info
	srcFS := u.branches[bstart].fs
	dstFS := u.branches[newbindex].fs

	parentPath, err := u.createParents(d, newbindex)
	if err != nil {
		return nil, err
	}
	srcPath := d.path()
	dstPath := path.Join(parentPath, destName)

	var dst absfs.File
	switch {
	case srcInfo.IsDir():
		if err := dstFS.Mkdir(dstPath, srcInfo.Mode().Perm()); err != nil && !os.IsExist(err) {
			return nil, wrapCopyup(err)
		}
		if d.bopaque() == bstart {
			if err := u.makeDirOpaque(dstFS, dstPath); err != nil {
				return nil, wrapCopyup(err)
			}
		}

	case srcInfo.Mode()&os.ModeSymlink != 0:
		target, err := readlinkFS(srcFS, srcPath)
		if err != nil {
			return nil, err
		}
		if err := symlinkFS(dstFS, target, dstPath); err != nil {
			return nil, wrapCopyup(err)
		}

	default:
		dst, err = u.copyupFileBytes(srcFS, dstFS, src, srcPath, dstPath, srcInfo, length)
		if err != nil {
			return nil, err
		}
	}

	dstInfo, err := lstatFS(dstFS, dstPath)
	if err != nil {
		if dst != nil {
			dst.Close()
		}
		return nil, err
	}

	if repoint {
		u.repointAfterCopyup(d, newbindex, dstInfo)
	}
	return dst, nil
}

// copyupFileBytes creates the destination file and streams the source into
// it, up to length bytes.
func (u *UnionFS) copyupFileBytes(srcFS, dstFS absfs.FileSystem, src absfs.File, srcPath, dstPath string, srcInfo os.FileInfo, length int64) (absfs.File, error) {
	closeSrc := false
	if src == nil {
		var err error
		src, err = srcFS.OpenFile(srcPath, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open copy-up source: %w", err)
		}
		closeSrc = true
	} else if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if closeSrc {
		defer src.Close()
	}

	dst, err := dstFS.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return nil, wrapCopyup(err)
	}

	var in io.Reader = src
	if length >= 0 {
		in = io.LimitReader(src, length)
	}
	buf := make([]byte, u.copyBufferSize)
	if _, err := io.CopyBuffer(onlyWriter{dst}, in, buf); err != nil {
		dst.Close()
		dstFS.Remove(dstPath)
		return nil, fmt.Errorf("failed to copy file contents: %w", err)
	}

	if err := dstFS.Chmod(dstPath, srcInfo.Mode().Perm()); err != nil {
		u.logger.Debugf("unionfs: chmod after copy-up: %v", err)
	}
	if err := dstFS.Chtimes(dstPath, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		u.logger.Debugf("unionfs: chtimes after copy-up: %v", err)
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		dst.Close()
		return nil, err
	}
	return dst, nil
}

// onlyWriter hides ReadFrom so io.CopyBuffer actually uses our buffer.
type onlyWriter struct{ w io.Writer }

func (o onlyWriter) Write(p []byte) (int, error) { return o.w.Write(p) }

// repointAfterCopyup atomically retargets the fan-out node at the new top.
// Regular files shrink to a single slot (the lower copy is shadowed);
// directories keep their deeper slots for merging.
func (u *UnionFS) repointAfterCopyup(d *dentry, newbindex int, dstInfo os.FileInfo) {
	di := d.info
	di.lower[newbindex] = &lowerRef{info: dstInfo}
	di.bstart = newbindex

	ino := d.inode
	if ino != nil {
		ino.lower[newbindex] = dstInfo
		ino.bstart = newbindex
	}

	if !dstInfo.IsDir() {
		for bindex := newbindex + 1; bindex < len(di.lower); bindex++ {
			di.lower[bindex] = nil
			if ino != nil && bindex < len(ino.lower) {
				ino.lower[bindex] = nil
			}
		}
		di.bend = newbindex
		if ino != nil {
			ino.bend = newbindex
		}
	}
	if ino != nil {
		ino.copyAttrAll()
	}
	d.checkInvariants()
}

// copyupDeletedFile is the silly-rename path: the file is open but already
// unlinked from the visible namespace, so the copy lands under a generated
// ".unionfs<ino><counter>" name, and that name is immediately unlinked
// again; the open handle holds the only remaining reference.
//
// The free-name probe runs against the source branch; if the destination
// create still collides the EEXIST loops back into the probe.
func (u *UnionFS) copyupDeletedFile(f *File, d *dentry, bstart, newbindex int) error {
	srcRef := d.lowerRefAt(bstart)
	if !srcRef.positive() {
		return ErrStale
	}
	ino := lowerIno(srcRef.info)
	srcFS := u.branches[bstart].fs
	dstFS := u.branches[newbindex].fs
	parentPath := path.Dir(d.path())

	for {
		var name string
		for {
			name = sillyName(ino)
			u.logger.Debugf("unionfs: trying to rename %s to %s", d.name, name)
			if _, err := lstatFS(srcFS, path.Join(parentPath, name)); err != nil {
				if isNotExist(err) {
					break
				}
				return err
			}
		}

		dst, err := u.copyupNamed(d, f.lowers[f.fstart], name, bstart, newbindex, f.size(), true)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return err
		}

		// Swap the handle to the writable copy, then bring the copy to the
		// same state as an unlinked file.
		dstPath := path.Join(parentPath, name)
		f.replaceLower(newbindex, dst)
		if err := dstFS.Remove(dstPath); err != nil {
			u.logger.Warnf("unionfs: unlink of silly-renamed %s: %v", dstPath, err)
		}
		return nil
	}
}

// makeDirOpaque lays down the opacity marker inside the directory at p.
func (u *UnionFS) makeDirOpaque(fs absfs.FileSystem, p string) error {
	mk, err := fs.OpenFile(opaquePath(p), os.O_CREATE|os.O_WRONLY, 0444)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return mk.Close()
}

// wrapCopyup turns a branch permission error into the copy-up retry signal
// while passing everything else through unchanged.
func wrapCopyup(err error) error {
	if os.IsPermission(err) {
		return errCopyup
	}
	return err
}
