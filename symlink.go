package unionfs

import (
	"os"
	"path"

	"github.com/absfs/absfs"
)

// Readlink returns the target of the visible symlink, read from its top
// branch.
func (u *UnionFS) Readlink(name string) (string, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	d, err := u.lookupPath(name)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.positive() {
		return "", ErrNotExist
	}
	if d.inode.mode&os.ModeSymlink == 0 {
		return "", ErrInvalid
	}
	return readlinkFS(u.branches[d.bstart()].fs, d.path())
}

// Symlink creates a symbolic link to oldname at newname on the first branch
// that accepts it, trying leftward from the name's start branch, unlinking
// any whiteout covering the name first.
func (u *UnionFS) Symlink(oldname, newname string) error {
	return u.makeObject(newname, func(fs absfs.FileSystem, p string) error {
		return symlinkFS(fs, oldname, p)
	})
}

// Mknod creates a special file where the branch supports it.
func (u *UnionFS) Mknod(name string, mode os.FileMode, dev uint64) error {
	return u.makeObject(name, func(fs absfs.FileSystem, p string) error {
		return mknodFS(fs, p, mode, dev)
	})
}

// makeObject is the shared symlink/mknod script: remove any whiteout
// covering the name on the start branch, then run the create loop walking
// leftward while branches refuse.
func (u *UnionFS) makeObject(name string, create func(fs absfs.FileSystem, p string) error) error {
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
		if ref := d.parent.lowerRefAt(bindex); !ref.positive() {
			if _, err = u.createParents(d, bindex); err != nil {
				u.logger.Debugf("unionfs: lower object missing (or error) for bindex = %d", bindex)
				continue
			}
		}
		if err = create(u.branches[bindex].fs, p); err != nil {
			if os.IsPermission(err) {
				err = errCopyup
				continue
			}
			break
		}
		return u.instantiate(d, bindex)
	}
	if isCopyupErr(err) {
		err = ErrReadOnly
	}
	return err
}
