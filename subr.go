package unionfs

import (
	"os"
	"path"
)

// createWhiteout installs a whiteout for d's name, trying branch start and
// proceeding leftward when a branch refuses. Whiteouts are paired with the
// unlink they shadow; callers perform the physical removal first where the
// branch allows it.
func (u *UnionFS) createWhiteout(d *dentry, start int) error {
	var err error = ErrInvalid
	for bindex := start; bindex >= 0; bindex-- {
		if err = u.isROBranch(bindex); err != nil {
			err = errCopyup
			continue
		}
		fs := u.branches[bindex].fs

		parentPath := path.Dir(d.path())
		if ref := d.parent.lowerRefAt(bindex); !ref.positive() {
			if _, err = u.createParents(d, bindex); err != nil {
				u.logger.Debugf("unionfs: create parents failed for bindex = %d", bindex)
				continue
			}
		}

		whp := path.Join(parentPath, whName(d.name))
		if info, statErr := lstatFS(fs, whp); statErr == nil && info.Mode().IsRegular() {
			// Already present; possible under opaqueness.
			err = nil
			break
		}

		wh, oerr := fs.OpenFile(whp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
		switch {
		case oerr == nil:
			err = wh.Close()
		case os.IsPermission(oerr):
			// The caller may not write this directory; the union may.
			if err = u.sioq.create(fs, whp, 0644); err != nil {
				err = errCopyup
			}
		default:
			err = oerr
		}
		if err == nil || !isCopyupErr(err) {
			if err == nil {
				// Lookup must not proceed past this branch any more.
				if d.info != nil {
					d.info.bopaque = bindex
				}
			}
			break
		}
	}
	return err
}

// removeWhiteout deletes the whiteout covering name inside parent on branch
// bindex, if one exists. Runs under the caller's credentials; the side-IO
// queue is used when those are insufficient.
func (u *UnionFS) removeWhiteout(parentPath, name string, bindex int) error {
	fs := u.branches[bindex].fs
	whp := path.Join(parentPath, whName(name))
	if _, err := lstatFS(fs, whp); err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	if err := u.isROBranch(bindex); err != nil {
		return errCopyup
	}
	err := fs.Remove(whp)
	if err != nil && os.IsPermission(err) {
		return u.sioq.unlink(fs, whp)
	}
	return err
}

// hasWhiteout reports whether branch bindex carries a whiteout for name
// inside parentPath. Non-regular whiteout slots are corruption.
func (u *UnionFS) hasWhiteout(parentPath, name string, bindex int) (bool, error) {
	fs := u.branches[bindex].fs
	info, err := lstatFS(fs, path.Join(parentPath, whName(name)))
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.Mode().IsRegular() {
		u.logger.Warnf("unionfs: invalid whiteout entry type %v", info.Mode())
		return false, ErrIO
	}
	return true, nil
}

// deleteWhiteouts removes every whiteout recorded in the tally for branch
// bindex inside the directory d, for rmdir. The sweep runs on the side-IO
// queue so directories the caller cannot write are still cleanable under
// the union's authority.
func (u *UnionFS) deleteWhiteouts(d *dentry, bindex int, tally *filldirTable) error {
	if err := u.isROBranch(bindex); err != nil {
		return err
	}
	ref := d.lowerRefAt(bindex)
	if !ref.positive() || !ref.info.IsDir() {
		return ErrNotDir
	}
	fs := u.branches[bindex].fs
	dirPath := d.path()

	return u.sioq.deleteWhiteouts(fs, dirPath, bindex, tally)
}
