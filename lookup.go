package unionfs

import (
	"os"
)

// Interpose modes, deciding how a finished lookup is wired into the visible
// tree.
const (
	interposeDefault  = iota // fresh object from a mutation, instantiate
	interposeLookup          // fresh lookup from a path walk
	interposeReval           // re-lookup reusing an existing inode
	interposeRevalNeg        // re-lookup of a previously negative dentry
	interposePartial         // fill in only branches not yet populated
)

// lookupBackend drives the per-branch scan that builds a fan-out node for
// d. The caller holds d's lock (and the table read lock); the parent is
// locked here, child before parent.
//
// Scan order is parent.bstart upward, clipped by the parent's opacity. A
// whiteout found on the way shadows everything deeper; a regular file stops
// the fan-out; an opaque directory stops descent below itself.
func (u *UnionFS) lookupBackend(d *dentry, mode int) error {
	if d.isRoot() {
		return nil
	}
	parent := d.parent
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if mode != interposePartial {
		d.info = newDentryInfo(u.branchCount(), u.generation.Load())
	}

	// No fan-out nodes for possible whiteout names.
	if !isValidName(d.name) {
		return ErrPermission
	}

	bstart := parent.bstart()
	bend := parent.bend()
	if bop := parent.bopaque(); bop >= 0 && bop < bend {
		bend = bop
	}
	if bstart < 0 {
		return ErrStale
	}

	p := d.path()
	wh := whPath(p)
	firstNeg := -1
	lastDir := -1
	dcount := 0

	for bindex := bstart; bindex <= bend; bindex++ {
		if mode == interposePartial && d.info.lower[bindex] != nil {
			continue
		}

		pref := parent.lowerRefAt(bindex)
		if !pref.positive() || !pref.info.IsDir() {
			continue
		}
		lastDir = bindex
		fs := u.branches[bindex].fs

		// Whiteout first: .wh.<name> shadows this and every deeper branch.
		whInfo, err := lstatFS(fs, wh)
		if err != nil && os.IsPermission(err) {
			whInfo, err = u.sioq.lookup(fs, wh)
		}
		if err == nil {
			if !whInfo.Mode().IsRegular() {
				u.logger.Warnf("unionfs: invalid whiteout entry type %v at %s", whInfo.Mode(), wh)
				return ErrIO
			}
			d.info.bend = bindex
			d.info.bopaque = bindex
			break
		} else if !isNotExist(err) {
			return err
		}

		info, err := lstatFS(fs, p)
		if err != nil {
			if !isNotExist(err) {
				return err
			}
			// Remember the leftmost negative slot for a future create.
			if firstNeg < 0 && d.info.bstart < 0 {
				firstNeg = bindex
				d.info.lower[bindex] = &lowerRef{}
			}
			continue
		}

		dcount++
		if d.info.bstart < 0 {
			d.info.bstart = bindex
		}
		d.info.lower[bindex] = &lowerRef{info: info}
		d.info.bend = bindex

		if !info.IsDir() {
			// Partial lookups keep scanning; they exist to see every
			// occurrence.
			if mode == interposePartial {
				continue
			}
			// Files cannot fan out; the first hit wins outright.
			if dcount == 1 {
				break
			}
			// A file below directories is shadowed but its slot stays for
			// attribute folding.
			continue
		}

		opaque, err := u.isOpaqueDir(fs, p)
		if err != nil {
			return err
		}
		if opaque {
			d.info.bend = bindex
			d.info.bopaque = bindex
			break
		}
	}

	if dcount == 0 {
		return u.lookupNegative(d, mode, firstNeg, lastDir)
	}
	return u.lookupPositive(d, mode)
}

// lookupNegative finishes a scan that found no positive slot.
func (u *UnionFS) lookupNegative(d *dentry, mode, firstNeg, lastDir int) error {
	if mode == interposePartial {
		return nil
	}
	if mode == interposeReval {
		// The object vanished under us while something still holds it.
		if d.inode != nil {
			d.inode.stale = true
		}
		return nil
	}

	// Only a whiteout stop leaves no saved negative slot; fall back to the
	// last branch that could have held the name.
	if firstNeg < 0 {
		firstNeg = lastDir
		if firstNeg < 0 {
			firstNeg = d.parent.bstart()
		}
		d.info.lower[firstNeg] = &lowerRef{}
	}
	d.info.bstart = firstNeg
	d.info.bend = firstNeg
	d.inode = nil
	return nil
}

// lookupPositive interposes an inode over the slots the scan produced.
func (u *UnionFS) lookupPositive(d *dentry, mode int) error {
	if mode == interposePartial {
		if d.inode != nil {
			u.reinterpose(d)
			return nil
		}
		// A partial lookup that turned a negative dentry positive is a
		// negative revalidation.
		mode = interposeRevalNeg
		d.updateBstart()
	}
	if err := u.interpose(d, mode); err != nil {
		return err
	}
	d.checkInvariants()
	return nil
}

// isOpaqueDir probes for the opacity marker inside the directory at p on
// one branch. Probes that the caller's credentials cannot perform run on
// the side-IO queue.
func (u *UnionFS) isOpaqueDir(fs interface {
	Stat(string) (os.FileInfo, error)
}, p string) (bool, error) {
	info, err := statMaybeLstat(fs, opaquePath(p))
	if err == nil {
		return info.Mode().IsRegular(), nil
	}
	if isNotExist(err) {
		return false, nil
	}
	if os.IsPermission(err) {
		return u.sioq.isOpaque(fs, p)
	}
	return false, err
}

func statMaybeLstat(fs interface {
	Stat(string) (os.FileInfo, error)
}, p string) (os.FileInfo, error) {
	if l, ok := fs.(interface {
		Lstat(string) (os.FileInfo, error)
	}); ok {
		return l.Lstat(p)
	}
	return fs.Stat(p)
}

// interpose wires a visible inode under the dentry from its fan-out slots.
// This is the classic stackable-filesystem vnode interposition step.
func (u *UnionFS) interpose(d *dentry, flag int) error {
	di := d.info

	positive := false
	for bindex := di.bstart; bindex >= 0 && bindex <= di.bend; bindex++ {
		if di.lower[bindex].positive() {
			positive = true
			break
		}
	}
	if !positive {
		panic("unionfs: interpose on a negative dentry")
	}

	var ino *inode
	if flag == interposeReval {
		// Reuse the existing inode; just rebuild its lower vector.
		ino = d.inode
		ino.lower = make([]os.FileInfo, di.bcount)
		ino.bstart, ino.bend = -1, -1
	} else {
		ino = u.newInode(di.bcount)
	}

	for bindex := di.bstart; bindex <= di.bend; bindex++ {
		ref := di.lower[bindex]
		if ref.positive() {
			ino.lower[bindex] = ref.info
		}
	}
	ino.bstart = di.bstart
	ino.bend = di.bend
	ino.copyAttrAll()
	ino.generation.Store(u.generation.Load())
	d.inode = ino
	return nil
}

// reinterpose refreshes an existing inode after a partial lookup widened the
// dentry's fan-out.
func (u *UnionFS) reinterpose(d *dentry) {
	di := d.info
	ino := d.inode
	if len(ino.lower) < di.bcount {
		grown := make([]os.FileInfo, di.bcount)
		copy(grown, ino.lower)
		ino.lower = grown
	}
	for bindex := di.bstart; bindex <= di.bend; bindex++ {
		ref := di.lower[bindex]
		if ref.positive() && ino.lower[bindex] == nil {
			ino.lower[bindex] = ref.info
		}
	}
	ino.bstart = di.bstart
	ino.bend = di.bend
}

// partialLookup fills in any branches of d not yet populated, used before
// operations that must see every occurrence of a name (emptiness checks,
// branch queries).
func (u *UnionFS) partialLookup(d *dentry) error {
	return u.lookupBackend(d, interposePartial)
}

// lookupPath walks the visible tree to a dentry, revalidating as it goes.
// The returned dentry may be negative; intermediate components must be
// positive directories. Caller holds the table read lock.
func (u *UnionFS) lookupPath(p string) (*dentry, error) {
	parts := splitPath(p)
	for _, name := range parts {
		if !isValidName(name) {
			return nil, ErrPermission
		}
	}

	d := u.root
	d.mu.Lock()
	if !u.revalidateChainLocked(d) {
		d.mu.Unlock()
		return nil, ErrStale
	}
	d.mu.Unlock()

	for i, name := range parts {
		d.mu.Lock()
		if !d.positive() || !d.inode.isDir() {
			d.mu.Unlock()
			return nil, ErrNotDir
		}
		child := d.child(name)
		d.mu.Unlock()

		child.mu.Lock()
		var err error
		if child.info == nil {
			err = u.lookupBackend(child, interposeLookup)
		} else if !u.revalidateChainLocked(child) {
			// The host would drop the dcache entry on ESTALE and walk
			// again; do the same in place.
			child.info = nil
			child.inode = nil
			child.deleted = false
			err = u.lookupBackend(child, interposeLookup)
		}
		if err != nil {
			child.mu.Unlock()
			return nil, err
		}
		if i < len(parts)-1 && !child.positive() {
			child.mu.Unlock()
			return nil, ErrNotExist
		}
		child.mu.Unlock()
		d = child
	}
	return d, nil
}
