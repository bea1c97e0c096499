package unionfs

// The generation protocol. Lower filesystems never notify the union of
// changes; staleness is detected lazily on next access by comparing a single
// counter, plus a newer-lower probe against the cached timestamps. Parents
// always revalidate before children.

// isNewerLower reports whether any populated lower of d's inode shows an
// mtime/ctime past the cached ones, meaning the lower filesystem changed
// behind the union. The root can never be invalid; branch management
// refreshes it through the generation counter instead.
func (u *UnionFS) isNewerLower(d *dentry) bool {
	if d.isRoot() || !d.positive() {
		return false
	}
	ino := d.inode
	p := d.path()
	for bindex := ino.bstart; bindex >= 0 && bindex <= ino.bend; bindex++ {
		if ino.lower[bindex] == nil {
			continue
		}
		if bindex >= len(u.branches) {
			return true // branch table shrank under this node
		}
		info, err := lstatFS(u.branches[bindex].fs, p)
		if err != nil {
			return true // vanished or unreadable; force the rebuild path
		}
		if isNewer(ino.mtime, ino.ctime, info) {
			u.logger.Debugf("unionfs: resyncing with lower (newer mtime/ctime, name=%s)", d.name)
			return true
		}
	}
	return false
}

// purgeInodeData resets the dentry generation to zero (guaranteed old) and
// drops cached directory state, forcing the next revalidation to rebuild
// from the lowers.
func (u *UnionFS) purgeInodeData(d *dentry) {
	if d.info != nil {
		d.info.generation.Store(0)
	}
	if d.inode != nil {
		d.inode.purgeRdcache()
	}
}

// revalidateOne revalidates a single dentry whose parents are already
// valid. Caller holds d's lock. Returns validity.
func (u *UnionFS) revalidateOne(d *dentry) bool {
	// Unhashed dentries are not revalidated: the namespace no longer
	// contains them and the union operates on the namespace.
	if d.deleted {
		u.logger.Debugf("unionfs: unhashed dentry being revalidated: %s", d.name)
		return true
	}
	if d.info == nil {
		return false
	}

	sbgen := u.generation.Load()
	dgen := d.info.generation.Load()

	if sbgen != dgen {
		if d.isRoot() {
			return u.revalidateRoot()
		}
		positive := d.positive()

		// Throw out the slot vector; the branch table may have changed
		// shape entirely.
		flag := interposeRevalNeg
		if positive {
			flag = interposeReval
			d.inode.bstart, d.inode.bend = -1, -1
		}
		if err := u.lookupBackend(d, flag); err != nil {
			return false
		}
		if positive && d.inode != nil && d.inode.stale {
			// Evict: mark bad and unhash the name.
			d.deleted = true
			d.parent.mu.Lock()
			d.parent.dropChild(d.name)
			d.parent.mu.Unlock()
			return false
		}
		return true
	}

	// Same generation: ask each populated lower to revalidate by re-stat,
	// then copy attributes up.
	if !d.positive() {
		// Negative dentries never revalidate; the name may have appeared
		// below since, so the caller re-looks them up.
		return false
	}
	ino := d.inode
	p := d.path()
	for bindex := ino.bstart; bindex <= ino.bend; bindex++ {
		if ino.lower[bindex] == nil {
			continue
		}
		info, err := lstatFS(u.branches[bindex].fs, p)
		if err != nil {
			return false
		}
		ino.lower[bindex] = info
		if ref := d.lowerRefAt(bindex); ref != nil {
			ref.info = info
		}
	}
	ino.copyAttrAll()
	return true
}

// revalidateRoot refreshes the root fan-out in place against the current
// branch table. The root dentry itself is always valid.
func (u *UnionFS) revalidateRoot() bool {
	root := u.root
	di := newDentryInfo(u.branchCount(), u.generation.Load())
	for bindex, b := range u.branches {
		info, err := b.fs.Stat("/")
		if err != nil {
			return false
		}
		di.lower[bindex] = &lowerRef{info: info}
		if di.bstart < 0 {
			di.bstart = bindex
		}
		di.bend = bindex
	}
	root.info = di
	if err := u.interpose(root, interposeReval); err != nil {
		return false
	}
	root.inode.ino = unionRootIno
	root.inode.generation.Store(u.generation.Load())
	return true
}

// revalidateChainLocked revalidates the parent chain of d, oldest first,
// then d itself. The caller holds d's lock; ancestors are locked one at a
// time as the chain is processed.
func (u *UnionFS) revalidateChainLocked(d *dentry) bool {
	sbgen := u.generation.Load()

	// Collect the ancestors that need work: stale generation, or lower
	// objects that moved on under them.
	var chain []*dentry
	for p := d.parent; p != nil; p = p.parent {
		pgen := uint32(0)
		if p.info != nil {
			pgen = p.info.generation.Load()
		}
		if pgen != sbgen || u.isNewerLowerUnlocked(p) {
			chain = append(chain, p)
			continue
		}
		break
	}

	// Revalidate parent to child.
	for i := len(chain) - 1; i >= 0; i-- {
		p := chain[i]
		p.mu.Lock()
		if u.isNewerLower(p) {
			u.purgeInodeData(p)
		}
		valid := u.revalidateOne(p)
		p.mu.Unlock()
		if !valid {
			return false
		}
	}

	// Finally this dentry, already locked by the caller.
	if u.isNewerLower(d) {
		u.purgeInodeData(d)
	}
	return u.revalidateOne(d)
}

// isNewerLowerUnlocked is the chain-collection probe; it takes the
// ancestor's lock only long enough to read its cached attributes.
func (u *UnionFS) isNewerLowerUnlocked(d *dentry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return u.isNewerLower(d)
}

// revalidate locks d and runs the full chain protocol. Path walks call
// revalidateChainLocked directly, since they already hold the lock.
func (u *UnionFS) revalidate(d *dentry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return u.revalidateChainLocked(d)
}
