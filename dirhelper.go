package unionfs

// Logical emptiness for rmdir: a directory is removable iff every name in
// every populated branch at or above the opacity boundary is a whiteout, or
// is shadowed by a whiteout recorded at a higher-priority branch.

// filldirNode is one tallied name.
type filldirNode struct {
	name     string
	bindex   int
	whiteout bool
}

// filldirTable tallies names across the branches of one directory, keyed by
// the visible name; the stored node remembers which branch first produced
// it and whether that occurrence was a whiteout.
type filldirTable struct {
	nodes map[string]*filldirNode
}

func newFilldirTable() *filldirTable {
	return &filldirTable{nodes: make(map[string]*filldirNode)}
}

func (t *filldirTable) find(name string) *filldirNode {
	return t.nodes[name]
}

func (t *filldirTable) add(name string, bindex int, whiteout bool) {
	t.nodes[name] = &filldirNode{name: name, bindex: bindex, whiteout: whiteout}
}

// tallyEntry folds one directory entry into the table, implementing the
// emptiness rule. Duplicate name+whiteout pairs in the same branch mean the
// branch itself is corrupt.
func (t *filldirTable) tallyEntry(name string, bindex int) error {
	if name == "." || name == ".." {
		return nil
	}
	whiteout := false
	if orig, ok := strippedWhiteout(name); ok {
		name = orig
		whiteout = true
	} else if name == OpaqueMarker {
		return nil
	}

	if found := t.find(name); found != nil {
		if found.bindex == bindex && found.whiteout == whiteout {
			return ErrIO
		}
		// Recorded at this or a higher branch already; this occurrence is
		// shadowed.
		return nil
	}

	if !whiteout {
		return ErrNotEmpty
	}
	t.add(name, bindex, whiteout)
	return nil
}

// checkEmpty scans every populated branch of the directory d from its top
// down to the opacity boundary and returns the whiteout tally when the
// directory is logically empty. Callers hold d's lock.
func (u *UnionFS) checkEmpty(d *dentry) (*filldirTable, error) {
	if !d.positive() || !d.inode.isDir() {
		return nil, ErrNotDir
	}
	if err := u.partialLookup(d); err != nil {
		return nil, err
	}

	bstart := d.bstart()
	bend := d.bend()
	if bop := d.bopaque(); bop >= 0 && bop < bend {
		bend = bop
	}

	tally := newFilldirTable()
	dirPath := d.path()
	for bindex := bstart; bindex <= bend; bindex++ {
		ref := d.lowerRefAt(bindex)
		if !ref.positive() || !ref.info.IsDir() {
			continue
		}
		u.branchget(bindex)
		entries, err := readDirFS(u.branches[bindex].fs, dirPath)
		u.branchput(bindex)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if err := tally.tallyEntry(entry.Name(), bindex); err != nil {
				return nil, err
			}
		}
	}
	return tally, nil
}
