package unionfs

import (
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"
)

// lowerRef is one slot of a fan-out: what a branch holds for a name. A nil
// *lowerRef means the slot was never filled; a ref with info == nil is a
// remembered negative (the branch was probed and the name is absent there),
// kept only so a later create knows where to land.
type lowerRef struct {
	info os.FileInfo
}

func (r *lowerRef) positive() bool { return r != nil && r.info != nil }

// dentryInfo is the per-dentry fan-out record: the ordered sparse vector of
// lower references with its start/end/opaque indices and the generation the
// record was built under.
type dentryInfo struct {
	bstart, bend int
	bopaque      int
	bcount       int
	generation   atomic.Uint32
	lower        []*lowerRef
}

func newDentryInfo(bcount int, gen uint32) *dentryInfo {
	di := &dentryInfo{
		bstart:  -1,
		bend:    -1,
		bopaque: -1,
		bcount:  bcount,
		lower:   make([]*lowerRef, bcount),
	}
	di.generation.Store(gen)
	return di
}

// dentry is one name in the visible tree. The mutex is taken as soon as an
// operation enters the union; lock ordering is children before parents, and
// pairs of unrelated dentries lock in creation order (see lockPair).
type dentry struct {
	sb     *UnionFS
	name   string
	parent *dentry // nil only for the root
	seq    uint64  // stable identity for pair-lock ordering

	mu       sync.Mutex
	children map[string]*dentry
	info     *dentryInfo
	inode    *inode // nil while negative
	deleted  bool   // unlinked while open handles remain
}

var dentrySeq atomic.Uint64

func (u *UnionFS) newDentry(parent *dentry, name string) *dentry {
	return &dentry{
		sb:     u,
		name:   name,
		parent: parent,
		seq:    dentrySeq.Add(1),
	}
}

func (d *dentry) isRoot() bool { return d.parent == nil }

// path rebuilds the union path of this dentry.
func (d *dentry) path() string {
	if d.isRoot() {
		return "/"
	}
	return path.Join(d.parent.path(), d.name)
}

func (d *dentry) positive() bool { return d.inode != nil }

func (d *dentry) bstart() int {
	if d.info == nil {
		return -1
	}
	return d.info.bstart
}

func (d *dentry) bend() int {
	if d.info == nil {
		return -1
	}
	return d.info.bend
}

func (d *dentry) bopaque() int {
	if d.info == nil {
		return -1
	}
	return d.info.bopaque
}

// lowerRefAt returns the slot for branch bindex, nil when out of range or
// never filled.
func (d *dentry) lowerRefAt(bindex int) *lowerRef {
	if d.info == nil || bindex < 0 || bindex >= len(d.info.lower) {
		return nil
	}
	return d.info.lower[bindex]
}

// topLower returns the highest-priority positive slot. Callers must know the
// dentry is positive.
func (d *dentry) topLower() *lowerRef {
	return d.lowerRefAt(d.bstart())
}

// updateBstart rescans the slot vector after slots may have been emptied and
// moves bstart to the first positive one.
func (d *dentry) updateBstart() {
	for bindex := d.info.bstart; bindex <= d.info.bend; bindex++ {
		ref := d.info.lower[bindex]
		if ref.positive() {
			d.info.bstart = bindex
			return
		}
		d.info.lower[bindex] = nil
	}
}

// checkInvariants asserts the structural rules the rest of the code leans
// on. Violations are bugs, not runtime conditions.
func (d *dentry) checkInvariants() {
	di := d.info
	if di == nil {
		return
	}
	if (di.bstart < 0) != (di.bend < 0) {
		panic("unionfs: fan-out start/end disagree about emptiness")
	}
	if di.bstart > di.bend {
		panic("unionfs: fan-out start exceeds end")
	}
	if di.bstart >= 0 {
		if !di.lower[di.bstart].positive() && d.positive() {
			panic("unionfs: positive dentry without a positive top slot")
		}
		if d.positive() && !d.inode.isDir() && di.bstart != di.bend {
			panic("unionfs: non-directory fanned out across branches")
		}
	}
	if ino := d.inode; ino != nil {
		if ino.bstart != di.bstart || ino.bend != di.bend {
			panic("unionfs: dentry and inode fan-out indices diverge")
		}
	}
}

// lockPair locks two unrelated dentries in creation order, the identity rule
// that makes link/rename deadlock-free without a global lock.
func lockPair(d1, d2 *dentry) {
	if d1 == d2 {
		d1.mu.Lock()
		return
	}
	if d2.seq < d1.seq {
		d1, d2 = d2, d1
	}
	d1.mu.Lock()
	d2.mu.Lock()
}

func unlockPair(d1, d2 *dentry) {
	d1.mu.Unlock()
	if d1 != d2 {
		d2.mu.Unlock()
	}
}

// child returns the cached child dentry, creating an unlooked-up shell when
// absent. Caller holds d's lock.
func (d *dentry) child(name string) *dentry {
	if c, ok := d.children[name]; ok {
		return c
	}
	c := d.sb.newDentry(d, name)
	if d.children == nil {
		d.children = make(map[string]*dentry)
	}
	d.children[name] = c
	return c
}

// dropChild unhashes a child after it has been deleted or gone stale.
// Caller holds d's lock.
func (d *dentry) dropChild(name string) {
	delete(d.children, name)
}

// inode is the per-object attribute record, sharing the fan-out indices with
// its dentry. Attributes are drawn from the highest-priority lower; nlink
// folds the directory link counts of every populated branch.
type inode struct {
	bstart, bend int
	generation   atomic.Uint32
	stale        bool
	lower        []os.FileInfo // cached lower attributes, nil = absent

	ino        uint64
	mode       os.FileMode
	size       int64
	mtime      time.Time
	ctime      time.Time
	nlink      int
	totalopens atomic.Int32

	// readdir resume state parked by closed directory handles.
	rdmu    sync.Mutex
	rdcache []*rdState
}

var inoCounter atomic.Uint64

func init() {
	inoCounter.Store(unionRootIno)
}

// unionRootIno is the visible inode number of the root.
const unionRootIno = 1

func (u *UnionFS) newInode(bcount int) *inode {
	ino := &inode{
		bstart: -1,
		bend:   -1,
		ino:    inoCounter.Add(1),
		lower:  make([]os.FileInfo, bcount),
	}
	ino.generation.Store(u.generation.Load())
	return ino
}

func (i *inode) isDir() bool { return i.mode.IsDir() }

// topLowerInfo returns the cached attributes of the top populated branch.
func (i *inode) topLowerInfo() os.FileInfo {
	if i.bstart < 0 {
		return nil
	}
	return i.lower[i.bstart]
}

// copyAttrAll refreshes the visible attributes from the top lower and
// recomputes the folded link count.
func (i *inode) copyAttrAll() {
	top := i.topLowerInfo()
	if top == nil {
		return
	}
	i.mode = top.Mode()
	i.size = top.Size()
	i.mtime = top.ModTime()
	i.ctime = changeTime(top)
	i.nlink = i.getNlinks()
}

// copyAttrTimes refreshes only the time fields from the top lower.
func (i *inode) copyAttrTimes() {
	top := i.topLowerInfo()
	if top == nil {
		return
	}
	i.mtime = top.ModTime()
	i.ctime = changeTime(top)
}

// getNlinks folds the link counts of the populated branches: each
// directory's "." and ".." collapse into a single pair for the union, a
// branch whose directory was deleted (nlink 0) is skipped, and a broken
// branch reporting nlink 1 for a directory contributes two links.
// Non-directories
// report the top lower's count.
func (i *inode) getNlinks() int {
	if !i.isDir() {
		return lowerNlink(i.topLowerInfo())
	}

	sum := 0
	dirs := 0
	for bindex := i.bstart; bindex >= 0 && bindex <= i.bend; bindex++ {
		info := i.lower[bindex]
		if info == nil || !info.IsDir() {
			continue
		}
		n := lowerNlink(info)
		if n == 0 {
			continue // deleted underneath
		}
		dirs++
		if n == 1 {
			sum += 2
		} else {
			sum += n - 2
		}
	}
	if dirs == 0 {
		return 0
	}
	return sum + 2
}

// purgeRdcache throws away parked readdir state; called when the lower
// directory is known to have changed.
func (i *inode) purgeRdcache() {
	i.rdmu.Lock()
	i.rdcache = nil
	i.rdmu.Unlock()
}
