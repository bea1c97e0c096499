// Package unionfs presents a single logical namespace composed by overlaying
// several independent backing filesystems ("branches") in a fixed
// left-to-right priority order, with whiteout deletions, opaque directories
// and copy-up of objects from read-only branches on first modification.
package unionfs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/absfs/absfs"
	log "github.com/sirupsen/logrus"
)

// UnionFS is the mount-level state: the ordered branch table, the generation
// counter that invalidates cached fan-out nodes across branch management,
// and the root of the visible tree.
//
// The table lock is held for reading by almost every operation and for
// writing only by branch management; readers may be parked arbitrarily long
// by a writer.
type UnionFS struct {
	mu           sync.RWMutex
	branches     []*branch
	highBranchID uint32
	generation   atomic.Uint32

	root *dentry
	sioq *sioq

	copyBufferSize int
	logger         *log.Logger
}

// Option configures a UnionFS at construction.
type Option func(*UnionFS) error

// WithBranch appends a branch with the given access mode.
func WithBranch(fs absfs.FileSystem, mode BranchMode) Option {
	return func(u *UnionFS) error {
		return u.appendBranch(fs, mode, fmt.Sprintf("branch-%d", len(u.branches)))
	}
}

// WithWritableBranch appends a read-write branch.
func WithWritableBranch(fs absfs.FileSystem) Option {
	return WithBranch(fs, ReadWrite)
}

// WithReadOnlyBranch appends a read-only branch.
func WithReadOnlyBranch(fs absfs.FileSystem) Option {
	return WithBranch(fs, ReadOnly)
}

// WithCopyBufferSize sets the buffer size used when streaming bytes during
// copy-up.
func WithCopyBufferSize(size int) Option {
	return func(u *UnionFS) error {
		if size <= 0 {
			return fmt.Errorf("unionfs: copy buffer size %d: %w", size, ErrInvalid)
		}
		u.copyBufferSize = size
		return nil
	}
}

// WithLogger routes the union's logging through the given logrus logger.
func WithLogger(l *log.Logger) Option {
	return func(u *UnionFS) error {
		u.logger = l
		return nil
	}
}

// New builds a union from options. The branch list must name at least one
// branch and the leftmost must be writable; failure is fatal for the mount.
func New(opts ...Option) (*UnionFS, error) {
	u := &UnionFS{
		copyBufferSize: 32 * 1024,
		logger:         log.StandardLogger(),
	}
	for _, opt := range opts {
		if err := opt(u); err != nil {
			return nil, err
		}
	}
	if len(u.branches) == 0 {
		return nil, fmt.Errorf("unionfs: no branches specified: %w", ErrInvalid)
	}
	if u.branches[0].readonly() {
		return nil, fmt.Errorf("unionfs: leftmost branch must be writable: %w", ErrInvalid)
	}
	u.generation.Store(1)
	u.sioq = newSioq(u)
	if err := u.interposeRoot(); err != nil {
		u.sioq.stop()
		return nil, err
	}
	return u, nil
}

func (u *UnionFS) appendBranch(fs absfs.FileSystem, mode BranchMode, name string) error {
	if len(u.branches) >= maxBranches {
		return fmt.Errorf("unionfs: too many branches: %w", ErrInvalid)
	}
	if err := checkBranchRoot(fs); err != nil {
		return fmt.Errorf("unionfs: branch %q: %w", name, err)
	}
	u.branches = append(u.branches, &branch{
		fs:   fs,
		mode: mode,
		id:   u.newBranchID(),
		name: name,
	})
	return nil
}

// interposeRoot builds the root dentry/inode across every branch. Every
// branch root is a directory (checked on entry), so the root spans the whole
// table.
func (u *UnionFS) interposeRoot() error {
	root := u.newDentry(nil, "")
	root.mu.Lock()
	defer root.mu.Unlock()

	di := newDentryInfo(len(u.branches), u.generation.Load())
	for bindex, b := range u.branches {
		info, err := b.fs.Stat("/")
		if err != nil {
			return fmt.Errorf("unionfs: branch %d root: %w", bindex, err)
		}
		di.lower[bindex] = &lowerRef{info: info}
		if di.bstart < 0 {
			di.bstart = bindex
		}
		di.bend = bindex
	}
	root.info = di
	u.root = root
	if err := u.interpose(root, interposeDefault); err != nil {
		return err
	}
	u.root.inode.ino = unionRootIno
	return nil
}

// Close stops the side-IO worker. Open Files remain usable until closed but
// no further privileged operations can be queued.
func (u *UnionFS) Close() error {
	u.sioq.stop()
	return nil
}

// Name identifies the filesystem.
func (u *UnionFS) Name() string { return "unionfs" }

// Generation returns the current mount generation; it increases on every
// branch add or remove.
func (u *UnionFS) Generation() uint32 { return u.generation.Load() }

// Branches returns a snapshot of the branch table as spec entries, top
// first.
func (u *UnionFS) Branches() []BranchSpec {
	u.mu.RLock()
	defer u.mu.RUnlock()
	specs := make([]BranchSpec, len(u.branches))
	for i, b := range u.branches {
		specs[i] = BranchSpec{Dir: b.name, Mode: b.mode}
	}
	return specs
}

// AddBranch inserts a branch at the given position and bumps the mount
// generation, forcing every cached fan-out node through revalidation before
// its next use. Position 0 requires the new branch to be writable.
func (u *UnionFS) AddBranch(index int, fs absfs.FileSystem, mode BranchMode) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if index < 0 || index > len(u.branches) {
		return fmt.Errorf("unionfs: branch index %d out of range: %w", index, ErrInvalid)
	}
	if len(u.branches) >= maxBranches {
		return fmt.Errorf("unionfs: too many branches: %w", ErrInvalid)
	}
	if index == 0 && mode != ReadWrite {
		return fmt.Errorf("unionfs: leftmost branch must be writable: %w", ErrInvalid)
	}
	if err := checkBranchRoot(fs); err != nil {
		return err
	}

	b := &branch{
		fs:   fs,
		mode: mode,
		id:   u.newBranchID(),
	}
	b.name = fmt.Sprintf("branch-%d", b.id)
	u.branches = append(u.branches, nil)
	copy(u.branches[index+1:], u.branches[index:])
	u.branches[index] = b

	gen := u.generation.Add(1)
	u.logger.Debugf("unionfs: added branch at %d, generation now %d", index, gen)
	return nil
}

// RemoveBranch removes the branch at index. Removal that would leave a
// read-only branch on top is refused, as is removing a branch with open
// lower files.
func (u *UnionFS) RemoveBranch(index int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if index < 0 || index >= len(u.branches) {
		return fmt.Errorf("unionfs: branch index %d out of range: %w", index, ErrInvalid)
	}
	if len(u.branches) == 1 {
		return fmt.Errorf("unionfs: cannot remove the last branch: %w", ErrInvalid)
	}
	if index == 0 && u.branches[1].readonly() {
		return fmt.Errorf("unionfs: removal would leave a read-only leftmost branch: %w", ErrInvalid)
	}
	if n := u.branches[index].openFiles.Load(); n > 0 {
		return fmt.Errorf("unionfs: branch %d has %d open files: %w", index, n, ErrBusy)
	}

	u.branches = append(u.branches[:index], u.branches[index+1:]...)
	gen := u.generation.Add(1)
	u.logger.Debugf("unionfs: removed branch %d, generation now %d", index, gen)
	return nil
}

// branchCount returns the current table width. Caller holds the table lock.
func (u *UnionFS) branchCount() int {
	return len(u.branches)
}
