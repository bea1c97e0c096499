package unionfs

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/absfs/absfs"
)

// BranchMode is the access mode of one branch.
type BranchMode int

const (
	// ReadWrite branches accept mutations. Branch 0 must be ReadWrite.
	ReadWrite BranchMode = iota
	// ReadOnly branches only serve fall-through reads; objects on them are
	// copied up before modification.
	ReadOnly
)

func (m BranchMode) String() string {
	if m == ReadOnly {
		return "ro"
	}
	return "rw"
}

// branch is one backing filesystem in the priority-ordered table. Branches
// are addressed by index (position in the table, 0 is the top) in almost all
// of the code; the id survives table reshuffles and is what open files
// remember.
type branch struct {
	fs   absfs.FileSystem
	mode BranchMode
	id   uint32
	name string // origin label for logs and option round-trips

	// openFiles counts lower handles currently open against this branch.
	// A branch with open files cannot be removed.
	openFiles atomic.Int32
}

func (b *branch) readonly() bool { return b.mode == ReadOnly }

// branchget records a new lower handle against branch index. Callers must
// hold the table lock at least for reading.
func (u *UnionFS) branchget(bindex int) {
	u.branches[bindex].openFiles.Add(1)
}

// branchput releases one lower-handle reference.
func (u *UnionFS) branchput(bindex int) {
	if n := u.branches[bindex].openFiles.Add(-1); n < 0 {
		panic("unionfs: branch open-file count underflow")
	}
}

// branchIDToIndex resolves a stable branch id back to its current table
// index, or -1 if the branch has been unmounted. Linear scan; the table is
// small.
func (u *UnionFS) branchIDToIndex(id uint32) int {
	for i, b := range u.branches {
		if b.id == id {
			return i
		}
	}
	return -1
}

// newBranchID hands out the next unique branch id. Caller holds the table
// lock for writing.
func (u *UnionFS) newBranchID() uint32 {
	u.highBranchID++
	return u.highBranchID
}

// isROBranch reports ErrReadOnly if branch index may not be written, nil
// otherwise. The caller holds the table lock, as with every helper that
// indexes the branch vector.
func (u *UnionFS) isROBranch(bindex int) error {
	if u.branches[bindex].readonly() {
		return ErrReadOnly
	}
	return nil
}

// parseBranchMode parses an "=ro"/"=rw" suffix, defaulting to rw when no
// mode was given.
func parseBranchMode(mode string) (BranchMode, error) {
	switch mode {
	case "", "rw":
		return ReadWrite, nil
	case "ro":
		return ReadOnly, nil
	default:
		return 0, fmt.Errorf("unionfs: invalid branch mode %q: %w", mode, ErrInvalid)
	}
}

// BranchSpec is one parsed entry of a dirs= option.
type BranchSpec struct {
	Dir  string
	Mode BranchMode
}

// parseDirsOption parses the value of a dirs= mount option, a string such
// as "b1:b2=rw:b3=ro:b4". Validation: at least one branch, branch 0
// writable, bounded table size, and no branch a prefix of another in the
// host namespace (overlapping branches defeat coherency).
func parseDirsOption(value string) ([]BranchSpec, error) {
	if value == "" {
		return nil, fmt.Errorf("unionfs: no branches specified: %w", ErrInvalid)
	}

	var specs []BranchSpec
	for _, name := range strings.Split(value, ":") {
		if name == "" {
			continue
		}
		dir, mode, _ := strings.Cut(name, "=")
		perms, err := parseBranchMode(mode)
		if err != nil {
			return nil, err
		}
		if len(specs) == 0 && perms != ReadWrite {
			return nil, fmt.Errorf("unionfs: leftmost branch %q must be writable: %w", dir, ErrInvalid)
		}
		specs = append(specs, BranchSpec{Dir: cleanPath(dir), Mode: perms})
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("unionfs: no branches specified: %w", ErrInvalid)
	}
	if len(specs) > maxBranches {
		return nil, fmt.Errorf("unionfs: too many branches (%d > %d): %w", len(specs), maxBranches, ErrInvalid)
	}

	for i := range specs {
		for j := i + 1; j < len(specs); j++ {
			if branchesOverlap(specs[i].Dir, specs[j].Dir) {
				return nil, fmt.Errorf("unionfs: branches %d and %d overlap: %w", i, j, ErrInvalid)
			}
		}
	}
	return specs, nil
}

// branchesOverlap reports whether one directory is an ancestor of (or equal
// to) the other.
func branchesOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/") {
		return true
	}
	return a == "/" || b == "/"
}

// ParseOptions parses a comma-separated mount-option list. The only
// recognized option is dirs=<spec>; anything else is a fatal parse error.
func ParseOptions(options string) ([]BranchSpec, error) {
	var specs []BranchSpec
	seen := false
	for _, opt := range strings.Split(options, ",") {
		if opt == "" {
			continue
		}
		name, value, _ := strings.Cut(opt, "=")
		switch name {
		case "dirs":
			if seen {
				return nil, fmt.Errorf("unionfs: dirs specified more than once: %w", ErrInvalid)
			}
			seen = true
			parsed, err := parseDirsOption(value)
			if err != nil {
				return nil, err
			}
			specs = parsed
		default:
			return nil, fmt.Errorf("unionfs: unrecognized mount option %q: %w", name, ErrInvalid)
		}
	}
	if !seen {
		return nil, fmt.Errorf("unionfs: missing dirs= option: %w", ErrInvalid)
	}
	return specs, nil
}

// checkBranchRoot verifies a branch root before it enters the table: it must
// exist and be a directory, and it must not be a union's SymlinkFileSystem
// view. Other wrappings of a union, such as its FileSystem view, are not
// detected.
func checkBranchRoot(fs absfs.FileSystem) error {
	if _, ok := fs.(*symlinkFileSystem); ok {
		return fmt.Errorf("unionfs: cannot stack a union on itself: %w", ErrInvalid)
	}
	info, err := fs.Stat("/")
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("unionfs: branch root is not a directory: %w", ErrNotDir)
	}
	return nil
}
