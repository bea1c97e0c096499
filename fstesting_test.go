package unionfs

import (
	"testing"

	"github.com/absfs/fstesting"
	"github.com/absfs/memfs"
)

// TestUnionFSSuite runs the fstesting suite against the union's
// SymlinkFileSystem view over two memfs branches.
func TestUnionFSSuite(t *testing.T) {
	overlay, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create overlay filesystem: %v", err)
	}
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create base filesystem: %v", err)
	}

	ufs, err := New(
		WithWritableBranch(overlay),
		WithReadOnlyBranch(base),
	)
	if err != nil {
		t.Fatalf("failed to create union: %v", err)
	}
	defer ufs.Close()

	sfs := ufs.SymlinkFileSystem()

	suite := &fstesting.Suite{
		FS: sfs,
		Features: fstesting.Features{
			Symlinks:      true,
			HardLinks:     false, // memfs doesn't support hard links
			Permissions:   true,
			Timestamps:    true,
			CaseSensitive: true,
			AtomicRename:  true,
			SparseFiles:   false,
			LargeFiles:    true,
		},
	}

	suite.Run(t)
}
