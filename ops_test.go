package unionfs

import (
	"os"
	"testing"
)

// TestRmdirNotEmpty covers scenario S4: a directory with visible content
// on a lower branch cannot be removed.
func TestRmdirNotEmpty(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(WithWritableBranch(upper), WithWritableBranch(lower))
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(lower, "/d/y", []byte("y"), 0644)

	if err := ufs.Remove("/d"); err != ErrNotEmpty {
		t.Fatalf("rmdir of non-empty dir = %v, want ENOTEMPTY", err)
	}
	// No state change.
	if !exists(lower, "/d/y") {
		t.Error("failed rmdir disturbed lower state")
	}
	if exists(upper, "/.wh.d") {
		t.Error("failed rmdir left a whiteout")
	}
}

// TestRmdirAfterUnlink covers scenario S5: unlinking the only entry leaves
// a whiteout, after which rmdir sweeps it, removes the top directory, and
// shadows the lower one.
func TestRmdirAfterUnlink(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(WithWritableBranch(upper), WithWritableBranch(lower))
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(lower, "/d/y", []byte("y"), 0644)

	if err := ufs.Remove("/d/y"); err != nil {
		t.Fatalf("unlink /d/y: %v", err)
	}
	// The whiteout lands in an auto-created /d on the top branch.
	if !exists(upper, "/d/.wh.y") {
		t.Fatal("whiteout /d/.wh.y missing; parent replication failed")
	}

	if err := ufs.Remove("/d"); err != nil {
		t.Fatalf("rmdir /d: %v", err)
	}
	if exists(upper, "/d") {
		t.Error("top-branch /d not removed")
	}
	if !exists(upper, "/.wh.d") {
		t.Error("whiteout /.wh.d missing; lower /d not shadowed")
	}
	if !exists(lower, "/d") {
		t.Error("lower /d should survive, shadowed by the whiteout")
	}
	if _, err := ufs.Stat("/d"); !isNotExist(err) {
		t.Errorf("lookup /d after rmdir = %v", err)
	}
}

// TestUnlinkPreservesReadOnlyBranch: deleting a name whose only copy sits
// on a read-only branch leaves that copy in place behind a whiteout.
func TestUnlinkPreservesReadOnlyBranch(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/d/y", []byte("y"), 0644)
	if err := ufs.Remove("/d/y"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if !exists(base, "/d/y") {
		t.Error("read-only copy was removed")
	}
	if !exists(upper, "/d/.wh.y") {
		t.Error("whiteout missing on the writable branch")
	}
	if _, err := ufs.Stat("/d/y"); !isNotExist(err) {
		t.Errorf("lookup after unlink = %v", err)
	}
}

// TestRmdirEmptiness covers property P6 directly: names shadowed by
// higher-branch whiteouts do not block removal, unshadowed ones do.
func TestRmdirEmptiness(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(WithWritableBranch(upper), WithWritableBranch(lower))
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(lower, "/d/a", nil, 0644)
	writeFile(lower, "/d/b", nil, 0644)
	writeFile(upper, "/d/.wh.a", nil, 0644)

	if err := ufs.Remove("/d"); err != ErrNotEmpty {
		t.Fatalf("rmdir with unshadowed /d/b = %v, want ENOTEMPTY", err)
	}

	writeFile(upper, "/d/.wh.b", nil, 0644)
	if err := ufs.Remove("/d"); err != nil {
		t.Fatalf("rmdir with all names whited out: %v", err)
	}
	if _, err := ufs.Stat("/d"); !isNotExist(err) {
		t.Errorf("lookup after rmdir = %v", err)
	}
}

// TestMkdirOverWhiteoutIsOpaque: recreating a deleted directory must not
// resurrect the hidden lower contents.
func TestMkdirOverWhiteoutIsOpaque(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(WithWritableBranch(upper), WithWritableBranch(lower))
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(lower, "/d/old", nil, 0644)
	if err := ufs.Remove("/d/old"); err != nil {
		t.Fatal(err)
	}
	if err := ufs.Remove("/d"); err != nil {
		t.Fatal(err)
	}
	if err := ufs.Mkdir("/d", 0755); err != nil {
		t.Fatalf("mkdir over whiteout: %v", err)
	}

	if _, err := ufs.Stat("/d/old"); !isNotExist(err) {
		t.Errorf("lower content leaked through recreated directory: %v", err)
	}
	entries, err := ufs.ReadDir("/d")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("recreated directory not empty: %d entries", len(entries))
	}
}

// TestRenameSameBranch renames within the writable branch and shadows
// nothing.
func TestRenameSameBranch(t *testing.T) {
	ufs, upper, _ := newUnion(t)

	writeFile(upper, "/a", []byte("data"), 0644)
	if err := ufs.Rename("/a", "/b"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if exists(upper, "/a") {
		t.Error("/a survived rename")
	}
	if got, _ := ufs.ReadFile("/b"); string(got) != "data" {
		t.Errorf("/b = %q", got)
	}
	if exists(upper, "/.wh.a") {
		t.Error("needless whiteout after same-branch rename with no lower copy")
	}
}

// TestRenameFromReadOnlyBranch is the copy-up-then-unlink form: the source
// lives on the read-only base.
func TestRenameFromReadOnlyBranch(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/a", []byte("data"), 0644)
	if err := ufs.Rename("/a", "/b"); err != nil {
		t.Fatalf("cross-branch rename: %v", err)
	}

	if got, _ := ufs.ReadFile("/b"); string(got) != "data" {
		t.Errorf("/b = %q", got)
	}
	if _, err := ufs.Stat("/a"); !isNotExist(err) {
		t.Errorf("/a still visible: %v", err)
	}
	if !exists(base, "/a") {
		t.Error("read-only source was modified")
	}
	if !exists(upper, "/.wh.a") {
		t.Error("old name not whiteout-shadowed")
	}
}

// TestRenameReplacesWhiteout: renaming onto a deleted name removes its
// whiteout.
func TestRenameReplacesWhiteout(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(WithWritableBranch(upper), WithWritableBranch(lower))
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(lower, "/gone", nil, 0644)
	if err := ufs.Remove("/gone"); err != nil {
		t.Fatal(err)
	}
	writeFile(upper, "/src", []byte("s"), 0644)
	if err := ufs.Rename("/src", "/gone"); err != nil {
		t.Fatalf("rename onto whiteout: %v", err)
	}
	if got, _ := ufs.ReadFile("/gone"); string(got) != "s" {
		t.Errorf("/gone = %q", got)
	}
}

// TestLinkSameBranch hard-links within the writable branch where the
// backend supports it.
func TestLinkSameBranch(t *testing.T) {
	ufs, upper, _ := newUnion(t)

	writeFile(upper, "/a", []byte("x"), 0644)
	err := ufs.Link("/a", "/b")
	if err == ErrNotSupp {
		t.Skip("branch does not support hard links")
	}
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if got, _ := ufs.ReadFile("/b"); string(got) != "x" {
		t.Errorf("/b = %q", got)
	}
	ai, _ := ufs.Stat("/a")
	bi, _ := ufs.Stat("/b")
	aino := ai.Sys().(*unionFileInfo).ino
	bino := bi.Sys().(*unionFileInfo).ino
	if aino != bino {
		t.Errorf("link does not share the inode: %d vs %d", aino, bino)
	}
}

// TestChmodCopiesUp: setattr against a read-only branch promotes the file
// first and applies the change to the top branch only.
func TestChmodCopiesUp(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/f", []byte("data"), 0644)
	if err := ufs.Chmod("/f", 0600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	info, err := upper.Stat("/f")
	if err != nil {
		t.Fatalf("no upper copy after setattr copy-up: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("upper mode = %o, want 0600", info.Mode().Perm())
	}
	if binfo, _ := base.Stat("/f"); binfo.Mode().Perm() != 0644 {
		t.Errorf("base mode changed to %o", binfo.Mode().Perm())
	}
	if got, _ := ufs.ReadFile("/f"); string(got) != "data" {
		t.Errorf("content after copy-up = %q", got)
	}
}

// TestTruncateCapsCopyup: truncating a lower file to a smaller size only
// copies that much.
func TestTruncateCapsCopyup(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/f", []byte("0123456789"), 0644)
	if err := ufs.Truncate("/f", 4); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if got, _ := readFile(upper, "/f"); string(got) != "0123" {
		t.Errorf("upper copy = %q, want %q", got, "0123")
	}
	info, err := ufs.Stat("/f")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 4 {
		t.Errorf("visible size = %d, want 4", info.Size())
	}
}

// TestCreateExclusive: O_EXCL on an existing (even lower-branch) name
// fails.
func TestCreateExclusive(t *testing.T) {
	ufs, _, base := newUnion(t)

	writeFile(base, "/f", nil, 0644)
	if _, err := ufs.OpenFile("/f", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644); err != ErrExist {
		t.Errorf("exclusive create over lower file = %v, want EEXIST", err)
	}
}

// TestMkdirAllAndRemoveAll exercises the recursive convenience wrappers
// across branches.
func TestMkdirAllAndRemoveAll(t *testing.T) {
	ufs, _, base := newUnion(t)

	writeFile(base, "/a/b/deep", []byte("x"), 0644)
	if err := ufs.MkdirAll("/a/b/c/d", 0755); err != nil {
		t.Fatalf("mkdirall: %v", err)
	}
	if info, err := ufs.Stat("/a/b/c/d"); err != nil || !info.IsDir() {
		t.Fatalf("stat /a/b/c/d = %v, %v", info, err)
	}

	if err := ufs.RemoveAll("/a"); err != nil {
		t.Fatalf("removeall: %v", err)
	}
	if _, err := ufs.Stat("/a"); !isNotExist(err) {
		t.Errorf("/a still visible: %v", err)
	}
	if !exists(base, "/a/b/deep") {
		t.Error("read-only branch contents disturbed by RemoveAll")
	}
}

// TestAccessIntersection covers the permission rules: a read-only branch 0
// vetoes writes, deeper read-only branches do not.
func TestAccessIntersection(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/f", []byte("x"), 0444)
	if err := ufs.Access("/f", MayRead); err != nil {
		t.Errorf("read access: %v", err)
	}
	// Deeper read-only branches are ignored for writes so copy-up can
	// proceed; the mode check happens against the promoted copy.
	if err := ufs.Access("/f", MayWrite); err != nil {
		t.Errorf("write access over deeper RO branch = %v, want nil", err)
	}

	writeFile(upper, "/t", []byte("x"), 0444)
	if err := ufs.Access("/t", MayWrite); err == nil {
		t.Error("write access to 0444 file on the top branch granted")
	}
	if err := ufs.Access("/t", MayRead); err != nil {
		t.Errorf("read access: %v", err)
	}
}

// TestNlinkFolding checks the folded directory link count.
func TestNlinkFolding(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(WithWritableBranch(upper), WithWritableBranch(lower))
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(upper, "/d/x", nil, 0644)
	writeFile(lower, "/d/y", nil, 0644)

	info, err := ufs.Stat("/d")
	if err != nil {
		t.Fatal(err)
	}
	nlink := info.Sys().(*unionFileInfo).nlink
	if nlink < 2 {
		t.Errorf("folded nlink = %d, want >= 2", nlink)
	}
}
