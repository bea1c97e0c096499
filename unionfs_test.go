package unionfs

import (
	"io"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// mustNewMemFS creates a new memfs or panics
func mustNewMemFS() absfs.FileSystem {
	mfs, err := memfs.NewFS()
	if err != nil {
		panic(err)
	}
	return mfs
}

// writeFile writes data to a file in a filesystem, creating parents
func writeFile(fs interface {
	OpenFile(string, int, os.FileMode) (absfs.File, error)
	MkdirAll(string, os.FileMode) error
}, name string, data []byte, perm os.FileMode) error {
	dir := "/"
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			dir = name[:i]
			break
		}
	}
	if dir != "" && dir != "/" {
		if err := fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// readFile reads a file from a filesystem
func readFile(fs interface {
	OpenFile(string, int, os.FileMode) (absfs.File, error)
}, name string) ([]byte, error) {
	f, err := fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// exists reports whether a name is positive on a filesystem
func exists(fs interface {
	Stat(string) (os.FileInfo, error)
}, name string) bool {
	_, err := fs.Stat(name)
	return err == nil
}

// newUnion builds a two-branch union [RW upper, RO base] and registers
// cleanup.
func newUnion(t *testing.T) (*UnionFS, absfs.FileSystem, absfs.FileSystem) {
	t.Helper()
	upper := mustNewMemFS()
	base := mustNewMemFS()
	ufs, err := New(
		WithWritableBranch(upper),
		WithReadOnlyBranch(base),
	)
	if err != nil {
		t.Fatalf("failed to create union: %v", err)
	}
	t.Cleanup(func() { ufs.Close() })
	return ufs, upper, base
}

// TestReadThrough covers scenario S1: a file only on the read-only base is
// visible and readable, with the fan-out pointing at branch 1.
func TestReadThrough(t *testing.T) {
	ufs, _, base := newUnion(t)
	if err := writeFile(base, "/hello", []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := ufs.ReadFile("/hello")
	if err != nil {
		t.Fatalf("read through failed: %v", err)
	}
	if string(data) != "world" {
		t.Errorf("read %q, want %q", data, "world")
	}

	d, err := ufs.lookupPath("/hello")
	if err != nil {
		t.Fatal(err)
	}
	if d.bstart() != 1 || d.bend() != 1 {
		t.Errorf("fan-out start/end = %d/%d, want 1/1", d.bstart(), d.bend())
	}
}

// TestCopyUpOnWrite covers scenario S2: writing a base file creates an
// upper copy, the fan-out collapses to branch 0, and the base copy is
// untouched.
func TestCopyUpOnWrite(t *testing.T) {
	ufs, upper, base := newUnion(t)
	if err := writeFile(base, "/hello", []byte("world"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := ufs.OpenFile("/hello", os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	if _, err := f.Write([]byte("WORLD")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	if got, _ := readFile(upper, "/hello"); string(got) != "WORLD" {
		t.Errorf("upper copy = %q, want %q", got, "WORLD")
	}
	if got, _ := readFile(base, "/hello"); string(got) != "world" {
		t.Errorf("base copy changed to %q", got)
	}
	if got, _ := ufs.ReadFile("/hello"); string(got) != "WORLD" {
		t.Errorf("union read = %q, want %q", got, "WORLD")
	}

	d, err := ufs.lookupPath("/hello")
	if err != nil {
		t.Fatal(err)
	}
	if d.bstart() != 0 || d.bend() != 0 {
		t.Errorf("fan-out start/end = %d/%d, want 0/0", d.bstart(), d.bend())
	}
}

// TestUnlinkCreatesWhiteout covers scenario S3 with two writable branches.
func TestUnlinkCreatesWhiteout(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(
		WithWritableBranch(upper),
		WithWritableBranch(lower),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(upper, "/x", []byte("a"), 0644)
	writeFile(lower, "/x", []byte("b"), 0644)

	if err := ufs.Remove("/x"); err != nil {
		t.Fatalf("unlink: %v", err)
	}

	if !exists(upper, "/.wh.x") {
		t.Error("whiteout /.wh.x missing on top branch")
	}
	if exists(upper, "/x") {
		t.Error("/x not physically removed from top branch")
	}
	if !exists(lower, "/x") {
		t.Error("/x disturbed on lower branch")
	}
	if _, err := ufs.Stat("/x"); !isNotExist(err) {
		t.Errorf("lookup after unlink = %v, want not-exist", err)
	}
}

// TestWhiteoutReciprocity covers property P2: create over a whiteout
// removes it and the name is positive on top again.
func TestWhiteoutReciprocity(t *testing.T) {
	upper := mustNewMemFS()
	lower := mustNewMemFS()
	ufs, err := New(
		WithWritableBranch(upper),
		WithWritableBranch(lower),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(upper, "/x", []byte("a"), 0644)
	writeFile(lower, "/x", []byte("b"), 0644)

	if err := ufs.Remove("/x"); err != nil {
		t.Fatal(err)
	}
	if _, err := ufs.Stat("/x"); !isNotExist(err) {
		t.Fatalf("lookup after unlink = %v", err)
	}

	f, err := ufs.Create("/x")
	if err != nil {
		t.Fatalf("create over whiteout: %v", err)
	}
	f.Write([]byte("new"))
	f.Close()

	if exists(upper, "/.wh.x") {
		t.Error("whiteout survived create")
	}
	if got, _ := ufs.ReadFile("/x"); string(got) != "new" {
		t.Errorf("read after create = %q", got)
	}
	d, err := ufs.lookupPath("/x")
	if err != nil {
		t.Fatal(err)
	}
	if d.bstart() != 0 {
		t.Errorf("created file landed on branch %d, want 0", d.bstart())
	}
}

// TestShadowing covers property P1: the leftmost occurrence wins; a
// whiteout above hides the name entirely.
func TestShadowing(t *testing.T) {
	top := mustNewMemFS()
	mid := mustNewMemFS()
	bot := mustNewMemFS()
	ufs, err := New(
		WithWritableBranch(top),
		WithReadOnlyBranch(mid),
		WithReadOnlyBranch(bot),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer ufs.Close()

	writeFile(mid, "/n", []byte("mid"), 0644)
	writeFile(bot, "/n", []byte("bot"), 0644)

	if got, _ := ufs.ReadFile("/n"); string(got) != "mid" {
		t.Errorf("read = %q, want the higher branch's %q", got, "mid")
	}
	d, _ := ufs.lookupPath("/n")
	if d.bstart() != 1 {
		t.Errorf("start = %d, want 1", d.bstart())
	}

	// A whiteout above the first occurrence hides the name entirely.
	writeFile(mid, "/m", []byte("mid"), 0644)
	writeFile(bot, "/m", []byte("bot"), 0644)
	writeFile(top, "/.wh.m", nil, 0644)
	if _, err := ufs.Stat("/m"); !isNotExist(err) {
		t.Errorf("whiteout did not hide /m: %v", err)
	}
}

// TestInternalNamesRejected covers property P7: any operation on a
// whiteout-prefixed name fails with EPERM before reaching a branch.
func TestInternalNamesRejected(t *testing.T) {
	ufs, _, _ := newUnion(t)

	for _, name := range []string{"/.wh.foo", "/.wh.__dir_opaque", "/sub/.wh.x", "/__dir_opaque"} {
		if _, err := ufs.Stat(name); err != ErrPermission {
			t.Errorf("Stat(%q) = %v, want EPERM", name, err)
		}
		if _, err := ufs.Create(name); err != ErrPermission {
			t.Errorf("Create(%q) = %v, want EPERM", name, err)
		}
	}
	if err := ufs.Rename("/a", "/.wh.b"); err != ErrPermission {
		t.Errorf("Rename to internal name = %v, want EPERM", err)
	}
	if err := ufs.Link("/a", "/.wh.b"); err != ErrPermission {
		t.Errorf("Link to internal name = %v, want EPERM", err)
	}
}

// TestReadlinkThrough covers scenario S6 where the branch supports
// symlinks.
func TestReadlinkThrough(t *testing.T) {
	ufs, _, base := newUnion(t)

	l, ok := base.(interface {
		Symlink(string, string) error
	})
	if !ok {
		t.Skip("base branch does not support symlinks")
	}
	if err := l.Symlink("target", "/link"); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	got, err := ufs.Readlink("/link")
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if got != "target" {
		t.Errorf("readlink = %q, want %q", got, "target")
	}
}

// TestDirectoryMerge checks merged, deduplicated listings across branches.
func TestDirectoryMerge(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(upper, "/dir/a", []byte("ua"), 0644)
	writeFile(base, "/dir/a", []byte("ba"), 0644)
	writeFile(base, "/dir/b", []byte("bb"), 0644)

	entries, err := ufs.ReadDir("/dir")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("merged entries = %v, want [a b]", names)
	}
	if entries[0].Name() != "a" || entries[1].Name() != "b" {
		t.Errorf("entries = [%s %s], want [a b]", entries[0].Name(), entries[1].Name())
	}
	// The duplicate "a" must come from the upper branch.
	if got, _ := ufs.ReadFile("/dir/a"); string(got) != "ua" {
		t.Errorf("/dir/a = %q, want upper copy", got)
	}
}

// TestWhiteoutHidesInListing checks that whiteouts filter listings, not
// just lookups.
func TestWhiteoutHidesInListing(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/dir/keep", nil, 0644)
	writeFile(base, "/dir/gone", nil, 0644)
	writeFile(upper, "/dir/.wh.gone", nil, 0644)

	names, err := func() ([]string, error) {
		f, err := ufs.Open("/dir")
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.Readdirnames(-1)
	}()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "keep" {
		t.Errorf("names = %v, want [keep]", names)
	}
}

// TestOpaqueDirectory checks that the opacity marker stops descent.
func TestOpaqueDirectory(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/dir/below", nil, 0644)
	writeFile(upper, "/dir/above", nil, 0644)
	writeFile(upper, "/dir/"+OpaqueMarker, nil, 0644)

	if _, err := ufs.Stat("/dir/below"); !isNotExist(err) {
		t.Errorf("opaque directory leaked a lower name: %v", err)
	}
	if !exists(ufs, "/dir/above") {
		t.Error("upper name hidden by its own opacity marker")
	}
	entries, err := ufs.ReadDir("/dir")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "above" {
		t.Errorf("opaque listing wrong: %d entries", len(entries))
	}
}

// TestBadWhiteoutType: a directory in a whiteout slot is corruption.
func TestBadWhiteoutType(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/f", nil, 0644)
	if err := upper.MkdirAll("/.wh.f", 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := ufs.Stat("/f"); err != ErrIO {
		t.Errorf("Stat with directory whiteout = %v, want EIO", err)
	}
}
