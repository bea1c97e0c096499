package unionfs

import (
	"os"
	"strings"
	"testing"
)

// TestCopyupIdempotence covers property P3: copy-up of an object already on
// the top is a no-op, and repeated promotions produce identical bytes.
func TestCopyupIdempotence(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/f", []byte("payload"), 0640)

	if err := ufs.Chmod("/f", 0640); err != nil {
		t.Fatalf("first promoting setattr: %v", err)
	}
	first, err := readFile(upper, "/f")
	if err != nil {
		t.Fatal(err)
	}

	// The object is on the top now; further mutations must not re-copy.
	if err := ufs.Chmod("/f", 0600); err != nil {
		t.Fatalf("second setattr: %v", err)
	}
	second, err := readFile(upper, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) || string(second) != "payload" {
		t.Errorf("copy-up not idempotent: %q then %q", first, second)
	}

	d, _ := ufs.lookupPath("/f")
	if d.bstart() != 0 || d.bend() != 0 {
		t.Errorf("fan-out = %d/%d after copy-up, want 0/0", d.bstart(), d.bend())
	}
}

// TestCopyupReplicatesParents: promoting a deeply nested file recreates its
// ancestry with matching modes.
func TestCopyupReplicatesParents(t *testing.T) {
	ufs, upper, base := newUnion(t)

	if err := base.MkdirAll("/a/b", 0750); err != nil {
		t.Fatal(err)
	}
	writeFile(base, "/a/b/f", []byte("deep"), 0644)

	f, err := ufs.OpenFile("/a/b/f", os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("DEEP"))
	f.Close()

	info, err := upper.Stat("/a/b")
	if err != nil {
		t.Fatalf("parent not replicated: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("replicated parent is not a directory")
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("replicated parent mode = %o, want 0750", info.Mode().Perm())
	}
	if got, _ := readFile(upper, "/a/b/f"); string(got) != "DEEP" {
		t.Errorf("upper copy = %q", got)
	}
	if got, _ := readFile(base, "/a/b/f"); string(got) != "deep" {
		t.Errorf("base copy = %q", got)
	}
}

// TestCopyupSymlink: promoting a symlink copies the link text, not the
// target bytes.
func TestCopyupSymlink(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/target", []byte("t"), 0644)
	l, ok := base.(interface {
		Symlink(string, string) error
	})
	if !ok {
		t.Skip("base branch does not support symlinks")
	}
	if err := l.Symlink("/target", "/ln"); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if info, err := ufs.Lstat("/ln"); err != nil || info.Mode()&os.ModeSymlink == 0 {
		t.Skip("branch does not expose symlinks through lstat")
	}

	if err := ufs.Chtimes("/ln", testTime(), testTime()); err != nil {
		if err == ErrNotSupp {
			t.Skip("upper branch cannot create symlinks")
		}
		t.Fatalf("promoting setattr on symlink: %v", err)
	}

	ur, ok := upper.(interface {
		Readlink(string) (string, error)
	})
	if !ok {
		t.Skip("upper branch cannot read links")
	}
	got, err := ur.Readlink("/ln")
	if err != nil {
		t.Fatalf("upper readlink: %v", err)
	}
	if got != "/target" {
		t.Errorf("link text = %q, want %q", got, "/target")
	}
}

// TestSillyRenameOpenDeleted: an open file that is unlinked and then
// written through a handle on a read-only branch is copied up under a
// generated name which is immediately unlinked again.
func TestSillyRenameOpenDeleted(t *testing.T) {
	ufs, upper, base := newUnion(t)

	writeFile(base, "/f", []byte("alive"), 0644)

	f, err := ufs.OpenFile("/f", os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := ufs.Remove("/f"); err != nil {
		t.Fatalf("unlink of open file: %v", err)
	}
	if _, err := ufs.Stat("/f"); !isNotExist(err) {
		t.Fatalf("still visible after unlink: %v", err)
	}

	// First write forces the delayed copy-up down the silly-rename path.
	if _, err := f.Write([]byte("WRITE")); err != nil {
		t.Fatalf("write through deleted handle: %v", err)
	}

	// The generated name must not linger on the writable branch.
	entries, err := readDirFS(upper, "/")
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".unionfs") {
			t.Errorf("silly-renamed temporary %q left behind", entry.Name())
		}
	}

	// The handle stays readable.
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatalf("read through handle after silly rename: %v", err)
	}
	if string(buf) != "WRITE" {
		t.Errorf("handle reads %q, want %q", buf, "WRITE")
	}
}

// TestSillyNameFormat pins the generated-name template.
func TestSillyNameFormat(t *testing.T) {
	name := sillyName(0xabc)
	if !strings.HasPrefix(name, ".unionfs") {
		t.Fatalf("template prefix: %q", name)
	}
	rest := name[len(".unionfs"):]
	if len(rest) != 16+8 {
		t.Fatalf("field widths: %q has %d hex digits, want 24", name, len(rest))
	}
	if rest[:16] != "0000000000000abc" {
		t.Errorf("inode field = %q", rest[:16])
	}
	if next := sillyName(0xabc); next == name {
		t.Error("counter did not advance")
	}
}
