package unionfs

import (
	"os"
	"time"

	"github.com/absfs/absfs"
	"github.com/spf13/afero"
)

// absFSAdapter wraps UnionFS to implement absfs.Filer with correct types.
type absFSAdapter struct {
	ufs *UnionFS
}

// Ensure absFSAdapter implements absfs.Filer interface at compile time
var _ absfs.Filer = (*absFSAdapter)(nil)

// FileSystem returns an absfs.FileSystem view of this UnionFS, enabling
// integration with the absfs ecosystem.
func (u *UnionFS) FileSystem() absfs.FileSystem {
	return absfs.ExtendFiler(&absFSAdapter{ufs: u})
}

// SymlinkFileSystem returns the symlink-capable view.
func (u *UnionFS) SymlinkFileSystem() absfs.SymlinkFileSystem {
	return &symlinkFileSystem{
		FileSystem: u.FileSystem(),
		ufs:        u,
	}
}

// symlinkFileSystem extends the FileSystem view with the symlink surface.
type symlinkFileSystem struct {
	absfs.FileSystem
	ufs *UnionFS
}

func (s *symlinkFileSystem) Lstat(name string) (os.FileInfo, error) {
	return s.ufs.Lstat(cleanPath(name))
}

func (s *symlinkFileSystem) Symlink(oldname, newname string) error {
	return s.ufs.Symlink(oldname, cleanPath(newname))
}

func (s *symlinkFileSystem) Readlink(name string) (string, error) {
	return s.ufs.Readlink(cleanPath(name))
}

func (s *symlinkFileSystem) Lchown(name string, uid, gid int) error {
	return s.ufs.Lchown(cleanPath(name), uid, gid)
}

// OpenFile implements absfs.Filer
func (a *absFSAdapter) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return a.ufs.OpenFile(cleanPath(name), flag, perm)
}

// Mkdir implements absfs.Filer
func (a *absFSAdapter) Mkdir(name string, perm os.FileMode) error {
	return a.ufs.Mkdir(cleanPath(name), perm)
}

// Remove implements absfs.Filer
func (a *absFSAdapter) Remove(name string) error {
	return a.ufs.Remove(cleanPath(name))
}

// Rename implements absfs.Filer
func (a *absFSAdapter) Rename(oldpath, newpath string) error {
	return a.ufs.Rename(cleanPath(oldpath), cleanPath(newpath))
}

// Stat implements absfs.Filer
func (a *absFSAdapter) Stat(name string) (os.FileInfo, error) {
	return a.ufs.Stat(cleanPath(name))
}

// Chmod implements absfs.Filer
func (a *absFSAdapter) Chmod(name string, mode os.FileMode) error {
	return a.ufs.Chmod(cleanPath(name), mode)
}

// Chtimes implements absfs.Filer
func (a *absFSAdapter) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return a.ufs.Chtimes(cleanPath(name), atime, mtime)
}

// Chown implements absfs.Filer
func (a *absFSAdapter) Chown(name string, uid, gid int) error {
	return a.ufs.Chown(cleanPath(name), uid, gid)
}

// Separator returns the path separator (always forward slash for virtual paths)
func (a *absFSAdapter) Separator() uint8 {
	return '/'
}

// ListSeparator returns the path list separator (always colon for virtual paths)
func (a *absFSAdapter) ListSeparator() uint8 {
	return ':'
}

// Truncate changes the size of the named file
func (a *absFSAdapter) Truncate(name string, size int64) error {
	return a.ufs.Truncate(cleanPath(name), size)
}

// FromAfero adapts any afero.Fs into a branch filesystem, including the
// symlink surface when the afero implementation has one. This is how host
// directories (afero.NewOsFs with a BasePathFs) become branches.
func FromAfero(fs afero.Fs) absfs.FileSystem {
	base := absfs.ExtendFiler(&aferoFiler{fs: fs})
	return &aferoFS{FileSystem: base, fs: fs}
}

// aferoFiler implements absfs.Filer over afero.Fs.
type aferoFiler struct {
	fs afero.Fs
}

var _ absfs.Filer = (*aferoFiler)(nil)

func (a *aferoFiler) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := a.fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (a *aferoFiler) Mkdir(name string, perm os.FileMode) error {
	return a.fs.Mkdir(name, perm)
}

func (a *aferoFiler) Remove(name string) error {
	return a.fs.Remove(name)
}

func (a *aferoFiler) Rename(oldpath, newpath string) error {
	return a.fs.Rename(oldpath, newpath)
}

func (a *aferoFiler) Stat(name string) (os.FileInfo, error) {
	return a.fs.Stat(name)
}

func (a *aferoFiler) Chmod(name string, mode os.FileMode) error {
	return a.fs.Chmod(name, mode)
}

func (a *aferoFiler) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return a.fs.Chtimes(name, atime, mtime)
}

func (a *aferoFiler) Chown(name string, uid, gid int) error {
	return a.fs.Chown(name, uid, gid)
}

func (a *aferoFiler) Separator() uint8 { return '/' }

func (a *aferoFiler) ListSeparator() uint8 { return ':' }

func (a *aferoFiler) Truncate(name string, size int64) error {
	f, err := a.fs.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// aferoFS carries the optional capabilities through.
type aferoFS struct {
	absfs.FileSystem
	fs afero.Fs
}

func (a *aferoFS) Lstat(name string) (os.FileInfo, error) {
	if l, ok := a.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(name)
		return info, err
	}
	return a.fs.Stat(name)
}

func (a *aferoFS) Symlink(oldname, newname string) error {
	if l, ok := a.fs.(afero.Linker); ok {
		return l.SymlinkIfPossible(oldname, newname)
	}
	return ErrNotSupp
}

func (a *aferoFS) Readlink(name string) (string, error) {
	if l, ok := a.fs.(afero.LinkReader); ok {
		return l.ReadlinkIfPossible(name)
	}
	return "", ErrNotSupp
}

func (a *aferoFS) ReadDir(name string) ([]os.FileInfo, error) {
	return afero.ReadDir(a.fs, name)
}
