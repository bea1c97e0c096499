package unionfs

import (
	"os"

	"github.com/absfs/absfs"
)

// Branch filesystems implement absfs.FileSystem; anything beyond that
// surface (symlinks, lstat, mknod) is negotiated through anonymous
// interface upgrades, so plain branches keep working and capable ones are
// used fully.

func lstatFS(fs absfs.FileSystem, name string) (os.FileInfo, error) {
	if l, ok := fs.(interface {
		Lstat(string) (os.FileInfo, error)
	}); ok {
		return l.Lstat(name)
	}
	return fs.Stat(name)
}

func readlinkFS(fs absfs.FileSystem, name string) (string, error) {
	if l, ok := fs.(interface {
		Readlink(string) (string, error)
	}); ok {
		return l.Readlink(name)
	}
	return "", ErrNotSupp
}

func symlinkFS(fs absfs.FileSystem, oldname, newname string) error {
	if l, ok := fs.(interface {
		Symlink(string, string) error
	}); ok {
		return l.Symlink(oldname, newname)
	}
	return ErrNotSupp
}

func lchownFS(fs absfs.FileSystem, name string, uid, gid int) error {
	if l, ok := fs.(interface {
		Lchown(string, int, int) error
	}); ok {
		return l.Lchown(name, uid, gid)
	}
	return fs.Chown(name, uid, gid)
}

func mknodFS(fs absfs.FileSystem, name string, mode os.FileMode, dev uint64) error {
	if m, ok := fs.(interface {
		Mknod(string, os.FileMode, uint64) error
	}); ok {
		return m.Mknod(name, mode, dev)
	}
	return ErrNotSupp
}

// readDirFS lists a directory on one branch.
func readDirFS(fs absfs.FileSystem, name string) ([]os.FileInfo, error) {
	if r, ok := fs.(interface {
		ReadDir(string) ([]os.FileInfo, error)
	}); ok {
		return r.ReadDir(name)
	}
	f, err := fs.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdir(-1)
}

// linkFS creates a hard link on one branch.
func linkFS(fs absfs.FileSystem, oldname, newname string) error {
	if l, ok := fs.(interface {
		Link(string, string) error
	}); ok {
		return l.Link(oldname, newname)
	}
	return ErrNotSupp
}
