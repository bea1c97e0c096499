package unionfs

import (
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	nfsfile "github.com/willscott/go-nfs/file"
)

// BillyAdapter exposes the union as a billy.Filesystem so it can be served
// by protocol frontends (the NFS export in cmd/unionfs uses it).
type BillyAdapter struct {
	ufs *UnionFS
	uid uint32
	gid uint32
}

// NewBillyAdapter creates a Billy adapter for the union.
func NewBillyAdapter(u *UnionFS) *BillyAdapter {
	return &BillyAdapter{
		ufs: u,
		uid: uint32(os.Getuid()),
		gid: uint32(os.Getgid()),
	}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	f, err := b.ufs.OpenFile(cleanPath(filename), flag, perm)
	if err != nil {
		return nil, err
	}
	return &billyFile{f: f.(*File), name: filename}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	info, err := b.ufs.Stat(cleanPath(filename))
	if err != nil {
		return nil, err
	}
	return &billyFileInfo{FileInfo: info, adapter: b}, nil
}

func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	info, err := b.ufs.Lstat(cleanPath(filename))
	if err != nil {
		return nil, err
	}
	return &billyFileInfo{FileInfo: info, adapter: b}, nil
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return b.ufs.Rename(cleanPath(oldpath), cleanPath(newpath))
}

func (b *BillyAdapter) Remove(filename string) error {
	return b.ufs.Remove(cleanPath(filename))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	infos, err := b.ufs.ReadDir(cleanPath(dirname))
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		out = append(out, &billyFileInfo{FileInfo: info, adapter: b})
	}
	return out, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	return b.ufs.MkdirAll(cleanPath(filename), perm)
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return b.ufs.Symlink(target, cleanPath(link))
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return b.ufs.Readlink(cleanPath(link))
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) Root() string { return "/" }

// billy.Change surface.
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	return b.ufs.Chmod(cleanPath(name), mode)
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	return b.ufs.Lchown(cleanPath(name), uid, gid)
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	return b.ufs.Chown(cleanPath(name), uid, gid)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	return b.ufs.Chtimes(cleanPath(name), atime, mtime)
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

type billyFile struct {
	f    *File
	name string
}

func (f *billyFile) Name() string { return f.name }

func (f *billyFile) Write(p []byte) (int, error) { return f.f.Write(p) }

func (f *billyFile) Read(p []byte) (int, error) { return f.f.Read(p) }

func (f *billyFile) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }

func (f *billyFile) Seek(offset int64, whence int) (int64, error) { return f.f.Seek(offset, whence) }

func (f *billyFile) Close() error { return f.f.Close() }

// POSIX locks are pass-through-only and the union holds no host lock
// objects to forward.
func (f *billyFile) Lock() error { return nil }

func (f *billyFile) Unlock() error { return nil }

func (f *billyFile) Truncate(size int64) error { return f.f.Truncate(size) }

// billyFileInfo decorates the union's FileInfo with the identity data the
// NFS layer reads through Sys().
type billyFileInfo struct {
	os.FileInfo
	adapter *BillyAdapter
}

func (fi *billyFileInfo) Sys() interface{} {
	nlink := uint32(1)
	fileid := uint64(1)
	if ufi, ok := fi.FileInfo.(*unionFileInfo); ok {
		if ufi.nlink > 0 {
			nlink = uint32(ufi.nlink)
		}
		fileid = ufi.ino
	} else {
		fileid = lowerIno(fi.FileInfo)
	}
	return &nfsfile.FileInfo{
		Nlink:  nlink,
		UID:    fi.adapter.uid,
		GID:    fi.adapter.gid,
		Fileid: fileid,
	}
}
