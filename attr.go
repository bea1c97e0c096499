package unionfs

import (
	"hash/fnv"
	"os"
	"syscall"
	"time"
)

// The lower filesystems only promise an os.FileInfo. Where the platform (or
// the branch implementation) exposes richer data through Sys(), use it;
// otherwise fall back to values that keep the union's bookkeeping sound.

// changeTime extracts the lower ctime when available, else the mtime. The
// newer-lower staleness test compares both, so the fallback only loses
// attribute-only change detection on branches without ctime.
func changeTime(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st != nil {
		return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}
	return info.ModTime()
}

// lowerNlink extracts the lower link count, defaulting to 2 for directories
// and 1 otherwise when the branch does not expose one.
func lowerNlink(info os.FileInfo) int {
	if info == nil {
		return 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st != nil {
		return int(st.Nlink)
	}
	if nl, ok := info.Sys().(interface{ Nlink() int }); ok {
		return nl.Nlink()
	}
	if info.IsDir() {
		return 2
	}
	return 1
}

// lowerIno extracts the lower inode number for the silly-rename template.
// Branches without stable numbers get a name-derived surrogate; uniqueness
// of the generated name still comes from the process-wide counter.
func lowerIno(info os.FileInfo) uint64 {
	if info == nil {
		return 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st != nil {
		return st.Ino
	}
	if in, ok := info.Sys().(interface{ Ino() uint64 }); ok {
		return in.Ino()
	}
	h := fnv.New64a()
	h.Write([]byte(info.Name()))
	return h.Sum64()
}

// unionFileInfo is the visible attribute snapshot handed to callers. Sys
// returns the info itself so stacked consumers can upgrade to Ino/Nlink.
type unionFileInfo struct {
	name  string
	mode  os.FileMode
	size  int64
	mtime time.Time
	ino   uint64
	nlink int
}

func (fi *unionFileInfo) Name() string       { return fi.name }
func (fi *unionFileInfo) Size() int64        { return fi.size }
func (fi *unionFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *unionFileInfo) ModTime() time.Time { return fi.mtime }
func (fi *unionFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *unionFileInfo) Sys() interface{}   { return fi }
func (fi *unionFileInfo) Ino() uint64        { return fi.ino }
func (fi *unionFileInfo) Nlink() int         { return fi.nlink }

// fileInfo snapshots the inode's visible attributes under a given name.
func (i *inode) fileInfo(name string) os.FileInfo {
	return &unionFileInfo{
		name:  name,
		mode:  i.mode,
		size:  i.size,
		mtime: i.mtime,
		ino:   i.ino,
		nlink: i.nlink,
	}
}

// isNewer reports whether the lower timestamps have moved past the cached
// ones. Lower filesystems report mtime/ctime monotonically, so "newer"
// means "changed behind the union".
func isNewer(cachedM, cachedC time.Time, lower os.FileInfo) bool {
	if lower.ModTime().After(cachedM) {
		return true
	}
	return changeTime(lower).After(cachedC)
}
