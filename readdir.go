package unionfs

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Readdir state. Only 32 bits of offset survive a telldir/seekdir round
// trip, split into a 20-bit entry offset and a 12-bit cookie that names the
// snapshot the offset is valid against. Parked state lives on the inode for
// a few seconds so a close/reopen pair (NFS does this constantly) can
// resume mid-listing.
const (
	dirEOF        = 0xfffff
	rdOffBits     = 20
	maxRdCookie   = 0xfff
	rdCacheExpiry = 5 * time.Second
)

type rdState struct {
	cookie  uint32
	offset  uint32
	entries []os.FileInfo
	access  time.Time
}

// telldir packs the state into the 32-bit cookie+offset form.
func (r *rdState) telldir() int64 {
	return int64((r.cookie&maxRdCookie)<<rdOffBits | (r.offset & dirEOF))
}

func (r *rdState) park() {
	r.access = time.Now()
}

// newRdState snapshots the merged listing of d under a fresh cookie.
func (u *UnionFS) newRdState(d *dentry) (*rdState, error) {
	entries, err := u.loadMergedEntries(d)
	if err != nil {
		return nil, err
	}
	ino := d.inode
	ino.rdmu.Lock()
	cookie := uint32(1)
	if len(ino.rdcache) > 0 {
		cookie = (ino.rdcache[len(ino.rdcache)-1].cookie + 1) & maxRdCookie
		if cookie == 0 {
			cookie = 1
		}
	}
	ino.rdmu.Unlock()
	return &rdState{
		cookie:  cookie,
		entries: entries,
	}, nil
}

// findRdState adopts a parked state matching the cookie, discarding expired
// ones on the way.
func (i *inode) findRdState(cookie uint32) *rdState {
	i.rdmu.Lock()
	defer i.rdmu.Unlock()
	kept := i.rdcache[:0]
	var found *rdState
	now := time.Now()
	for _, rs := range i.rdcache {
		if now.Sub(rs.access) > rdCacheExpiry {
			continue
		}
		if rs.cookie == cookie && found == nil {
			found = rs
			continue
		}
		kept = append(kept, rs)
	}
	i.rdcache = kept
	return found
}

// loadMergedEntries walks the populated branches top-down, hiding whiteout
// names and everything below an opaque boundary, and dedups by first
// occurrence. Caller holds the table read lock; the dentry lock is taken
// here.
func (u *UnionFS) loadMergedEntries(d *dentry) ([]os.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.positive() || !d.inode.isDir() {
		return nil, ErrNotDir
	}

	bstart := d.bstart()
	bend := d.bend()
	if bop := d.bopaque(); bop >= 0 && bop < bend {
		bend = bop
	}

	tally := newFilldirTable()
	var entries []os.FileInfo
	dirPath := d.path()

	for bindex := bstart; bindex <= bend; bindex++ {
		ref := d.lowerRefAt(bindex)
		if !ref.positive() || !ref.info.IsDir() {
			continue
		}
		lower, err := readDirFS(u.branches[bindex].fs, dirPath)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, err
		}

		// Whiteouts first so they shadow same-branch entries regardless of
		// the branch's listing order.
		for _, entry := range lower {
			name := entry.Name()
			if orig, ok := strippedWhiteout(name); ok {
				if tally.find(orig) == nil {
					tally.add(orig, bindex, true)
				}
			}
		}
		for _, entry := range lower {
			name := entry.Name()
			if name == "." || name == ".." || name == OpaqueMarker {
				continue
			}
			if _, ok := strippedWhiteout(name); ok {
				continue
			}
			if strings.HasPrefix(name, WhiteoutPrefix) {
				continue
			}
			if tally.find(name) != nil {
				continue
			}
			tally.add(name, bindex, false)
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})
	return entries, nil
}

// Readdir returns up to count merged entries, continuing from the handle's
// position. count <= 0 returns the remainder in one call.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	f.u.mu.RLock()
	defer f.u.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if !f.d.positive() || !f.d.inode.isDir() {
		return nil, ErrNotDir
	}
	if err := f.revalidateFile(false); err != nil {
		return nil, err
	}
	if f.rd == nil {
		rd, err := f.u.newRdState(f.d)
		if err != nil {
			return nil, err
		}
		f.rd = rd
	}

	rd := f.rd
	if int(rd.offset) >= len(rd.entries) {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}

	end := len(rd.entries)
	if count > 0 && int(rd.offset)+count < end {
		end = int(rd.offset) + count
	}
	out := rd.entries[rd.offset:end]
	rd.offset = uint32(end)
	return out, nil
}

// Readdirnames is Readdir projected to names.
func (f *File) Readdirnames(count int) ([]string, error) {
	infos, err := f.Readdir(count)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// seekDir implements directory seeks over the packed cookie space. Offset
// zero rewinds to a fresh snapshot; any other offset must name a live
// parked snapshot via its cookie. Caller holds f.mu.
func (f *File) seekDir(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, ErrInvalid
	}
	if offset == 0 {
		f.rd = nil
		return 0, nil
	}

	cookie := uint32(offset>>rdOffBits) & maxRdCookie
	entryOff := uint32(offset) & dirEOF

	if f.rd != nil && f.rd.cookie == cookie {
		f.rd.offset = entryOff
		return f.rd.telldir(), nil
	}
	if ino := f.d.inode; ino != nil {
		if rs := ino.findRdState(cookie); rs != nil {
			rs.offset = entryOff
			f.rd = rs
			return rs.telldir(), nil
		}
	}
	return 0, ErrInvalid
}
