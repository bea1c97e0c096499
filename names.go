package unionfs

import (
	"fmt"
	"path"
	"strings"
	"sync/atomic"
)

const (
	// WhiteoutPrefix marks a name on an upper branch as deleting the same
	// name on all branches below it.
	WhiteoutPrefix = ".wh."

	// whiteoutPrefixLen is the bit-exact prefix length the name protocol is
	// defined over.
	whiteoutPrefixLen = len(WhiteoutPrefix)

	// OpaqueName is the bare marker name; a directory containing
	// WhiteoutPrefix+OpaqueName hides all lower contents. The marker starts
	// with the whiteout prefix so it is blocked by name validation.
	OpaqueName = "__dir_opaque"

	// OpaqueMarker is the on-branch file name of the opacity marker.
	OpaqueMarker = WhiteoutPrefix + OpaqueName

	// maxBranches bounds the branch table to avoid memory blowup.
	maxBranches = 128
)

// isValidName reports whether name may appear in the visible namespace.
// Whiteout-prefixed names and the opaque marker stem are reserved; operations
// on them fail with ErrPermission before reaching any branch.
func isValidName(name string) bool {
	if strings.HasPrefix(name, WhiteoutPrefix) {
		return false
	}
	if strings.HasPrefix(name, OpaqueName) {
		return false
	}
	return true
}

// whName returns the whiteout name for a visible name.
func whName(name string) string {
	return WhiteoutPrefix + name
}

// whPath returns the branch path of the whiteout covering p.
func whPath(p string) string {
	return path.Join(path.Dir(p), whName(path.Base(p)))
}

// opaquePath returns the branch path of the opacity marker inside dir.
func opaquePath(dir string) string {
	return path.Join(dir, OpaqueMarker)
}

// strippedWhiteout returns the visible name a whiteout covers, and whether
// name was a whiteout at all. The opaque marker is not a whiteout for any
// visible name.
func strippedWhiteout(name string) (string, bool) {
	if !strings.HasPrefix(name, WhiteoutPrefix) {
		return "", false
	}
	orig := name[whiteoutPrefixLen:]
	if orig == OpaqueName {
		return "", false
	}
	return orig, true
}

// sillyCounter feeds the temporary-name generator for copied-up
// open-but-deleted files. Process wide, monotonically increasing.
var sillyCounter atomic.Uint32

// sillyName generates a candidate name for the silly-rename of an
// open-but-deleted file: ".unionfs" + source inode number in hex (width =
// two characters per byte) + counter in hex (same rule). Stolen from NFS's
// silly rename, like the rest of the scheme.
func sillyName(ino uint64) string {
	return fmt.Sprintf(".unionfs%016x%08x", ino, sillyCounter.Add(1))
}

// cleanPath normalizes a union path to an absolute, forward-slash form.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// splitPath breaks a clean union path into its components; the root is the
// empty slice.
func splitPath(p string) []string {
	p = cleanPath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}
