/*
Package unionfs implements a stackable union filesystem: a single logical
namespace composed by overlaying independent backing filesystems ("branches")
in a fixed left-to-right priority order.

# Overview

A lookup for a name returns a stacked view whose visible state is drawn from
the highest-priority (leftmost) branch that holds it; lower occurrences
remain for fall-through reads but are shadowed by the top. Writes land on
the leftmost writable branch, objects on read-only branches are copied up on
first modification, deletions that cannot physically remove a lower name are
recorded as whiteouts, and directories that must hide lower contents are
marked opaque.

# Basic Usage

	upper, _ := memfs.NewFS()
	base, _ := memfs.NewFS()

	ufs, err := unionfs.New(
	    unionfs.WithWritableBranch(upper),
	    unionfs.WithReadOnlyBranch(base),
	)
	if err != nil {
	    log.Fatal(err)
	}
	defer ufs.Close()

	// Reads fall through to the base branch if the upper has no copy.
	data, err := ufs.ReadFile("/etc/config.yml")

	// Writes go to the upper branch; modifying a base file copies it up.
	f, err := ufs.OpenFile("/etc/config.yml", os.O_WRONLY, 0)

Host directories become branches through the afero adapter, or an entire
union is assembled from a mount-option string:

	ufs, err := unionfs.Mount("dirs=/writable:/usr/share/base=ro")

# The fan-out state machine

Every visible object carries an ordered, sparse vector of per-branch
references bounded by start/end indices: its fan-out. Regular files occupy
exactly one slot; directories may span many, and merge their listings.
Lookup builds fan-outs by scanning branches top-down, stopping at whiteouts
(".wh.<name>"), at the first regular file, or at an opaque directory (one
containing ".wh.__dir_opaque").

Branch management (AddBranch, RemoveBranch) bumps a mount-wide generation
counter. Cached fan-outs are revalidated lazily on next use by comparing
generations, parents before children, so branch reshuffles never require
walking the cached tree eagerly. Open files additionally remember the stable
id of the branch each lower handle was opened against, and reopen against
the new layout when the generation moves or their top branch shifts; a
handle opened for write whose branch went read-only is copied up on the next
write.

# Deletion protocol

Removing a name that also exists on deeper branches unlinks the top copy
where its branch allows and installs a whiteout, trying leftward from the
removed copy's branch (or the one above it, once that copy is unlinked) to
the first branch that accepts it. rmdir requires the directory to be logically empty: every name in
every populated branch above the opacity boundary must be a whiteout or be
shadowed by one on a higher branch; the whiteouts are then swept off through
the side-IO queue and the physical directory is removed.

# Integration

FileSystem and SymlinkFileSystem return absfs views, FromAfero turns any
afero.Fs into a branch, and NewBillyAdapter exposes the union as a
billy.Filesystem, which cmd/unionfs uses to serve it over NFS.

# Limitations

  - Page-cache coherent mmap across branches is out of scope.
  - A union cannot be stacked on itself.
  - POSIX lock semantics beyond pass-through are not provided.
  - Lower filesystems may change behind the union but must report
    mtime/ctime monotonically for staleness detection to see it.
*/
package unionfs
