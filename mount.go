package unionfs

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Mount builds a union over host directories from a mount-option string,
// e.g. "dirs=/writable:/base=ro". Each branch directory must exist; branch
// roots are jailed with a BasePathFs so a branch can never escape its
// directory.
func Mount(options string) (*UnionFS, error) {
	specs, err := ParseOptions(options)
	if err != nil {
		return nil, err
	}
	return MountSpecs(afero.NewOsFs(), specs)
}

// MountSpecs builds a union over directories of an arbitrary afero host
// filesystem using already-parsed branch specs.
func MountSpecs(host afero.Fs, specs []BranchSpec) (*UnionFS, error) {
	var opts []Option
	for _, spec := range specs {
		info, err := host.Stat(spec.Dir)
		if err != nil {
			return nil, fmt.Errorf("unionfs: error accessing branch directory %q: %w", spec.Dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("unionfs: branch %q is not a directory: %w", spec.Dir, ErrNotDir)
		}
		opts = append(opts, WithBranch(FromAfero(afero.NewBasePathFs(host, spec.Dir)), spec.Mode))
	}

	u, err := New(opts...)
	if err != nil {
		return nil, err
	}
	for i, spec := range specs {
		u.branches[i].name = spec.Dir
	}
	return u, nil
}

// MountCommandLine is a convenience for CLI use: a bare branch spec without
// the dirs= prefix is accepted, matching what mount(8) would pass through.
func MountCommandLine(arg string) (*UnionFS, error) {
	if arg == "" {
		return nil, fmt.Errorf("unionfs: empty mount options: %w", ErrInvalid)
	}
	if !strings.Contains(arg, "dirs=") {
		arg = "dirs=" + arg
	}
	return Mount(arg)
}
