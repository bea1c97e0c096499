package unionfs

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountSpecs(t *testing.T) {
	host := afero.NewMemMapFs()
	require.NoError(t, host.MkdirAll("/upper", 0755))
	require.NoError(t, host.MkdirAll("/base", 0755))
	require.NoError(t, afero.WriteFile(host, "/base/hello", []byte("world"), 0644))

	specs, err := ParseOptions("dirs=/upper:/base=ro")
	require.NoError(t, err)

	u, err := MountSpecs(host, specs)
	require.NoError(t, err)
	defer u.Close()

	data, err := u.ReadFile("/hello")
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	// Writes land inside /upper on the host, never /base.
	f, err := u.Create("/new")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ok, err := afero.Exists(host, "/upper/new")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = afero.Exists(host, "/base/new")
	assert.False(t, ok)

	branches := u.Branches()
	require.Len(t, branches, 2)
	assert.Equal(t, "/upper", branches[0].Dir)
	assert.Equal(t, ReadOnly, branches[1].Mode)
}

func TestMountSpecsValidation(t *testing.T) {
	host := afero.NewMemMapFs()
	require.NoError(t, host.MkdirAll("/dir", 0755))
	require.NoError(t, afero.WriteFile(host, "/file", []byte("x"), 0644))

	_, err := MountSpecs(host, []BranchSpec{{Dir: "/missing", Mode: ReadWrite}})
	assert.Error(t, err, "missing branch directory is fatal")

	_, err = MountSpecs(host, []BranchSpec{{Dir: "/file", Mode: ReadWrite}})
	assert.Error(t, err, "non-directory branch is fatal")
}
