package unionfs

import (
	"io"
	"os"
	"testing"

	nfsfile "github.com/willscott/go-nfs/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBillyUnion(t *testing.T) *BillyAdapter {
	t.Helper()
	ufs, _, base := newUnion(t)
	require.NoError(t, writeFile(base, "/etc/motd", []byte("hello from below"), 0644))
	return NewBillyAdapter(ufs)
}

func TestBillyRoundTrip(t *testing.T) {
	b := newBillyUnion(t)

	// Read-through.
	f, err := b.Open("/etc/motd")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "hello from below", string(data))

	// Write lands on the union (copy-up underneath).
	w, err := b.OpenFile("/etc/motd", os.O_WRONLY|os.O_TRUNC, 0644)
	require.NoError(t, err)
	_, err = w.Write([]byte("patched"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := b.Stat("/etc/motd")
	require.NoError(t, err)
	assert.EqualValues(t, 7, got.Size())
}

func TestBillyReadDirAndRename(t *testing.T) {
	b := newBillyUnion(t)

	infos, err := b.ReadDir("/etc")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "motd", infos[0].Name())

	require.NoError(t, b.MkdirAll("/srv/app", 0755))
	require.NoError(t, b.Rename("/etc/motd", "/srv/app/motd"))

	_, err = b.Stat("/etc/motd")
	assert.Error(t, err)
	info, err := b.Stat("/srv/app/motd")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestBillyFileInfoSys(t *testing.T) {
	b := newBillyUnion(t)

	info, err := b.Stat("/etc/motd")
	require.NoError(t, err)

	sys := info.Sys()
	fi, ok := sys.(*nfsfile.FileInfo)
	require.True(t, ok, "Sys must return the go-nfs FileInfo for handle stability")
	assert.NotZero(t, fi.Fileid)
	assert.NotZero(t, fi.Nlink)
}

func TestBillyCapabilities(t *testing.T) {
	b := newBillyUnion(t)
	caps := b.Capabilities()
	assert.NotZero(t, caps)
	assert.Equal(t, "/", b.Root())

	_, err := b.TempFile("", "x")
	assert.Error(t, err)
	_, err = b.Chroot("/etc")
	assert.Error(t, err)
}
