package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastythames/slurm-portal/internal/failure"
)

type fakeRemote struct {
	entries []string
	listErr error
	files   map[string]string
	failOn  map[string]bool
	fetched []string
}

func (f *fakeRemote) ListDirectory(_ context.Context, _ string) ([]string, error) {
	return f.entries, f.listErr
}

func (f *fakeRemote) Download(_ context.Context, remotePath string, w io.Writer) (int64, error) {
	f.fetched = append(f.fetched, remotePath)
	name := path.Base(remotePath)
	if f.failOn[name] {
		_, _ = w.Write([]byte("partial"))
		return 7, errors.New("connection reset")
	}
	n, err := io.WriteString(w, f.files[name])
	return int64(n), err
}

func newStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := NewStore(fs, "/data/artifacts")
	require.NoError(t, err)
	return s, fs
}

func TestSuffixMatcher(t *testing.T) {
	m := Suffix(".vtk")
	assert.True(t, m.Match("out.vtk"))
	assert.False(t, m.Match("out.VTK"))
	assert.False(t, m.Match("out.vtk.bak"))
	assert.False(t, m.Match(".vtk"))
	assert.False(t, m.Match("job_output_1.log"))
}

func TestGlobMatcher(t *testing.T) {
	m, err := Glob("*.vtk", "frame_[0-9]*.dat")
	require.NoError(t, err)
	assert.True(t, m.Match("a.vtk"))
	assert.True(t, m.Match("frame_01.dat"))
	assert.False(t, m.Match("frame_x.dat"))

	_, err = Glob("[")
	require.Error(t, err)
	_, err = Glob()
	require.Error(t, err)
}

func TestNewMatcher(t *testing.T) {
	m, err := NewMatcher(".vtk", nil)
	require.NoError(t, err)
	assert.True(t, m.Match("a.vtk"))

	m, err = NewMatcher(".vtk", []string{"*.log"})
	require.NoError(t, err)
	assert.False(t, m.Match("a.vtk"))
	assert.True(t, m.Match("a.log"))

	_, err = NewMatcher("", nil)
	require.Error(t, err)
}

func TestCollect_FiltersBySuffix(t *testing.T) {
	store, fs := newStore(t)
	r := &fakeRemote{
		entries: []string{"c.vtk", "b.log", "a.vtk"},
		files:   map[string]string{"a.vtk": "A", "c.vtk": "C"},
	}
	c := NewCollector(store, Suffix(".vtk"), nil)

	set, err := c.Collect(context.Background(), r, "/scrfs/storage/alice/home", "777")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.vtk", "c.vtk"}, set.Names)
	assert.Empty(t, set.Failures)
	assert.Equal(t, []string{"/scrfs/storage/alice/home/a.vtk", "/scrfs/storage/alice/home/c.vtk"}, r.fetched)

	b, err := afero.ReadFile(fs, "/data/artifacts/777/c.vtk")
	require.NoError(t, err)
	assert.Equal(t, "C", string(b))
	assert.Equal(t, []string{"a.vtk", "c.vtk"}, store.List("777"))
}

func TestCollect_NoMatchesIsEmptySuccess(t *testing.T) {
	store, _ := newStore(t)
	r := &fakeRemote{entries: []string{"b.log", "run_simulation.sh"}}

	set, err := NewCollector(store, Suffix(".vtk"), nil).Collect(context.Background(), r, "/remote", "1")
	require.NoError(t, err)
	assert.NotNil(t, set.Names)
	assert.Empty(t, set.Names)
	assert.Empty(t, r.fetched)
}

func TestCollect_ListFailureIsFatal(t *testing.T) {
	store, _ := newStore(t)
	r := &fakeRemote{listErr: errors.New("permission denied")}

	_, err := NewCollector(store, Suffix(".vtk"), nil).Collect(context.Background(), r, "/remote", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrArtifactList)
	assert.Equal(t, failure.ReasonArtifactList, failure.ReasonOf(err))
}

func TestCollect_DownloadFailureIsPartial(t *testing.T) {
	store, fs := newStore(t)
	r := &fakeRemote{
		entries: []string{"a.vtk", "b.vtk"},
		files:   map[string]string{"b.vtk": "B"},
		failOn:  map[string]bool{"a.vtk": true},
	}

	set, err := NewCollector(store, Suffix(".vtk"), nil).Collect(context.Background(), r, "/remote", "9")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.vtk"}, set.Names)
	require.Len(t, set.Failures, 1)
	assert.Equal(t, "a.vtk", set.Failures[0].Name)
	assert.Contains(t, set.Failures[0].Message, "connection reset")

	_, err = fs.Stat("/data/artifacts/9/a.vtk")
	assert.True(t, os.IsNotExist(err))
	_, err = fs.Stat("/data/artifacts/9/a.vtk" + partSuffix)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, store.Has("9", "a.vtk"))
}

func TestCollect_StopsOnCancel(t *testing.T) {
	store, _ := newStore(t)
	r := &fakeRemote{entries: []string{"a.vtk"}, files: map[string]string{"a.vtk": "A"}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCollector(store, Suffix(".vtk"), nil).Collect(ctx, r, "/remote", "1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.fetched)
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	store, _ := newStore(t)
	for _, ns := range []string{"100", "200"} {
		w, err := store.Create(ns, "out.vtk")
		require.NoError(t, err)
		_, err = w.Write([]byte(ns))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, store.Commit(ns, "out.vtk"))
	}

	for _, ns := range []string{"100", "200"} {
		f, err := store.Open(ns, "out.vtk")
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = io.Copy(&buf, f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		assert.Equal(t, ns, buf.String())
	}
	assert.Equal(t, map[string][]string{"100": {"out.vtk"}, "200": {"out.vtk"}}, store.Snapshot())
}

func TestStore_RejectsEscapingNames(t *testing.T) {
	store, _ := newStore(t)
	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		_, err := store.Create("1", name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, err := store.Create("..", "a.vtk")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestStore_UncommittedIsInvisible(t *testing.T) {
	store, _ := newStore(t)
	w, err := store.Create("1", "a.vtk")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Empty(t, store.List("1"))
	_, err = store.Open("1", "a.vtk")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewStore_IndexesExistingFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a/42/z.vtk", []byte("z"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/a/42/b.vtk", []byte("b"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/a/42/c.vtk.part", []byte("c"), 0644))

	s, err := NewStore(fs, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.vtk", "z.vtk"}, s.List("42"))

	_, err = NewStore(fs, " ")
	require.Error(t, err)
}
