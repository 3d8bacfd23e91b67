package updater

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

func stageFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name+StagingSuffix)
	require.NoError(t, os.WriteFile(p, data, stagingMode))
	return p
}

func TestPublish(t *testing.T) {
	dir := t.TempDir()
	staging := stageFile(t, dir, testASN, []byte("new"))
	final := filepath.Join(dir, testASN)
	require.NoError(t, os.WriteFile(final, []byte("old"), 0600))

	require.NoError(t, NewPublisher(discardLogger()).Publish(staging, final))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	st, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, PublishedMode, st.Mode().Perm())

	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
}

func TestPublishRejectsCrossDirectory(t *testing.T) {
	staging := stageFile(t, t.TempDir(), testASN, []byte("new"))
	final := filepath.Join(t.TempDir(), testASN)

	p := NewPublisher(discardLogger())
	p.rename = func(string, string) error {
		t.Fatal("rename must not be called")
		return nil
	}

	err := p.Publish(staging, final)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ipnetdb.ErrPublish))
}

func TestPublishFailures(t *testing.T) {
	failure := errors.New("injected")

	tests := []struct {
		name     string
		setup    func(p *Publisher)
		wantPath func(dir string) string
	}{
		{
			name:     "rename",
			setup:    func(p *Publisher) { p.rename = func(string, string) error { return failure } },
			wantPath: func(dir string) string { return filepath.Join(dir, testASN) },
		},
		{
			name:     "chmod",
			setup:    func(p *Publisher) { p.chmod = func(string, os.FileMode) error { return failure } },
			wantPath: func(dir string) string { return filepath.Join(dir, testASN) },
		},
		{
			name:     "dirsync",
			setup:    func(p *Publisher) { p.sync = func(string) error { return failure } },
			wantPath: func(dir string) string { return dir },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			staging := stageFile(t, dir, testASN, []byte("new"))

			p := NewPublisher(discardLogger())
			tt.setup(p)

			err := p.Publish(staging, filepath.Join(dir, testASN))
			require.Error(t, err)
			assert.Equal(t, ipnetdb.KindPublish, ipnetdb.KindOf(err))
			assert.True(t, errors.Is(err, failure))

			var ie *ipnetdb.Error
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tt.wantPath(dir), ie.Path)
		})
	}
}

func TestDirSync(t *testing.T) {
	require.NoError(t, DirSync(t.TempDir()))
	assert.Error(t, DirSync(filepath.Join(t.TempDir(), "missing")))
}

func TestPublishSetsModeBeforeRename(t *testing.T) {
	dir := t.TempDir()
	staging := stageFile(t, dir, testASN, []byte("new"))
	final := filepath.Join(dir, testASN)

	p := NewPublisher(discardLogger())
	p.rename = func(oldpath, newpath string) error {
		st, err := os.Stat(oldpath)
		require.NoError(t, err)
		assert.Equal(t, PublishedMode, st.Mode().Perm())
		return os.Rename(oldpath, newpath)
	}
	require.NoError(t, p.Publish(staging, final))
}

func TestPublishChmodFailureLeavesTargetAlone(t *testing.T) {
	dir := t.TempDir()
	staging := stageFile(t, dir, testASN, []byte("new"))
	final := filepath.Join(dir, testASN)
	require.NoError(t, os.WriteFile(final, []byte("old"), PublishedMode))

	p := NewPublisher(discardLogger())
	p.chmod = func(string, os.FileMode) error { return os.ErrPermission }

	err := p.Publish(staging, final)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ipnetdb.ErrPublish))

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)
}
