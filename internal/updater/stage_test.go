package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

func newTestStager(t *testing.T, ft *fakeTransport) (*Stager, *Storage) {
	t.Helper()
	storage, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	client := NewHTTPClient(ft.client(), DefaultUserAgent, 0, discardLogger())
	return NewStager(client, storage, 0, nil, discardLogger()), storage
}

func prefixEntry(data []byte) *ipnetdb.Entry {
	return &ipnetdb.Entry{
		File:   testPrefix,
		URL:    testPrefixURL,
		Date:   "2024-03-01",
		SHA256: sha256hex(data),
		Bytes:  int64(len(data)),
	}
}

func TestFetchVerified(t *testing.T) {
	data := database("prefix", 4096)
	ft := newFakeTransport()
	ft.serve(testPrefixURL, data)
	s, storage := newTestStager(t, ft)

	staged, err := s.FetchVerified(context.Background(), ipnetdb.CategoryPrefix, prefixEntry(data))
	require.NoError(t, err)

	assert.Equal(t, ipnetdb.CategoryPrefix, staged.Category)
	assert.Equal(t, filepath.Join(storage.Dir(), testPrefix), staged.FinalPath)
	assert.Equal(t, staged.FinalPath+StagingSuffix, staged.StagingPath)
	assert.Equal(t, int64(len(data)), staged.Size)

	got, err := os.ReadFile(staged.StagingPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	st, err := os.Stat(staged.StagingPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(stagingMode), st.Mode().Perm())

	_, err = os.Stat(staged.FinalPath)
	assert.True(t, os.IsNotExist(err), "final path must not exist before publishing")
}

func TestFetchVerifiedSizeMismatchIsNotFatal(t *testing.T) {
	data := database("prefix", 4096)
	ft := newFakeTransport()
	ft.serve(testPrefixURL, data)
	s, _ := newTestStager(t, ft)

	e := prefixEntry(data)
	e.Bytes = 5000
	staged, err := s.FetchVerified(context.Background(), ipnetdb.CategoryPrefix, e)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), staged.Size)
}

func TestFetchVerifiedDigestMismatch(t *testing.T) {
	data := database("prefix", 4096)
	served := database("tampered", 4096)
	ft := newFakeTransport()
	ft.serve(testPrefixURL, served)
	s, storage := newTestStager(t, ft)

	staged, err := s.FetchVerified(context.Background(), ipnetdb.CategoryPrefix, prefixEntry(data))
	require.Error(t, err)
	assert.Nil(t, staged)
	assert.True(t, errors.Is(err, ipnetdb.ErrIntegrityMismatch))

	var ie *ipnetdb.Error
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, sha256hex(served), ie.Value)
	assert.Equal(t, ipnetdb.CategoryPrefix, ie.Category)

	orphans, err := storage.Orphans()
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestFetchVerifiedTransferFailures(t *testing.T) {
	data := database("prefix", 4096)

	tests := []struct {
		name  string
		route *fakeRoute
	}{
		{"forbidden", &fakeRoute{status: 403}},
		{"server error", &fakeRoute{status: 502}},
		{"connection reset", &fakeRoute{err: errors.New("connection reset by peer")}},
		{"truncated", &fakeRoute{status: 200, body: data[:1000], contentLength: int64(len(data))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			ft.set(testPrefixURL, tt.route)
			s, storage := newTestStager(t, ft)

			_, err := s.FetchVerified(context.Background(), ipnetdb.CategoryPrefix, prefixEntry(data))
			require.Error(t, err)
			assert.Equal(t, ipnetdb.KindTransferFailed, ipnetdb.KindOf(err))

			orphans, err := storage.Orphans()
			require.NoError(t, err)
			assert.Empty(t, orphans)
		})
	}
}

func TestFetchVerifiedRejectsReservedName(t *testing.T) {
	ft := newFakeTransport()
	s, _ := newTestStager(t, ft)

	e := prefixEntry([]byte("x"))
	e.File = IndexFilename
	_, err := s.FetchVerified(context.Background(), ipnetdb.CategoryASN, e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ipnetdb.ErrInvalidManifestEntry))
	assert.Equal(t, 0, ft.count(testPrefixURL))
}
