package updater

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

const (
	// IndexFilename is the name of the local manifest.
	IndexFilename = "index.json"
	// StagingSuffix is appended to a file name while it is being staged.
	StagingSuffix = ".update"
	// PublishedMode is the permission of every published file.
	PublishedMode os.FileMode = 0644

	stagingMode  os.FileMode = 0600
	lockFilename             = ".lock"
)

// Storage is the target directory holding the databases and the
// local manifest.
type Storage struct {
	dir string
}

// NewStorage constructs Storage.
//
// dir must be an absolute path to an existing directory.
func NewStorage(dir string) (*Storage, error) {
	if !filepath.IsAbs(dir) {
		return nil, errors.New("none absolute: " + dir)
	}

	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsDir() {
		return nil, errors.New("not a directory: " + dir)
	}

	return &Storage{dir: dir}, nil
}

// Dir returns the directory of the Storage.
func (s *Storage) Dir() string {
	return s.dir
}

// IndexPath returns the path of the local manifest.
func (s *Storage) IndexPath() string {
	return filepath.Join(s.dir, IndexFilename)
}

// LockPath returns the path of the lock file.
func (s *Storage) LockPath() string {
	return filepath.Join(s.dir, lockFilename)
}

// ArtifactPath returns the final path of a database file. name must be
// a valid manifest file name that does not collide with the files
// Storage manages itself.
func (s *Storage) ArtifactPath(name string) (string, error) {
	if err := ipnetdb.ValidateFilename(name); err != nil {
		return "", err
	}
	switch {
	case name == IndexFilename, name == IndexFilename+StagingSuffix, name == lockFilename:
		return "", &ipnetdb.Error{Kind: ipnetdb.KindInvalidManifestEntry, Field: "file", Value: name, Reason: "reserved file name"}
	case strings.HasSuffix(name, StagingSuffix):
		return "", &ipnetdb.Error{Kind: ipnetdb.KindInvalidManifestEntry, Field: "file", Value: name, Reason: "ends in " + StagingSuffix}
	}
	return filepath.Join(s.dir, name), nil
}

// StagingPath returns the staging path for a final path in this storage.
func StagingPath(finalPath string) string {
	return finalPath + StagingSuffix
}

// LoadManifest reads the local manifest. Any failure is returned as a
// LocalManifestUnreadable error together with an empty manifest.
func (s *Storage) LoadManifest() (*ipnetdb.Manifest, error) {
	p := s.IndexPath()
	data, err := os.ReadFile(p) // #nosec G304 - p is built from the storage dir and a constant
	if err != nil {
		return ipnetdb.NewManifest(), &ipnetdb.Error{Kind: ipnetdb.KindLocalManifestUnreadable, Path: p, Err: err}
	}
	m, err := ipnetdb.ParseManifest(data)
	if err != nil {
		return ipnetdb.NewManifest(), &ipnetdb.Error{Kind: ipnetdb.KindLocalManifestUnreadable, Path: p, Err: err}
	}
	return m, nil
}

// StageManifest writes m next to the local manifest and returns the
// staging path. The file is synced before returning.
func (s *Storage) StageManifest(m *ipnetdb.Manifest) (string, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}

	p := StagingPath(s.IndexPath())
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, stagingMode) // #nosec G304 - p is built from the storage dir and a constant
	if err != nil {
		return "", errors.Wrap(err, "StageManifest")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", errors.Wrap(err, "StageManifest")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return "", errors.Wrap(err, "StageManifest")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "StageManifest")
	}
	return p, nil
}

// Orphans lists staging files left in the directory, e.g. by a killed run.
func (s *Storage) Orphans() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, dirEntry := range dirEntries {
		if !dirEntry.Type().IsRegular() {
			continue
		}
		if strings.HasSuffix(dirEntry.Name(), StagingSuffix) {
			orphans = append(orphans, filepath.Join(s.dir, dirEntry.Name()))
		}
	}
	return orphans, nil
}
