package updater

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

// Publisher promotes verified staging files to their final names.
type Publisher struct {
	mode   os.FileMode
	rename func(oldpath, newpath string) error
	chmod  func(name string, mode os.FileMode) error
	sync   func(dir string) error
	logger *slog.Logger
}

// NewPublisher constructs a Publisher setting PublishedMode on every
// published file.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		mode:   PublishedMode,
		rename: os.Rename,
		chmod:  os.Chmod,
		sync:   DirSync,
		logger: logger,
	}
}

// Publish fixes the permissions of stagingPath and renames it to finalPath,
// so the file never shows up under its final name with the staging mode.
// Both paths must be in the same directory so the rename is atomic.
// Failures are returned as Publish errors and never retried.
func (p *Publisher) Publish(stagingPath, finalPath string) error {
	dir := filepath.Dir(finalPath)
	if filepath.Dir(stagingPath) != dir {
		return publishError(finalPath, errors.Newf("staging file %s is not in %s", stagingPath, dir))
	}

	p.logger.Info("publishing", "from", stagingPath, "to", finalPath)
	if err := p.chmod(stagingPath, p.mode); err != nil {
		return publishError(finalPath, err)
	}
	if err := p.rename(stagingPath, finalPath); err != nil {
		return publishError(finalPath, err)
	}
	if err := p.sync(dir); err != nil {
		return publishError(dir, errors.Wrap(err, "DirSync"))
	}
	return nil
}

func publishError(path string, err error) error {
	return &ipnetdb.Error{Kind: ipnetdb.KindPublish, Path: path, Err: err}
}
