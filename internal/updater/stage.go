package updater

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

// StagedArtifact is a downloaded database whose digest matched the
// remote manifest. It is not visible under its final name yet.
type StagedArtifact struct {
	Category    ipnetdb.Category
	Entry       *ipnetdb.Entry
	StagingPath string
	FinalPath   string
	Size        int64
}

// Stager downloads databases into staging files and verifies them.
type Stager struct {
	http     *HTTPClient
	storage  *Storage
	timeout  time.Duration
	progress io.Writer
	logger   *slog.Logger
}

// NewStager constructs a Stager. A zero timeout leaves downloads
// unbounded. A non-nil progress writer receives a progress bar.
func NewStager(client *HTTPClient, storage *Storage, timeout time.Duration, progress io.Writer, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{
		http:     client,
		storage:  storage,
		timeout:  timeout,
		progress: progress,
		logger:   logger,
	}
}

// FetchVerified streams e.URL to "<file>.update" in the storage directory
// and checks its digest against e.SHA256. On any failure the staging
// file is removed and nothing is returned.
func (s *Stager) FetchVerified(ctx context.Context, category ipnetdb.Category, e *ipnetdb.Entry) (*StagedArtifact, error) {
	finalPath, err := s.storage.ArtifactPath(e.File)
	if err != nil {
		if ie, ok := err.(*ipnetdb.Error); ok {
			ie.Category = category
		}
		return nil, err
	}
	stagingPath := StagingPath(finalPath)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("downloading database", "category", category, "url", e.URL, "staging", stagingPath, "bytes", e.Bytes)

	n, err := s.download(ctx, e, stagingPath)
	if err != nil {
		removeStaging(s.logger, stagingPath)
		return nil, &ipnetdb.Error{Kind: ipnetdb.KindTransferFailed, Category: category, Path: e.URL, Err: err}
	}

	digest, err := ipnetdb.DigestFile(stagingPath)
	if err != nil {
		removeStaging(s.logger, stagingPath)
		return nil, &ipnetdb.Error{Kind: ipnetdb.KindTransferFailed, Category: category, Path: stagingPath, Err: err}
	}
	if digest != e.SHA256 {
		removeStaging(s.logger, stagingPath)
		return nil, &ipnetdb.Error{
			Kind:     ipnetdb.KindIntegrityMismatch,
			Category: category,
			Field:    "sha256",
			Value:    digest,
			Path:     e.URL,
			Reason:   "expected " + e.SHA256,
		}
	}

	if n != e.Bytes {
		s.logger.Warn("downloaded size differs from index", "category", category, "bytes", n, "expected", e.Bytes)
	}
	s.logger.Info("downloaded database", "category", category, "staging", stagingPath, "sha256", digest)

	return &StagedArtifact{
		Category:    category,
		Entry:       e,
		StagingPath: stagingPath,
		FinalPath:   finalPath,
		Size:        n,
	}, nil
}

func (s *Stager) download(ctx context.Context, e *ipnetdb.Entry, stagingPath string) (int64, error) {
	f, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, stagingMode) // #nosec G304 - built from a validated file name
	if err != nil {
		return 0, err
	}

	var w io.Writer = f
	if s.progress != nil {
		bar := pb.New64(e.Bytes).
			SetTemplate(pb.Full).
			SetWriter(s.progress).
			Set("prefix", e.File+" ").
			Start()
		defer bar.Finish()
		w = bar.NewProxyWriter(f)
	}

	n, err := s.http.Download(ctx, e.URL, w, ipnetdb.MaxBytes-1)
	if err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return n, errors.Wrap(err, "sync "+stagingPath)
	}
	if err := f.Close(); err != nil {
		return n, errors.Wrap(err, "close "+stagingPath)
	}
	return n, nil
}

// removeStaging removes a staging file, tolerating its absence.
func removeStaging(logger *slog.Logger, p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove staging file", "path", p, "error", err)
	}
}
