package updater

import (
	"log/slog"
	"os"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

// Decision is the outcome of a staleness check.
type Decision struct {
	Update bool
	Reason string
}

// Decider decides whether a local database must be replaced.
type Decider struct {
	storage *Storage
	digest  func(path string) (string, error)
	logger  *slog.Logger
}

// NewDecider constructs a Decider for the files in storage.
func NewDecider(storage *Storage, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{
		storage: storage,
		digest:  ipnetdb.DigestFile,
		logger:  logger,
	}
}

// NeedsUpdate reports whether the database described by local must be
// replaced by the one described by remote.
func (d *Decider) NeedsUpdate(category ipnetdb.Category, local, remote *ipnetdb.Entry) bool {
	return d.Decide(category, local, remote).Update
}

// Decide evaluates, in order:
//
//   - a missing local file is replaced when the remote has a URL;
//   - a local file not matching its recorded hash is replaced when the
//     remote has a URL, whatever the dates;
//   - an unchanged hash is never replaced;
//   - a changed hash is replaced only when the remote date is newer.
func (d *Decider) Decide(category ipnetdb.Category, local, remote *ipnetdb.Entry) Decision {
	if local == nil {
		local = &ipnetdb.Entry{}
	}
	if remote == nil {
		remote = &ipnetdb.Entry{}
	}
	hasSource := remote.URL != ""
	log := d.logger.With("category", category, "file", local.File)

	localPath, exists := d.localFile(local.File)
	if !exists {
		if hasSource {
			return d.decided(log, true, "local database does not exist and remote URL is set", "url", remote.URL)
		}
		return d.decided(log, false, "local database does not exist and remote URL is not set")
	}

	localDigest, err := d.digest(localPath)
	if err != nil {
		log.Warn("failed to hash local database", "path", localPath, "error", err)
	}
	if err != nil || localDigest != local.SHA256 {
		if hasSource {
			return d.decided(log, true, "local database does not match the local index hash and remote URL is set",
				"actual", localDigest, "recorded", local.SHA256, "url", remote.URL)
		}
		return d.decided(log, false, "local database does not match the local index hash and remote URL is not set",
			"actual", localDigest, "recorded", local.SHA256)
	}

	if local.SHA256 == remote.SHA256 {
		return d.decided(log, false, "local and remote index hashes match", "sha256", remote.SHA256)
	}

	localDate, remoteDate := local.ParsedDate(), remote.ParsedDate()
	if remoteDate.After(localDate) {
		return d.decided(log, true, "index hashes differ and the remote date is newer",
			"local_date", local.Date, "remote_date", remote.Date)
	}
	return d.decided(log, false, "index hashes differ but the remote date is not newer",
		"local_date", local.Date, "remote_date", remote.Date)
}

func (d *Decider) decided(log *slog.Logger, update bool, reason string, args ...any) Decision {
	if update {
		log.Info(reason+" - updating", args...)
	} else {
		log.Info(reason+" - not updating", args...)
	}
	return Decision{Update: update, Reason: reason}
}

// localFile returns the path of a local database and whether it is an
// existing regular file. Names that could escape the directory never exist.
func (d *Decider) localFile(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	p, err := d.storage.ArtifactPath(name)
	if err != nil {
		return "", false
	}
	st, err := os.Stat(p)
	if err != nil || !st.Mode().IsRegular() {
		return p, false
	}
	return p, true
}
