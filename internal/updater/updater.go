package updater

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

// Options tune an Updater beyond what Config holds.
type Options struct {
	// DryRun decides what would be updated without downloading.
	DryRun bool
	// NoPGPCheck skips index signature verification.
	NoPGPCheck bool
	// Progress receives download progress bars when not nil.
	Progress io.Writer
	// HTTPClient replaces the default client, e.g. in tests.
	HTTPClient *http.Client
	// Logger is the base logger; nil means slog.Default().
	Logger *slog.Logger
}

// Updater keeps the databases in a directory in sync with the remote index.
type Updater struct {
	storage   *Storage
	fetcher   *IndexFetcher
	validator *ipnetdb.Validator
	decider   *Decider
	stager    *Stager
	publisher *Publisher
	dryRun    bool
	logger    *slog.Logger
}

// New constructs an Updater from a checked configuration.
func New(config *Config, opts Options) (*Updater, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("run", uuid.NewString())

	storage, err := NewStorage(config.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "NewStorage")
	}

	client := opts.HTTPClient
	if client == nil {
		tlsConfig, err := config.TLS.BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "tls")
		}
		client = clonedTransport(tlsConfig)
	}
	httpClient := NewHTTPClient(client, config.UserAgent, config.Retries, logger)

	pgpKeyPath := config.PGPKeyPath
	if opts.NoPGPCheck {
		pgpKeyPath = ""
	}
	sigURL := config.SignatureURL.URL
	if pgpKeyPath != "" {
		sigURL = config.SignatureLocation()
	}
	fetcher, err := NewIndexFetcher(httpClient, config.IndexURL.URL, config.IndexTimeout.Duration, pgpKeyPath, sigURL, logger)
	if err != nil {
		return nil, err
	}

	return &Updater{
		storage:   storage,
		fetcher:   fetcher,
		validator: ipnetdb.NewValidator(config.TrustedDomain),
		decider:   NewDecider(storage, logger),
		stager:    NewStager(httpClient, storage, config.DownloadTimeout.Duration, opts.Progress, logger),
		publisher: NewPublisher(logger),
		dryRun:    opts.DryRun,
		logger:    logger,
	}, nil
}

// Storage returns the target directory of u.
func (u *Updater) Storage() *Storage {
	return u.storage
}

// Update runs one synchronization and reports the resulting local state.
//
// Nothing is published unless every database that needs an update was
// downloaded and verified; the manifest is published after the databases.
func (u *Updater) Update(ctx context.Context) (report *Report, err error) {
	local, lerr := u.storage.LoadManifest()
	if lerr != nil {
		u.logger.Info("no usable local index, treating as first run", "error", lerr)
	}

	remote, err := u.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := u.validator.ValidateManifest(remote)
	if err != nil {
		return nil, err
	}
	if err := u.checkTargets(entries); err != nil {
		return nil, err
	}

	var pending []ipnetdb.Category
	for _, c := range ipnetdb.Categories {
		if u.decider.NeedsUpdate(c, local.Entry(c), entries[c]) {
			pending = append(pending, c)
		}
	}

	if u.dryRun {
		u.logger.Info("dry run, not downloading", "pending", pending)
		report = BuildReport(u.storage, local)
		report.DryRun = true
		report.Pending = pending
		return report, nil
	}

	if len(pending) == 0 {
		u.logger.Info("all databases up to date")
	} else if err := u.apply(ctx, local, remote, entries, pending); err != nil {
		return nil, err
	}

	current, err := u.storage.LoadManifest()
	if err != nil {
		return nil, errors.Wrap(err, "final state")
	}
	report = BuildReport(u.storage, current)
	report.Updated = pending
	report.Log(u.logger)
	return report, nil
}

// checkTargets rejects manifests whose databases would overwrite the
// files managed by Storage or each other.
func (u *Updater) checkTargets(entries map[ipnetdb.Category]*ipnetdb.Entry) error {
	seen := make(map[string]ipnetdb.Category)
	for _, c := range ipnetdb.Categories {
		e := entries[c]
		if _, err := u.storage.ArtifactPath(e.File); err != nil {
			if ie, ok := err.(*ipnetdb.Error); ok {
				ie.Category = c
			}
			return err
		}
		if other, ok := seen[e.File]; ok {
			return &ipnetdb.Error{
				Kind:     ipnetdb.KindInvalidManifestEntry,
				Category: c,
				Field:    "file",
				Value:    e.File,
				Reason:   "same file as " + string(other),
			}
		}
		seen[e.File] = c
	}
	return nil
}

// apply stages every pending database, then publishes them and the
// manifest. Staging files left behind by a failure are removed.
func (u *Updater) apply(ctx context.Context, local, remote *ipnetdb.Manifest,
	entries map[ipnetdb.Category]*ipnetdb.Entry, pending []ipnetdb.Category) (err error) {
	var leftovers []string
	defer func() {
		if err == nil {
			return
		}
		for _, p := range leftovers {
			if p != "" {
				removeStaging(u.logger, p)
			}
		}
	}()

	var staged []*StagedArtifact
	for _, c := range pending {
		u.logger.Info("updating database", "category", c)
		a, err := u.stager.FetchVerified(ctx, c, entries[c])
		if err != nil {
			return err
		}
		staged = append(staged, a)
		leftovers = append(leftovers, a.StagingPath)
	}

	u.logger.Info("updating local index")
	next, err := nextManifest(local, remote, pending)
	if err != nil {
		return &ipnetdb.Error{Kind: ipnetdb.KindPublish, Path: StagingPath(u.storage.IndexPath()), Err: err}
	}
	indexStaging, err := u.storage.StageManifest(next)
	if err != nil {
		return &ipnetdb.Error{Kind: ipnetdb.KindPublish, Path: StagingPath(u.storage.IndexPath()), Err: err}
	}
	leftovers = append(leftovers, indexStaging)

	u.logger.Info("new databases downloaded, deploying")
	for i, a := range staged {
		if err := u.publisher.Publish(a.StagingPath, a.FinalPath); err != nil {
			return err
		}
		leftovers[i] = ""
	}
	if err := u.publisher.Publish(indexStaging, u.storage.IndexPath()); err != nil {
		return err
	}
	return nil
}

// nextManifest returns the manifest describing the directory once the
// pending categories are published: the remote document, with the local
// entry kept for every category that is not replaced.
func nextManifest(local, remote *ipnetdb.Manifest, pending []ipnetdb.Category) (*ipnetdb.Manifest, error) {
	data, err := remote.MarshalJSON()
	if err != nil {
		return nil, err
	}
	next, err := ipnetdb.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	for _, c := range ipnetdb.Categories {
		if slices.Contains(pending, c) {
			continue
		}
		if err := next.Set(c, local.Entry(c)); err != nil {
			return nil, err
		}
	}
	return next, nil
}
