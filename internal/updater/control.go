package updater

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// lockDir takes the advisory lock of dir and returns its release function.
//
// The lock file is never removed: removing it would let a second run
// lock a new inode while the first still holds the old one.
func lockDir(storage *Storage, logger *slog.Logger) (func(), error) {
	lockFile := storage.LockPath()
	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304,G302 - path built from the storage dir and a constant
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warn("failed to unlock file", "error", err)
		}
		if err := file.Close(); err != nil {
			logger.Warn("failed to close lock file", "error", err)
		}
	}, nil
}

// gc removes staging files left by earlier runs. It must only be called
// while holding the directory lock.
func gc(storage *Storage, logger *slog.Logger) {
	orphans, err := storage.Orphans()
	if err != nil {
		logger.Warn("failed to list staging files", "error", err)
		return
	}
	for _, p := range orphans {
		logger.Info("removing orphaned staging file", "path", p)
		removeStaging(logger, p)
	}
}

// Run performs one synchronization of config.Dir.
//
// With config.Lock set, the directory lock is taken first and staging
// files left by killed runs are removed. Without it, concurrent runs on
// the same directory are the caller's problem and orphans are simply
// overwritten.
//
// SIGINT and SIGTERM cancel an ongoing download; the publish step is
// never interrupted once started.
func Run(ctx context.Context, config *Config, opts Options) (*Report, error) {
	if err := config.Check(); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	u, err := New(config, opts)
	if err != nil {
		return nil, err
	}

	if config.Lock {
		unlock, err := lockDir(u.Storage(), u.logger)
		if err != nil {
			return nil, err
		}
		defer unlock()
		gc(u.Storage(), u.logger)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	return runUpdate(ctx, u, sig)
}

// runUpdate runs u.Update, cancelling it when a signal arrives on sig.
// The outcome is always the one of the update: a run that was already
// publishing or done when the signal came is reported as such.
func runUpdate(ctx context.Context, u *Updater, sig <-chan os.Signal) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		report      *Report
		interrupted os.Signal
	)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		var err error
		report, err = u.Update(gctx)
		return err
	})
	group.Go(func() error {
		select {
		case s := <-sig:
			u.logger.Warn("received signal, cancelling update", "signal", s.String())
			interrupted = s
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		if interrupted != nil {
			return nil, errors.Wrapf(err, "interrupted by %s", interrupted)
		}
		return nil, err
	}
	return report, nil
}
