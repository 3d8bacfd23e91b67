package updater

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

const (
	maxIndexSize     = 4 << 20
	maxSignatureSize = 64 << 10
)

// IndexFetcher retrieves the remote manifest.
type IndexFetcher struct {
	http         *HTTPClient
	indexURL     *url.URL
	timeout      time.Duration
	pgp          *crypto.PGPHandle
	publicKey    *crypto.Key
	signatureURL *url.URL
	logger       *slog.Logger
}

// NewIndexFetcher constructs an IndexFetcher. When pgpKeyPath is not
// empty every fetched index must carry a valid detached signature
// published at signatureURL.
func NewIndexFetcher(client *HTTPClient, indexURL *url.URL, timeout time.Duration,
	pgpKeyPath string, signatureURL *url.URL, logger *slog.Logger) (*IndexFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &IndexFetcher{
		http:         client,
		indexURL:     indexURL,
		timeout:      timeout,
		pgp:          crypto.PGP(),
		signatureURL: signatureURL,
		logger:       logger,
	}
	if pgpKeyPath == "" {
		return f, nil
	}

	keyringBytes, err := os.ReadFile(pgpKeyPath) // #nosec G304 - path comes from validated config
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PGP key from: %s", pgpKeyPath)
	}
	publicKey, err := crypto.NewKeyFromArmored(string(keyringBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse PGP key from: %s", pgpKeyPath)
	}
	if signatureURL == nil {
		return nil, errors.New("PGP verification requires a signature URL")
	}
	f.publicKey = publicKey
	return f, nil
}

// Fetch downloads, authenticates and parses the remote manifest.
// Every failure is a ManifestFetch error.
func (f *IndexFetcher) Fetch(ctx context.Context) (*ipnetdb.Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	u := f.indexURL.String()
	f.logger.Info("fetching index", "url", u)

	data, err := f.http.Fetch(ctx, u, maxIndexSize)
	if err != nil {
		return nil, fetchError(u, err)
	}

	if f.publicKey != nil {
		if err := f.verifySignature(ctx, data); err != nil {
			return nil, fetchError(u, err)
		}
	}

	data, err = decompress(path.Base(f.indexURL.Path), data)
	if err != nil {
		return nil, fetchError(u, err)
	}

	m, err := ipnetdb.ParseManifest(data)
	if err != nil {
		return nil, fetchError(u, err)
	}
	f.logger.Debug("index fetched", "url", u, "keys", m.Keys())
	return m, nil
}

func fetchError(u string, err error) error {
	return &ipnetdb.Error{Kind: ipnetdb.KindManifestFetch, Path: u, Err: err}
}

func (f *IndexFetcher) verifySignature(ctx context.Context, data []byte) error {
	su := f.signatureURL.String()
	sigBytes, err := f.http.Fetch(ctx, su, maxSignatureSize)
	if err != nil {
		return errors.Wrap(err, "failed to fetch index signature")
	}

	verifier, err := f.pgp.Verify().VerificationKey(f.publicKey).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}

	verifyResult, err := verifier.VerifyDetached(data, sigBytes, crypto.Armor)
	if err != nil {
		return errors.Wrapf(err, "PGP signature verification failed for %s", su)
	}
	if sigErr := verifyResult.SignatureError(); sigErr != nil {
		return errors.Wrapf(sigErr, "PGP signature verification failed for %s", su)
	}

	f.logger.Info("PGP signature for index is valid", "signature", su, "key_id", f.publicKey.GetHexKeyID())
	return nil
}

// decompress undoes the compression implied by the extension of name.
func decompress(name string, data []byte) ([]byte, error) {
	var r io.Reader
	switch {
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "xz")
		}
		r = xr
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "gzip")
		}
		defer gr.Close()
		r = gr
	default:
		return data, nil
	}

	out, err := io.ReadAll(io.LimitReader(r, maxIndexSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "decompress "+name)
	}
	if len(out) > maxIndexSize {
		return nil, errors.Wrapf(errTooLarge, "decompressed %s", name)
	}
	return out, nil
}
