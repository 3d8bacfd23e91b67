package updater

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds the TLS settings used for the index and database
// downloads. The zero value uses the system roots and TLS 1.2 or later.
type TLSConfig struct {
	MinVersion     string   `toml:"min_version,omitempty"`
	MaxVersion     string   `toml:"max_version,omitempty"`
	CACertFile     string   `toml:"ca_cert_file,omitempty"`
	ClientCertFile string   `toml:"client_cert_file,omitempty"`
	ClientKeyFile  string   `toml:"client_key_file,omitempty"`
	CipherSuites   []string `toml:"cipher_suites,omitempty"`
}

var tlsVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func parseTLSVersion(name, v string) (uint16, error) {
	if v == "" {
		return 0, nil
	}
	version, ok := tlsVersions[v]
	if !ok {
		return 0, errors.Newf("%s: unsupported TLS version %q", name, v)
	}
	return version, nil
}

// Validate checks the configuration without reading any file.
func (c *TLSConfig) Validate() error {
	minVersion, err := parseTLSVersion("min_version", c.MinVersion)
	if err != nil {
		return err
	}
	maxVersion, err := parseTLSVersion("max_version", c.MaxVersion)
	if err != nil {
		return err
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return errors.New("min_version cannot be greater than max_version")
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return errors.New("both client_cert_file and client_key_file must be specified")
	}
	if _, err := cipherSuites(c.CipherSuites); err != nil {
		return err
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config, loading the certificates it names.
func (c *TLSConfig) BuildTLSConfig() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if v, _ := parseTLSVersion("min_version", c.MinVersion); v != 0 {
		cfg.MinVersion = v
	}
	if v, _ := parseTLSVersion("max_version", c.MaxVersion); v != 0 {
		cfg.MaxVersion = v
	}
	cfg.CipherSuites, _ = cipherSuites(c.CipherSuites)

	if c.CACertFile != "" {
		pem, err := os.ReadFile(c.CACertFile) // #nosec G304 - path comes from validated config
		if err != nil {
			return nil, errors.Wrap(err, "ca_cert_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca_cert_file: no certificate found in " + c.CACertFile)
		}
		cfg.RootCAs = pool
	}

	if c.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func cipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, errors.Newf("cipher_suites: unknown or insecure cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
