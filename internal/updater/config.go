package updater

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

// Defaults.
const (
	DefaultIndexURL        = "https://ipnetdb.com/latest.json"
	DefaultUserAgent       = "IPNetDB Service"
	DefaultIndexTimeout    = 10 * time.Second
	DefaultDownloadTimeout = 30 * time.Minute
	DefaultRetries         = 3
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := parseHTTPSURL(string(text))
	if err != nil {
		return err
	}
	u.URL = parsedURL
	return nil
}

func (u tomlURL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return nil, nil
	}
	return []byte(u.URL.String()), nil
}

func (u tomlURL) String() string {
	if u.URL == nil {
		return ""
	}
	return u.URL.String()
}

func parseHTTPSURL(s string) (*url.URL, error) {
	parsedURL, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(parsedURL.Scheme, "https") {
		return nil, errors.New("unsupported scheme: " + parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return nil, errors.New("no host: " + s)
	}
	return parsedURL, nil
}

// duration lets TOML carry values such as "10s" or "30m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewLogger builds a logger writing to w.
func (logConfig *LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, errors.New("invalid log format: " + logConfig.Format)
	}

	return slog.New(handler), nil
}

// Apply configures the default slog logger based on the configuration
// and returns it.
func (logConfig *LogConfig) Apply() (*slog.Logger, error) {
	logger, err := logConfig.NewLogger(os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := updater.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir             string    `toml:"dir"`
	IndexURL        tomlURL   `toml:"index_url"`
	TrustedDomain   string    `toml:"trusted_domain"`
	UserAgent       string    `toml:"user_agent"`
	IndexTimeout    duration  `toml:"index_timeout"`
	DownloadTimeout duration  `toml:"download_timeout"`
	Retries         int       `toml:"retries"`
	Lock            bool      `toml:"lock"`
	PGPKeyPath      string    `toml:"pgp_key_path,omitempty"`
	SignatureURL    tomlURL   `toml:"signature_url,omitempty"`
	TLS             TLSConfig `toml:"tls"`
	Log             LogConfig `toml:"log"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	u, _ := url.Parse(DefaultIndexURL)
	return &Config{
		IndexURL:        tomlURL{u},
		TrustedDomain:   ipnetdb.DefaultTrustedDomain,
		UserAgent:       DefaultUserAgent,
		IndexTimeout:    duration{DefaultIndexTimeout},
		DownloadTimeout: duration{DefaultDownloadTimeout},
		Retries:         DefaultRetries,
		Lock:            true,
	}
}

// SetIndexURL parses and sets the index URL.
func (c *Config) SetIndexURL(s string) error {
	return c.IndexURL.UnmarshalText([]byte(s))
}

// SetSignatureURL parses and sets the index signature URL.
func (c *Config) SetSignatureURL(s string) error {
	return c.SignatureURL.UnmarshalText([]byte(s))
}

// SignatureLocation returns the URL of the detached index signature.
func (c *Config) SignatureLocation() *url.URL {
	if c.SignatureURL.URL != nil {
		return c.SignatureURL.URL
	}
	u := *c.IndexURL.URL
	u.Path += ".asc"
	u.RawPath = ""
	return &u
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !filepath.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	st, err := os.Stat(c.Dir)
	if err != nil {
		return errors.Wrap(err, "dir")
	}
	if !st.IsDir() {
		return errors.New("dir is not a directory: " + c.Dir)
	}
	if c.IndexURL.URL == nil {
		return errors.New("index_url is not set")
	}
	if c.TrustedDomain == "" {
		return errors.New("trusted_domain is not set")
	}
	if !strings.HasPrefix(c.TrustedDomain, ".") {
		return errors.New("trusted_domain must start with a dot: " + c.TrustedDomain)
	}
	if c.IndexTimeout.Duration <= 0 {
		return errors.New("index_timeout must be positive")
	}
	if c.DownloadTimeout.Duration < 0 {
		return errors.New("download_timeout must not be negative")
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}

	if c.PGPKeyPath != "" {
		if !filepath.IsAbs(c.PGPKeyPath) {
			return errors.New("pgp_key_path must be an absolute path")
		}
		if _, err := os.Stat(c.PGPKeyPath); os.IsNotExist(err) {
			return errors.New("pgp_key_path does not exist: " + c.PGPKeyPath)
		} else if err != nil {
			return errors.New("cannot access pgp_key_path: " + err.Error())
		}
	}

	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "tls")
	}
	for name, p := range map[string]string{
		"tls.ca_cert_file":     c.TLS.CACertFile,
		"tls.client_cert_file": c.TLS.ClientCertFile,
		"tls.client_key_file":  c.TLS.ClientKeyFile,
	} {
		if p != "" && !filepath.IsAbs(p) {
			return errors.New(name + " must be an absolute path")
		}
	}

	if _, err := c.Log.NewLogger(io.Discard); err != nil {
		return errors.Wrap(err, "log")
	}
	return nil
}
