package updater

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

const (
	testIndexURL  = "https://ipnetdb.com/latest.json"
	testPrefixURL = "https://cdn.ipnetdb.net/ipnetdb_prefix_latest.mmdb"
	testASNURL    = "https://cdn.ipnetdb.net/ipnetdb_asn_latest.mmdb"
	testPrefix    = "ipnetdb_prefix_latest.mmdb"
	testASN       = "ipnetdb_asn_latest.mmdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeRoute is a canned response of fakeTransport.
type fakeRoute struct {
	status        int
	body          []byte
	contentLength int64 // overrides len(body) when not zero
	failFirst     int   // number of 503 responses before status
	err           error
	onServe       func(req *http.Request) error // runs before responding; an error fails the request
}

// fakeTransport serves canned responses by URL and counts requests.
type fakeTransport struct {
	mu     sync.Mutex
	routes map[string]*fakeRoute
	hits   map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		routes: make(map[string]*fakeRoute),
		hits:   make(map[string]int),
	}
}

func (f *fakeTransport) serve(u string, body []byte) {
	f.set(u, &fakeRoute{status: http.StatusOK, body: body})
}

func (f *fakeTransport) set(u string, r *fakeRoute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[u] = r
}

func (f *fakeTransport) count(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[u]
}

func (f *fakeTransport) client() *http.Client {
	return &http.Client{Transport: f}
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u := req.URL.String()
	f.hits[u]++

	r, ok := f.routes[u]
	if !ok {
		return response(req, http.StatusNotFound, []byte("not found"), 0), nil
	}
	if r.onServe != nil {
		if err := r.onServe(req); err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	if f.hits[u] <= r.failFirst {
		return response(req, http.StatusServiceUnavailable, nil, 0), nil
	}
	return response(req, r.status, r.body, r.contentLength), nil
}

func response(req *http.Request, status int, body []byte, contentLength int64) *http.Response {
	if contentLength == 0 {
		contentLength = int64(len(body))
	}
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: contentLength,
		Request:       req,
	}
}

// remote is the published state served by a fakeTransport.
type remote struct {
	prefix, asn         []byte
	prefixDate, asnDate string
	extra               map[string]any
}

func (r *remote) entry(file, u string, data []byte, date string) *ipnetdb.Entry {
	return &ipnetdb.Entry{
		File:   file,
		URL:    u,
		Date:   date,
		SHA256: sha256hex(data),
		Bytes:  int64(len(data)),
	}
}

func (r *remote) index() map[string]any {
	doc := map[string]any{
		"prefix": r.entry(testPrefix, testPrefixURL, r.prefix, r.prefixDate),
		"asn":    r.entry(testASN, testASNURL, r.asn, r.asnDate),
	}
	for k, v := range r.extra {
		doc[k] = v
	}
	return doc
}

// testEnv is a target directory plus a fake upstream.
type testEnv struct {
	t         *testing.T
	dir       string
	transport *fakeTransport
	config    *Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	config := NewConfig()
	config.Dir = dir
	config.Retries = 0
	config.Lock = false
	return &testEnv{
		t:         t,
		dir:       dir,
		transport: newFakeTransport(),
		config:    config,
	}
}

func (e *testEnv) publish(r *remote) {
	e.t.Helper()
	e.publishIndex(r.index())
	e.transport.serve(testPrefixURL, r.prefix)
	e.transport.serve(testASNURL, r.asn)
}

func (e *testEnv) publishIndex(doc any) {
	e.t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(e.t, err)
	e.transport.serve(testIndexURL, data)
}

func (e *testEnv) updater() *Updater {
	e.t.Helper()
	u, err := New(e.config, Options{
		HTTPClient: e.transport.client(),
		Logger:     discardLogger(),
	})
	require.NoError(e.t, err)
	return u
}

func (e *testEnv) path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *testEnv) read(name string) []byte {
	e.t.Helper()
	data, err := os.ReadFile(e.path(name))
	require.NoError(e.t, err)
	return data
}

func (e *testEnv) exists(name string) bool {
	_, err := os.Stat(e.path(name))
	return err == nil
}

func (e *testEnv) stagingFiles() []string {
	e.t.Helper()
	s, err := NewStorage(e.dir)
	require.NoError(e.t, err)
	orphans, err := s.Orphans()
	require.NoError(e.t, err)
	return orphans
}

func database(seed string, size int) []byte {
	return bytes.Repeat([]byte(seed), size/len(seed)+1)[:size]
}
