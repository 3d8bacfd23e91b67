package ipnetdb

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
)

// DateLayout is the layout of the "date" field.
const DateLayout = "2006-01-02"

// Category names one of the synchronized databases.
type Category string

// Known categories.
const (
	CategoryPrefix Category = "prefix"
	CategoryASN    Category = "asn"
)

// Categories lists every category in processing order.
var Categories = []Category{CategoryPrefix, CategoryASN}

// Entry describes one published database file.
type Entry struct {
	File   string `json:"file"`
	URL    string `json:"url"`
	Date   string `json:"date"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// IsZero returns true if e carries no information at all.
func (e *Entry) IsZero() bool {
	return e == nil || *e == Entry{}
}

// ParsedDate returns the entry date, or the zero time if the date is
// missing or malformed. A zero date is older than any valid date.
func (e *Entry) ParsedDate() time.Time {
	if e == nil {
		return time.Time{}
	}
	t, err := time.Parse(DateLayout, e.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Manifest is an index document. Entries are kept as raw JSON so that
// unknown top-level keys survive a load/save cycle unchanged.
type Manifest struct {
	raw map[string]json.RawMessage
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{raw: make(map[string]json.RawMessage)}
}

// ParseManifest parses an index document. It only checks that data is
// a JSON object; entries are decoded and validated separately.
func ParseManifest(data []byte) (*Manifest, error) {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "ParseManifest")
	}
	if raw == nil {
		return nil, errors.New("ParseManifest: index is not a JSON object")
	}
	return &Manifest{raw: raw}, nil
}

// Raw returns the undecoded entry for c.
func (m *Manifest) Raw(c Category) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	r, ok := m.raw[string(c)]
	return r, ok
}

// Entry decodes the entry for c without validating it.
//
// It is meant for the local manifest, which is trusted as far as it goes:
// a missing or undecodable entry yields an empty *Entry, never an error.
func (m *Manifest) Entry(c Category) *Entry {
	e := &Entry{}
	r, ok := m.Raw(c)
	if !ok {
		return e
	}
	if err := json.Unmarshal(r, e); err != nil {
		return &Entry{}
	}
	return e
}

// Set replaces the entry for c.
func (m *Manifest) Set(c Category, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "Manifest.Set")
	}
	m.raw[string(c)] = data
	return nil
}

// Keys returns the sorted top-level keys.
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.raw))
	for k := range m.raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON implements json.Marshaler.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	if m == nil || m.raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	parsed, err := ParseManifest(data)
	if err != nil {
		return err
	}
	m.raw = parsed.raw
	return nil
}

// Encode returns the document as persisted on disk.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := m.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, errors.Wrap(err, "Manifest.Encode")
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
