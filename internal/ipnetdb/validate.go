package ipnetdb

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Limits applied to manifest entries.
const (
	MaxFilenameLength = 256
	SHA256HexLength   = 64
	MinBytes          = 1024    // exclusive
	MaxBytes          = 1 << 30 // exclusive
)

// DefaultTrustedDomain is the host suffix artifact URLs must carry.
const DefaultTrustedDomain = ".ipnetdb.net"

// Validator checks untrusted manifest entries before anything is done
// on their basis.
type Validator struct {
	// TrustedDomain is the required suffix of every artifact URL host.
	TrustedDomain string
}

// NewValidator returns a Validator for trustedDomain, falling back to
// DefaultTrustedDomain when it is empty.
func NewValidator(trustedDomain string) *Validator {
	if trustedDomain == "" {
		trustedDomain = DefaultTrustedDomain
	}
	return &Validator{TrustedDomain: trustedDomain}
}

// ValidateManifest decodes and validates the entry of every category.
// The first failure is returned and the manifest must not be used.
func (v *Validator) ValidateManifest(m *Manifest) (map[Category]*Entry, error) {
	entries := make(map[Category]*Entry, len(Categories))
	for _, c := range Categories {
		raw, ok := m.Raw(c)
		if !ok {
			return nil, &Error{Kind: KindInvalidManifestEntry, Category: c, Reason: "entry is missing"}
		}
		e, err := v.Validate(raw)
		if err != nil {
			if ie, ok := err.(*Error); ok {
				ie.Category = c
			}
			return nil, err
		}
		entries[c] = e
	}
	return entries, nil
}

// Validate decodes a raw entry, checking presence and JSON types of each
// field, then runs ValidateEntry on the result.
func (v *Validator) Validate(raw json.RawMessage) (*Entry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, &Error{Kind: KindInvalidManifestEntry, Reason: "entry is not a JSON object"}
	}

	e := &Entry{}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"file", &e.File},
		{"url", &e.URL},
		{"date", &e.Date},
		{"sha256", &e.SHA256},
	} {
		if err := decodeString(fields, f.name, f.dst); err != nil {
			return nil, err
		}
	}

	n, err := decodeInt(fields, "bytes")
	if err != nil {
		return nil, err
	}
	e.Bytes = n

	if err := v.ValidateEntry(e); err != nil {
		return nil, err
	}
	return e, nil
}

func decodeString(fields map[string]json.RawMessage, name string, dst *string) error {
	r, ok := fields[name]
	if !ok {
		return invalidField(name, "", "field is missing")
	}
	if err := json.Unmarshal(r, dst); err != nil {
		return invalidField(name, string(r), "must be a string")
	}
	if *dst == "" {
		return invalidField(name, "", "field is empty")
	}
	return nil
}

func decodeInt(fields map[string]json.RawMessage, name string) (int64, error) {
	r, ok := fields[name]
	if !ok {
		return 0, invalidField(name, "", "field is missing")
	}
	dec := json.NewDecoder(bytes.NewReader(r))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, invalidField(name, string(r), "must be an integer")
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, invalidField(name, string(r), "must be an integer")
	}
	n, err := num.Int64()
	if err != nil {
		return 0, invalidField(name, string(r), "must be an integer")
	}
	if n == 0 {
		return 0, invalidField(name, "0", "field is empty")
	}
	return n, nil
}

// ValidateEntry runs the structural checks on a decoded entry, failing
// on the first violation in this order: filename, url, date, sha256, bytes.
func (v *Validator) ValidateEntry(e *Entry) error {
	if err := ValidateFilename(e.File); err != nil {
		return err
	}
	if err := v.validateURL(e.URL); err != nil {
		return err
	}
	if _, err := time.Parse(DateLayout, e.Date); err != nil {
		return invalidField("date", e.Date, "not a YYYY-MM-DD date")
	}
	if err := ValidateSHA256(e.SHA256); err != nil {
		return err
	}
	if e.Bytes <= MinBytes {
		return invalidField("bytes", e.Bytes, "too small")
	}
	if e.Bytes >= MaxBytes {
		return invalidField("bytes", e.Bytes, "too big")
	}
	return nil
}

func (v *Validator) validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return invalidField("url", s, "unparseable")
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return invalidField("url", s, "scheme is not https")
	}
	trusted := v.TrustedDomain
	if trusted == "" {
		trusted = DefaultTrustedDomain
	}
	// Match on a label boundary even when the dot was left out.
	if !strings.HasPrefix(trusted, ".") {
		trusted = "." + trusted
	}
	if !strings.HasSuffix(strings.ToLower(u.Hostname()), strings.ToLower(trusted)) {
		return invalidField("url", s, "host does not end in "+trusted)
	}
	if u.Path == "" {
		return invalidField("url", s, "no path")
	}
	return nil
}

// ValidateFilename checks that name is a bare file name safe to join
// with the target directory.
func ValidateFilename(name string) error {
	if name == "" {
		return invalidField("file", name, "field is empty")
	}
	for _, c := range name {
		if !isFilenameChar(c) {
			return invalidField("file", name, "contains disallowed characters")
		}
	}
	if strings.Contains(name, "..") {
		return invalidField("file", name, "contains double dots")
	}
	if len(name) > MaxFilenameLength {
		return invalidField("file", name, "longer than 256 characters")
	}
	if name == "." {
		return invalidField("file", name, "not a file name")
	}
	return nil
}

func isFilenameChar(c rune) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.':
		return true
	}
	return false
}

// ValidateSHA256 checks for a 64 character lowercase hex string.
func ValidateSHA256(s string) error {
	if len(s) != SHA256HexLength {
		return invalidField("sha256", s, "not 64 characters long")
	}
	for _, c := range s {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return invalidField("sha256", s, "contains non lowercase hex characters")
		}
	}
	return nil
}
