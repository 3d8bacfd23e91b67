package ipnetdb

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind classifies a failure of the update pipeline.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindManifestFetch
	KindInvalidManifestEntry
	KindIntegrityMismatch
	KindTransferFailed
	KindLocalManifestUnreadable
	KindPublish
)

var kindNames = map[Kind]string{
	KindUnknown:                 "unknown",
	KindManifestFetch:           "manifest fetch failed",
	KindInvalidManifestEntry:    "invalid manifest entry",
	KindIntegrityMismatch:       "integrity mismatch",
	KindTransferFailed:          "transfer failed",
	KindLocalManifestUnreadable: "local manifest unreadable",
	KindPublish:                 "publish failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the error type returned by the update pipeline.
// Only Kind is mandatory; the other fields carry whatever context
// the failing component had at hand.
type Error struct {
	Kind     Kind
	Category Category
	Field    string
	Value    string
	Path     string
	Reason   string
	Err      error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrManifestFetch           = &Error{Kind: KindManifestFetch}
	ErrInvalidManifestEntry    = &Error{Kind: KindInvalidManifestEntry}
	ErrIntegrityMismatch       = &Error{Kind: KindIntegrityMismatch}
	ErrTransferFailed          = &Error{Kind: KindTransferFailed}
	ErrLocalManifestUnreadable = &Error{Kind: KindLocalManifestUnreadable}
	ErrPublish                 = &Error{Kind: KindPublish}
)

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Category != "" {
		sb.WriteString(" [" + string(e.Category) + "]")
	}
	if e.Field != "" {
		fmt.Fprintf(&sb, ": %s=%q", e.Field, e.Value)
	}
	if e.Path != "" {
		sb.WriteString(": " + e.Path)
	}
	if e.Reason != "" {
		sb.WriteString(": " + e.Reason)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil && t.Field == "" && t.Path == "" && t.Reason == ""
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Fatal reports whether err must abort a run. Only an unreadable local
// manifest is tolerated.
func Fatal(err error) bool {
	return err != nil && KindOf(err) != KindLocalManifestUnreadable
}

func invalidField(field string, value any, reason string) *Error {
	return &Error{
		Kind:   KindInvalidManifestEntry,
		Field:  field,
		Value:  fmt.Sprint(value),
		Reason: reason,
	}
}
