package updater

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ipnetdb/ipnetdb-sync/internal/ipnetdb"
)

// File states reported by Verify.
const (
	StateOK       = "ok"
	StateMissing  = "missing"
	StateMismatch = "mismatch"
)

// ArtifactState is the resolved local state of one database.
type ArtifactState struct {
	Category ipnetdb.Category `json:"category" yaml:"category"`
	File     string           `json:"file" yaml:"file"`
	Path     string           `json:"path" yaml:"path"`
	Date     string           `json:"date" yaml:"date"`
	SHA256   string           `json:"sha256" yaml:"sha256"`
	State    string           `json:"state,omitempty" yaml:"state,omitempty"`
}

// Report describes the local state after a run.
type Report struct {
	IndexPath string             `json:"index" yaml:"index"`
	Artifacts []ArtifactState    `json:"databases" yaml:"databases"`
	Updated   []ipnetdb.Category `json:"updated,omitempty" yaml:"updated,omitempty"`
	Pending   []ipnetdb.Category `json:"pending,omitempty" yaml:"pending,omitempty"`
	DryRun    bool               `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// BuildReport describes the databases recorded in m.
func BuildReport(storage *Storage, m *ipnetdb.Manifest) *Report {
	r := &Report{IndexPath: storage.IndexPath()}
	for _, c := range ipnetdb.Categories {
		e := m.Entry(c)
		st := ArtifactState{
			Category: c,
			File:     e.File,
			Date:     e.Date,
			SHA256:   e.SHA256,
		}
		if p, err := storage.ArtifactPath(e.File); err == nil {
			st.Path = p
		}
		r.Artifacts = append(r.Artifacts, st)
	}
	return r
}

// Verify hashes every recorded database and sets its State.
// It returns true when all of them match.
func (r *Report) Verify() bool {
	ok := true
	for i := range r.Artifacts {
		a := &r.Artifacts[i]
		if a.Path == "" {
			a.State = StateMissing
			ok = false
			continue
		}
		digest, err := ipnetdb.DigestFile(a.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			a.State = StateMissing
			ok = false
		case err != nil || digest != a.SHA256:
			a.State = StateMismatch
			ok = false
		default:
			a.State = StateOK
		}
	}
	return ok
}

// Log writes the report to logger.
func (r *Report) Log(logger *slog.Logger) {
	logger.Info("index file stored", "path", r.IndexPath)
	for _, a := range r.Artifacts {
		logger.Info("database stored", "category", a.Category, "date", a.Date, "sha256", a.SHA256, "path", a.Path)
	}
}

// Write renders the report as text, json or yaml.
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return r.writeText(w)
	}
	return errors.New("unknown output format: " + format)
}

func (r *Report) writeText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Index: %s\n", r.IndexPath); err != nil {
		return err
	}
	for _, a := range r.Artifacts {
		path := a.Path
		if path == "" {
			path = "(none)"
		}
		line := fmt.Sprintf("  %-7s %-10s sha256:%s %s", a.Category, a.Date, a.SHA256, path)
		if a.State != "" {
			line += " [" + a.State + "]"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if r.DryRun {
		_, err := fmt.Fprintf(w, "Pending (dry run): %v\n", r.Pending)
		return err
	}
	if len(r.Updated) > 0 {
		_, err := fmt.Fprintf(w, "Updated: %v\n", r.Updated)
		return err
	}
	return nil
}
