// Package report renders analysis reports as Markdown and JSON and
// stores them.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TobiSchelling/phasestat/internal/analysis"
	"github.com/TobiSchelling/phasestat/internal/database"
)

// Output formats.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// ParseFormat normalizes a format name. "md" is accepted for Markdown.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown report format %q", s)
	}
}

// JSON returns the indented JSON encoding of r.
func JSON(r *analysis.Report) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return append(data, '\n'), nil
}

// Render returns r in the given format.
func Render(r *analysis.Report, format string) ([]byte, error) {
	format, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if format == FormatJSON {
		return JSON(r)
	}
	return []byte(Markdown(r)), nil
}

// Write renders r to path, creating parent directories.
func Write(r *analysis.Report, path, format string) error {
	data, err := Render(r, format)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// Store saves r with both renderings as an analysis run.
func Store(db *database.DB, r *analysis.Report) error {
	if r.ID == "" {
		analysis.Stamp(r)
	}
	data, err := JSON(r)
	if err != nil {
		return err
	}

	run := database.AnalysisRun{
		ID:             r.ID,
		Scope:          r.Scope,
		N:              r.N,
		ReportJSON:     string(data),
		ReportMarkdown: Markdown(r),
	}
	if res := r.Uniform.Result; res != nil {
		run.ChiSquare = &res.Statistic
		run.PValue = &res.PValue
	}
	if err := db.InsertAnalysisRun(run); err != nil {
		return fmt.Errorf("storing report %s: %w", r.ID, err)
	}
	return nil
}

// Decode parses a stored JSON report.
func Decode(data string) (*analysis.Report, error) {
	var r analysis.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &r, nil
}
