// Package diag collects editor diagnostics, diffs successive snapshots,
// and throttles change broadcasts to the workspace room.
package diag

// Severity levels as reported by the editor host.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityHint    = "hint"
)

// Entry is one diagnostic in one file.
type Entry struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source"`
	Code     string `json:"code,omitempty"`
}

// Summary is the workspace-wide diagnostic rollup.
type Summary struct {
	Errors            int `json:"errors"`
	Warnings          int `json:"warnings"`
	FilesWithErrors   int `json:"filesWithErrors"`
	FilesWithWarnings int `json:"filesWithWarnings"`
}

// Change is the diff between two snapshots of one burst.
type Change struct {
	Added   []Entry `json:"added"`
	Removed []Entry `json:"removed"`
	Changed []Entry `json:"changed"`
	Summary Summary `json:"summary"`
}

// EventDiagnosticsChanged is emitted with a Change payload.
const EventDiagnosticsChanged = "diagnostics:changed"

// entryKey identifies an entry position; severity/message changes at the
// same position count as "changed" rather than remove+add.
type entryKey struct {
	file   string
	line   int
	column int
	source string
	code   string
}

func keyOf(e Entry) entryKey {
	return entryKey{file: e.File, line: e.Line, column: e.Column, source: e.Source, code: e.Code}
}

func summarize(files map[string][]Entry) Summary {
	var s Summary
	for _, entries := range files {
		hasErr, hasWarn := false, false
		for _, e := range entries {
			switch e.Severity {
			case SeverityError:
				s.Errors++
				hasErr = true
			case SeverityWarning:
				s.Warnings++
				hasWarn = true
			}
		}
		if hasErr {
			s.FilesWithErrors++
		}
		if hasWarn {
			s.FilesWithWarnings++
		}
	}
	return s
}
