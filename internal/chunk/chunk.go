// Package chunk turns raw repository files into bounded, stably identified
// index units.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the default per-unit character budget.
const DefaultMaxChars = 8000

// Metadata keys stored alongside every vector.
const (
	KeyRepositoryID = "repositoryId"
	KeyPath         = "path"
	KeyContent      = "content"
	KeyUnitID       = "unitId"
)

// FileRecord is one repository file as returned by a file source.
type FileRecord struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Unit is the atomic piece of text that gets embedded.
type Unit struct {
	ID           string
	RepositoryID string
	Path         string
	Text         string
}

// Metadata returns the payload persisted with the unit's vector.
func (u Unit) Metadata() map[string]string {
	return map[string]string{
		KeyRepositoryID: u.RepositoryID,
		KeyPath:         u.Path,
		KeyContent:      u.Text,
		KeyUnitID:       u.ID,
	}
}

var separators = strings.NewReplacer("/", "_", "\\", "_")

// UnitID returns the deterministic id of the unit for (repositoryID, path).
func UnitID(repositoryID, path string) string {
	return repositoryID + "-" + separators.Replace(path)
}

// Header returns the text prefix placed before file content.
func Header(path string) string {
	return "File: " + path + "\n\n"
}

// Build creates the unit for f. The text is the path header followed by the
// content, cut to at most maxChars characters. maxChars <= 0 selects
// DefaultMaxChars.
func Build(repositoryID string, f FileRecord, maxChars int) Unit {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return Unit{
		ID:           UnitID(repositoryID, f.Path),
		RepositoryID: repositoryID,
		Path:         f.Path,
		Text:         Truncate(Header(f.Path)+f.Content, maxChars),
	}
}

// Truncate returns the first max characters of s. The cut never splits a
// UTF-8 sequence; it may split a line or token.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// Len returns the length of s in characters, the unit Truncate counts in.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}
