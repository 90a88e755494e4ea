package fileaccess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
)

// SecureFileAccess layers read/write/edit operations over a
// FilePathValidator. Every operation validates its path first; nothing in
// this package touches the filesystem with an unvalidated path.
type SecureFileAccess struct {
	validator *FilePathValidator
}

// NewSecureFileAccess wraps an existing validator.
func NewSecureFileAccess(validator *FilePathValidator) *SecureFileAccess {
	return &SecureFileAccess{validator: validator}
}

// NewSecureFileAccessWithWorkspace is a convenience constructor binding a
// workspace-root validator directly.
func NewSecureFileAccessWithWorkspace(workspaceRoot string) *SecureFileAccess {
	return NewSecureFileAccess(NewFilePathValidatorWithWorkspace(workspaceRoot))
}

// ReadResult carries the line-numbered rendering of a read plus the raw
// line accounting used to report "more lines remain" to the caller.
type ReadResult struct {
	Content      string
	LinesShown   int
	TotalLines   int
	HasMoreLines bool
}

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
)

// Read validates path, reads it, and renders up to limit lines starting at
// offset (1-indexed, 0 meaning "from the start") with 5-digit line-number
// prefixes. limit <= 0 uses defaultReadLimit.
func (a *SecureFileAccess) Read(path string, offset, limit int) (*ReadResult, error) {
	validated, err := a.validator.ValidateAbsolutePath(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(validated)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", validated)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", validated)
	}

	data, err := os.ReadFile(validated)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", validated, err)
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	rawLines := strings.Split(string(data), "\n")
	if len(rawLines) > 0 && rawLines[len(rawLines)-1] == "" {
		rawLines = rawLines[:len(rawLines)-1]
	}
	totalLines := len(rawLines)

	var out []string
	for i, line := range rawLines {
		lineNum := i + 1
		if offset > 0 && lineNum < offset {
			continue
		}
		if len(out) >= limit {
			break
		}
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		out = append(out, fmt.Sprintf("%05d| %s", lineNum, line))
	}

	firstLine := offset
	if firstLine < 1 {
		firstLine = 1
	}
	lastReadLine := firstLine - 1 + len(out)
	hasMore := totalLines > lastReadLine

	var sb strings.Builder
	sb.WriteString("<file>\n")
	sb.WriteString(strings.Join(out, "\n"))
	if hasMore {
		sb.WriteString(fmt.Sprintf("\n\n(File has more lines. Use 'offset' to read beyond line %d)", lastReadLine))
	} else {
		sb.WriteString(fmt.Sprintf("\n\n(End of file - total %d lines)", totalLines))
	}
	sb.WriteString("\n</file>")

	return &ReadResult{
		Content:      sb.String(),
		LinesShown:   len(out),
		TotalLines:   totalLines,
		HasMoreLines: hasMore,
	}, nil
}

// Write validates path, creates missing parent directories, and writes
// content, overwriting any existing file.
func (a *SecureFileAccess) Write(path, content string) error {
	validated, err := a.validator.ValidateAbsolutePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(validated), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", validated, err)
	}
	if err := os.WriteFile(validated, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", validated, err)
	}
	return nil
}

// EditResult reports how many occurrences an Edit call replaced.
type EditResult struct {
	Replacements int
}

// Edit validates path and performs an exact string replacement. With
// replaceAll false, oldString must occur exactly once; with it true, every
// occurrence is replaced. oldString must differ from newString. On an exact
// match miss, a levenshtein-scored "did you mean" hint is appended to the
// returned error rather than silently applying a fuzzy replacement — editors
// need deterministic outcomes, unlike an autonomous agent loop.
func (a *SecureFileAccess) Edit(path, oldString, newString string, replaceAll bool) (*EditResult, error) {
	if oldString == newString {
		return nil, fmt.Errorf("oldString and newString must be different")
	}

	validated, err := a.validator.ValidateAbsolutePath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(validated)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", validated, err)
	}
	text := string(data)

	count := strings.Count(text, oldString)
	if count == 0 {
		return nil, a.noMatchError(text, oldString)
	}
	if !replaceAll && count > 1 {
		return nil, fmt.Errorf("oldString appears %d times in file; use replaceAll or provide more context", count)
	}

	var newText string
	var replacements int
	if replaceAll {
		newText = strings.ReplaceAll(text, oldString, newString)
		replacements = count
	} else {
		newText = strings.Replace(text, oldString, newString, 1)
		replacements = 1
	}

	if err := os.WriteFile(validated, []byte(newText), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", validated, err)
	}
	return &EditResult{Replacements: replacements}, nil
}

// noMatchError builds the failure returned when oldString has zero exact
// occurrences, appending the closest line or block found by normalized
// Levenshtein similarity as a hint.
func (a *SecureFileAccess) noMatchError(text, oldString string) error {
	match, sim := bestMatch(text, oldString)
	if match != "" {
		return fmt.Errorf("oldString not found in file; closest match (%.0f%% similar): %q", sim*100, truncateForHint(match))
	}
	return fmt.Errorf("oldString not found in file")
}

func truncateForHint(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// bestMatch finds the substring of text most similar to target: a single
// line if target is single-line, otherwise a sliding window of matching
// line count.
func bestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	targetLines := strings.Split(target, "\n")

	if len(targetLines) == 1 {
		best, bestSim := "", 0.0
		for _, line := range lines {
			if sim := similarity(line, target); sim > bestSim {
				bestSim, best = sim, line
			}
		}
		return best, bestSim
	}

	targetLen := len(targetLines)
	best, bestSim := "", 0.0
	for i := 0; i+targetLen <= len(lines); i++ {
		block := strings.Join(lines[i:i+targetLen], "\n")
		if sim := similarity(block, target); sim > bestSim {
			bestSim, best = sim, block
		}
	}
	return best, bestSim
}

// similarity returns a 0..1 normalized Levenshtein similarity score.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1.0 - float64(dist)/float64(maxLen)
}
