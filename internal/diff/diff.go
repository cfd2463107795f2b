// Package diff computes line-level diffs between two revisions of a letter.
//
// The output is deterministic: the backtrack order over the LCS table is fixed,
// so the same pair of inputs always yields the same sequence of lines. Callers
// rely on that when rendering side-by-side comparisons and when asserting
// round-trips in tests.
package diff

import "strings"

// Kind classifies a single line of a diff.
type Kind string

const (
	Unchanged Kind = "unchanged"
	Added     Kind = "added"
	Removed   Kind = "removed"
)

// Line is one row of a computed diff. OldNumber and NewNumber are 1-based
// positions in the old and new texts; a zero value means the line does not
// exist on that side.
type Line struct {
	Kind      Kind   `json:"kind"`
	Text      string `json:"text"`
	OldNumber int    `json:"oldNumber,omitempty"`
	NewNumber int    `json:"newNumber,omitempty"`
}

// Summary aggregates a diff into counts.
type Summary struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// Lines diffs oldText against newText line by line using a longest common
// subsequence table. Inputs are split on "\n"; an empty string is a single
// empty line, so diffing two empty strings yields one unchanged line.
func Lines(oldText, newText string) []Line {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")

	m := len(oldLines)
	n := len(newLines)

	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if oldLines[i-1] == newLines[j-1] {
				lcs[i][j] = lcs[i-1][j-1] + 1
			} else if lcs[i-1][j] >= lcs[i][j-1] {
				lcs[i][j] = lcs[i-1][j]
			} else {
				lcs[i][j] = lcs[i][j-1]
			}
		}
	}

	// Backtrack from the far corner. When the lines differ, additions are
	// consumed before removals whenever the table allows either choice.
	var reversed []Line
	i, j := m, n
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && oldLines[i-1] == newLines[j-1]:
			reversed = append(reversed, Line{Kind: Unchanged, Text: oldLines[i-1], OldNumber: i, NewNumber: j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			reversed = append(reversed, Line{Kind: Added, Text: newLines[j-1], NewNumber: j})
			j--
		default:
			reversed = append(reversed, Line{Kind: Removed, Text: oldLines[i-1], OldNumber: i})
			i--
		}
	}

	lines := make([]Line, len(reversed))
	for k := range reversed {
		lines[k] = reversed[len(reversed)-1-k]
	}
	return lines
}

// Stats counts added and removed lines in a computed diff.
func Stats(lines []Line) Summary {
	var s Summary
	for _, line := range lines {
		switch line.Kind {
		case Added:
			s.Additions++
		case Removed:
			s.Deletions++
		}
	}
	return s
}

// Apply reconstructs the new text from a computed diff. It is the inverse
// check used by tests: Apply(Lines(oldText, newText)) must equal newText.
func Apply(lines []Line) string {
	var out []string
	for _, line := range lines {
		if line.Kind == Removed {
			continue
		}
		out = append(out, line.Text)
	}
	return strings.Join(out, "\n")
}
