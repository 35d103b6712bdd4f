// Package diff computes line-level differences between two document versions.
package diff

import "strings"

type LineType string

const (
	Added     LineType = "added"
	Removed   LineType = "removed"
	Unchanged LineType = "unchanged"
)

// Line is one side's view of a diff row. LineNumber counts only lines present on that side.
type Line struct {
	Type       LineType `json:"type"`
	Content    string   `json:"content"`
	LineNumber int      `json:"lineNumber"`
}

type Result struct {
	Old []Line `json:"oldLines"`
	New []Line `json:"newLines"`
}

type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// Compute splits both texts on newlines and diffs the resulting lines.
func Compute(oldText, newText string) Result {
	return Lines(strings.Split(oldText, "\n"), strings.Split(newText, "\n"))
}

// Lines diffs two line sequences using a longest-common-subsequence table.
// When walking back through the table, an ambiguous step is taken as an
// insertion on the new side before a deletion on the old side.
func Lines(oldLines, newLines []string) Result {
	table := lcsTable(oldLines, newLines)

	type step struct {
		kind    LineType
		oldLine string
		newLine string
	}
	steps := make([]step, 0, len(oldLines)+len(newLines))

	i, j := len(oldLines), len(newLines)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && oldLines[i-1] == newLines[j-1]:
			steps = append(steps, step{kind: Unchanged, oldLine: oldLines[i-1], newLine: newLines[j-1]})
			i--
			j--
		case j > 0 && (i == 0 || table[i][j-1] >= table[i-1][j]):
			steps = append(steps, step{kind: Added, newLine: newLines[j-1]})
			j--
		default:
			steps = append(steps, step{kind: Removed, oldLine: oldLines[i-1]})
			i--
		}
	}

	result := Result{
		Old: make([]Line, 0, len(oldLines)),
		New: make([]Line, 0, len(newLines)),
	}
	oldNumber, newNumber := 0, 0
	for k := len(steps) - 1; k >= 0; k-- {
		s := steps[k]
		switch s.kind {
		case Unchanged:
			oldNumber++
			newNumber++
			result.Old = append(result.Old, Line{Type: Unchanged, Content: s.oldLine, LineNumber: oldNumber})
			result.New = append(result.New, Line{Type: Unchanged, Content: s.newLine, LineNumber: newNumber})
		case Removed:
			oldNumber++
			result.Old = append(result.Old, Line{Type: Removed, Content: s.oldLine, LineNumber: oldNumber})
		case Added:
			newNumber++
			result.New = append(result.New, Line{Type: Added, Content: s.newLine, LineNumber: newNumber})
		}
	}
	return result
}

func Stats(result Result) Summary {
	var summary Summary
	for _, line := range result.Old {
		switch line.Type {
		case Removed:
			summary.Removed++
		case Unchanged:
			summary.Unchanged++
		}
	}
	for _, line := range result.New {
		if line.Type == Added {
			summary.Added++
		}
	}
	return summary
}

func lcsTable(a, b []string) [][]int {
	table := make([][]int, len(a)+1)
	for i := range table {
		table[i] = make([]int, len(b)+1)
	}
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				table[i][j] = table[i-1][j-1] + 1
			} else {
				table[i][j] = max(table[i-1][j], table[i][j-1])
			}
		}
	}
	return table
}
