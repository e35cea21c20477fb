// Package csvimport converts uploaded CSV text into validated hospital records.
//
// A run tokenizes the text into rows, coerces every row into a typed candidate
// record through an ordered column schema, validates the candidate against a
// snapshot of identifiers that already exist, and partitions the rows into
// accepted records and row errors.
package csvimport

import (
	"iter"
	"slices"
	"strings"
)

// Row is one data line of an uploaded file
type Row struct {
	// Number is the 1-based position among the non-empty lines of the file,
	// header included.
	Number int
	Fields []string
}

// Rows yields the data rows of text in file order.
//
// Lines that are empty after trimming are dropped before numbering. When the
// first remaining line contains headerMarker it is treated as a header and
// skipped, so the first data row is numbered 2; otherwise it is numbered 1.
// Fields are split on commas without quote handling.
func Rows(text, headerMarker string) iter.Seq[Row] {
	lines := nonEmptyLines(text)
	start := 0
	if len(lines) > 0 && headerMarker != "" && strings.Contains(lines[0], headerMarker) {
		start = 1
	}

	return func(yield func(Row) bool) {
		for i := start; i < len(lines); i++ {
			if !yield(Row{Number: i + 1, Fields: splitFields(lines[i])}) {
				return
			}
		}
	}
}

// Tokenize collects Rows into a slice
func Tokenize(text, headerMarker string) []Row {
	return slices.Collect(Rows(text, headerMarker))
}

func nonEmptyLines(text string) []string {
	text = strings.TrimPrefix(text, "\ufeff")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func splitFields(line string) []string {
	fields := strings.Split(line, ",")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}
