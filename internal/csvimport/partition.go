package csvimport

import (
	"fmt"
	"time"
)

// Options tunes a Process call
type Options struct {
	// Now stamps placeholder identifiers and default dates. Defaults to time.Now.
	Now func() time.Time
}

// RowError reports why one data row was rejected
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary counts the data rows of one run. Valid + Invalid == Total.
type Summary struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

// Outcome is the partitioned result of processing one file
type Outcome[T any] struct {
	Valid   []T        `json:"valid"`
	Errors  []RowError `json:"errors"`
	Summary Summary    `json:"summary"`
}

// Process tokenizes text, coerces and validates every data row, and splits
// the rows into accepted records and row errors. Every data row ends up in
// exactly one of the two, in file order. A nil snapshot is treated as empty.
//
// Identifiers repeated within the same file are not detected; only the
// snapshot is consulted.
func Process[T any](text string, schema *Schema[T], snap *Snapshot, opts Options) *Outcome[T] {
	if snap == nil {
		snap = &Snapshot{}
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	ts := now()

	out := &Outcome[T]{
		Valid:  []T{},
		Errors: []RowError{},
	}
	for row := range Rows(text, schema.HeaderMarker) {
		out.Summary.Total++

		rec, err := processRow(row, schema, snap, ts)
		if err != nil {
			out.Errors = append(out.Errors, RowError{Row: row.Number, Message: err.Error()})
			continue
		}
		out.Valid = append(out.Valid, rec)
	}
	out.Summary.Valid = len(out.Valid)
	out.Summary.Invalid = len(out.Errors)
	return out
}

// processRow isolates one row so that a panic in a column hook only rejects
// that row.
func processRow[T any](row Row, schema *Schema[T], snap *Snapshot, now time.Time) (rec T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Error processing row: %v", r)
		}
	}()

	rec = schema.Coerce(row.Fields, row.Number, now)
	if schema.Resolve != nil {
		schema.Resolve(&rec, snap)
	}
	if err := schema.Validate(&rec, snap); err != nil {
		return rec, err
	}
	return rec, nil
}
