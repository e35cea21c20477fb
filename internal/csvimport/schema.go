package csvimport

import (
	"slices"
	"time"

	"github.com/drfirst/go-hms/internal/domain/hospital"
)

// FieldType selects the coercion applied to a raw CSV cell
type FieldType int

const (
	TypeString FieldType = iota
	// TypeID is a primary identifier; empty cells get a placeholder
	TypeID
	TypeInt
	TypeFloat
	TypeBool
	TypeEnum
	// TypeList is a semicolon-delimited list
	TypeList
	// TypeDate is a YYYY-MM-DD date; empty cells default to today
	TypeDate
)

// Value is a coerced cell. Only the member matching the column type is set.
type Value struct {
	Str   string
	Int   int
	Float float64
	Bool  bool
	List  []string
}

// Check is a validation rule. It returns nil when rec passes.
type Check[T any] func(rec *T, snap *Snapshot) error

// Column describes one positional CSV column
type Column[T any] struct {
	Name    string
	Type    FieldType
	Default string
	// Enum lists the allowed literals of a TypeEnum column
	Enum   []string
	Assign func(rec *T, v Value)
	Checks []Check[T]
}

// Schema is the ordered column layout and rule set of one entity kind.
// Checks run in column order and stop at the first failure.
type Schema[T any] struct {
	Kind hospital.Kind
	// HeaderMarker is the first column name, used to detect a header line
	HeaderMarker string
	IDPrefix     string
	Columns      []Column[T]
	// Resolve fills fields derived from the snapshot before validation
	Resolve func(rec *T, snap *Snapshot)
}

// ColumnNames returns the positional column names
func (s *Schema[T]) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Coerce maps positional fields onto a new record. It never fails: missing
// or unparseable cells take the column default.
func (s *Schema[T]) Coerce(fields []string, row int, now time.Time) T {
	var rec T
	for i, col := range s.Columns {
		raw := ""
		if i < len(fields) {
			raw = fields[i]
		}
		col.Assign(&rec, s.coerce(col, raw, row, now))
	}
	return rec
}

func (s *Schema[T]) coerce(col Column[T], raw string, row int, now time.Time) Value {
	switch col.Type {
	case TypeID:
		if raw == "" {
			return Value{Str: placeholderID(s.IDPrefix, now, row)}
		}
		return Value{Str: raw}
	case TypeInt:
		if n, ok := parseLeadingInt(raw); ok {
			return Value{Int: n}
		}
		n, _ := parseLeadingInt(col.Default)
		return Value{Int: n}
	case TypeFloat:
		if f, ok := parseLeadingFloat(raw); ok {
			return Value{Float: f}
		}
		f, _ := parseLeadingFloat(col.Default)
		return Value{Float: f}
	case TypeBool:
		if raw == "" {
			raw = col.Default
		}
		return Value{Bool: parseBool(raw)}
	case TypeEnum:
		if slices.Contains(col.Enum, raw) {
			return Value{Str: raw}
		}
		return Value{Str: col.Default}
	case TypeList:
		return Value{List: parseList(raw)}
	case TypeDate:
		if raw != "" {
			return Value{Str: raw}
		}
		if col.Default != "" {
			return Value{Str: col.Default}
		}
		return Value{Str: hospital.Today(now)}
	default:
		if raw == "" {
			raw = col.Default
		}
		return Value{Str: raw}
	}
}

// Validate runs the column checks in order and returns the first violation
func (s *Schema[T]) Validate(rec *T, snap *Snapshot) error {
	for _, col := range s.Columns {
		for _, check := range col.Checks {
			if err := check(rec, snap); err != nil {
				return err
			}
		}
	}
	return nil
}
