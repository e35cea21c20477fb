package csvimport

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	leadingIntRe   = regexp.MustCompile(`^[+-]?\d+`)
	leadingFloatRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)
)

// parseLeadingInt reads the integer prefix of s: "12abc" → 12, "3.7" → 3
func parseLeadingInt(s string) (int, bool) {
	m := leadingIntRe.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseLeadingFloat reads the floating point prefix of s: "23.5kg" → 23.5
func parseLeadingFloat(s string) (float64, bool) {
	m := leadingFloatRe.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseBool(s string) bool {
	return s == "true" || s == "1"
}

// parseList splits a semicolon-delimited cell.
//
// A cell wrapped in double quotes loses exactly one outer pair; CSV-escaped
// quotes ("") are then collapsed, which can expose one more wrapping pair.
// So both "Diabetes;Asthma" and """Diabetes;Asthma""" yield [Diabetes Asthma].
func parseList(s string) []string {
	if isQuoted(s) {
		s = strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
		if isQuoted(s) {
			s = s[1 : len(s)-1]
		}
	}

	var items []string
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return []string{"None"}
	}
	return items
}

func isQuoted(s string) bool {
	return len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"'
}

// placeholderID builds a fallback identifier for a row that carried none
func placeholderID(prefix string, now time.Time, row int) string {
	return fmt.Sprintf("%s-%d-%d", prefix, now.UnixMilli(), row)
}
