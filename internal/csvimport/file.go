package csvimport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	// ErrNotCSV is returned for files without a .csv extension
	ErrNotCSV = errors.New("please upload a CSV file")
	// ErrEmptyFile is returned for files with no non-blank content
	ErrEmptyFile = errors.New("file is empty")
	// ErrNotText is returned for files that are not valid UTF-8
	ErrNotText = errors.New("file is not valid UTF-8 text")
)

// CheckText validates an uploaded file before any row is processed. It
// returns the file content as text. A byte order mark selects UTF-8 or
// UTF-16 and is removed; without one the content must be UTF-8.
func CheckText(name string, data []byte) (string, error) {
	if !strings.EqualFold(filepath.Ext(name), ".csv") {
		return "", fmt.Errorf("%s: %w", name, ErrNotCSV)
	}
	decoded, _, err := transform.Bytes(unicode.BOMOverride(encoding.Nop.NewDecoder()), data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotText)
	}
	if strings.TrimSpace(string(decoded)) == "" {
		return "", fmt.Errorf("%s: %w", name, ErrEmptyFile)
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("%s: %w", name, ErrNotText)
	}
	return string(decoded), nil
}

// ReadFile loads and checks a CSV file from disk
func ReadFile(path string) (string, error) {
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		return "", fmt.Errorf("%s: %w", path, ErrNotCSV)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return CheckText(path, data)
}
