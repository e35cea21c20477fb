// Package export writes accepted import records to Parquet files.
package export

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// Writer writes records of one kind to a Parquet file
type Writer[T any] struct {
	file   *os.File
	writer *parquet.GenericWriter[T]
	count  int
}

// NewWriter creates path and a zstd-compressed writer for it
func NewWriter[T any](path string) (*Writer[T], error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](file,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedDefault}),
		parquet.DataPageStatistics(true),
		parquet.CreatedBy("hms-import", "1.0", ""),
	)
	return &Writer[T]{file: file, writer: writer}, nil
}

// Write appends rows
func (w *Writer[T]) Write(rows []T) (int, error) {
	n, err := w.writer.Write(rows)
	w.count += n
	if err != nil {
		return n, fmt.Errorf("write parquet rows: %w", err)
	}
	return n, nil
}

// Close flushes the last row group and closes the file
func (w *Writer[T]) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return w.file.Close()
}

// Count returns the number of rows written
func (w *Writer[T]) Count() int {
	return w.count
}

// WriteFile writes rows to a new file at path
func WriteFile[T any](path string, rows []T) (int, error) {
	w, err := NewWriter[T](path)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(rows)
	if err != nil {
		w.Close()
		return n, err
	}
	return n, w.Close()
}

// ReadFile reads every row of a file written by WriteFile
func ReadFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if n == len(rows) {
		return rows, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows[:n], nil
}
