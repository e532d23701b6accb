package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	appconfig "github.com/quantfunk/perptrader/internal/config"
)

// AppendParquet appends rows to a parquet file by reading the existing
// rows, concatenating and atomically rewriting. Dataset files stay small
// enough (thousands of rows) that the rewrite is cheap; when parquet IO
// fails the rows land in a JSONL sidecar so no data is lost.
func AppendParquet[T any](path string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", filepath.Dir(path), err)
	}

	var existing []T
	if _, err := os.Stat(path); err == nil {
		existing, err = parquet.ReadFile[T](path)
		if err != nil {
			return appendJSONLFallback(path, rows, fmt.Errorf("read existing: %w", err))
		}
	}

	all := append(existing, rows...)
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, all); err != nil {
		os.Remove(tmp)
		return appendJSONLFallback(path, rows, fmt.Errorf("write: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return appendJSONLFallback(path, rows, fmt.Errorf("rename: %w", err))
	}
	return nil
}

// ReadParquet loads every row of a dataset file; a missing file is an
// empty dataset.
func ReadParquet[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("store: read parquet %s: %w", path, err)
	}
	return rows, nil
}

func appendJSONLFallback[T any](path string, rows []T, cause error) error {
	fallback := path + ".jsonl"
	logger := appconfig.NewLogger("store")
	logger.Warn().
		Str("path", path).
		Str("fallback", fallback).
		Err(cause).
		Msg("Parquet write failed, appending JSONL fallback")

	sink := NewJSONL(fallback)
	for _, row := range rows {
		if err := sink.AppendStruct(row); err != nil {
			return fmt.Errorf("store: parquet fallback for %s: %w", path, err)
		}
	}
	return nil
}
