// Package store holds the append-only file repositories: JSONL event
// logs, the write-once snapshot store, the trade log and the parquet
// dataset files. Records are never rewritten in place; corrections append
// a newer version of the same entity.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	appconfig "github.com/quantfunk/perptrader/internal/config"
)

// writeTimeKey is injected into every appended record.
const writeTimeKey = "_write_time_utc"

// JSONL is a line-per-record append-only file. Safe for concurrent use.
type JSONL struct {
	path string
	mu   sync.Mutex
}

// NewJSONL creates an appender for path. The file and its directory are
// created lazily on first append.
func NewJSONL(path string) *JSONL {
	return &JSONL{path: path}
}

// Path returns the underlying file path.
func (j *JSONL) Path() string { return j.path }

// Append writes one record with the write time injected.
func (j *JSONL) Append(record map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	record[writeTimeKey] = time.Now().UTC().Unix()

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal record: %w", err)
	}
	return j.appendLine(line)
}

// AppendStruct marshals v through JSON into a record and appends it.
func (j *JSONL) AppendStruct(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal struct: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("store: struct is not an object: %w", err)
	}
	return j.Append(record)
}

func (j *JSONL) appendLine(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", filepath.Dir(j.path), err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", j.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store: append %s: %w", j.path, err)
	}
	return nil
}

// ReadAll returns every parseable record in file order. Malformed lines
// are skipped with a warning so one bad write never poisons the log.
func (j *JSONL) ReadAll() ([]map[string]any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return readJSONLines(j.path)
}

func readJSONLines(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	logger := appconfig.NewLogger("store")
	var records []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			logger.Warn().Str("path", path).Int("line", lineNo).Err(err).Msg("Skipping malformed record")
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("store: scan %s: %w", path, err)
	}
	return records, nil
}
