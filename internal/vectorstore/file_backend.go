package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	legacyFileName    = "index.json"
	legacyRetiredName = "index.json.migrated"
	recordExt         = ".json"
)

// legacyIndex is the old single-file layout.
type legacyIndex struct {
	Version int               `json:"version"`
	Items   []persistedRecord `json:"items"`
}

// FileBackend stores one JSON file per record in a directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		// another process may have created it between the check and the create
		if info, statErr := os.Stat(b.dir); statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

func (b *FileBackend) recordPath(id string) string {
	return filepath.Join(b.dir, FileName(id))
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, recordExt) && name != legacyFileName && !strings.HasPrefix(name, ".")
}

func (b *FileBackend) Load(ctx context.Context, visit func(RawRecord) bool) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("read store directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isRecordFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := RawRecord{Source: name}
		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			raw.Err = err
		} else {
			var p persistedRecord
			if err := json.Unmarshal(data, &p); err != nil {
				raw.Err = err
			} else {
				raw = p.raw(name)
			}
		}
		if !visit(raw) {
			return nil
		}
	}
	return nil
}

func (b *FileBackend) Exists(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(b.recordPath(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Put writes through a temp file and rename so a crash never leaves a
// half-written record behind.
func (b *FileBackend) Put(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(persistedRecord{ID: rec.ID, Vector: rec.Vector, Metadata: &rec.Metadata})
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	tmp, err := os.CreateTemp(b.dir, ".record-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, b.recordPath(rec.ID)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (b *FileBackend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(b.recordPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(b.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) LegacyRecords(_ context.Context) ([]RawRecord, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, legacyFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	var idx legacyIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, true, fmt.Errorf("decode legacy index: %w", err)
	}
	records := make([]RawRecord, 0, len(idx.Items))
	for i, item := range idx.Items {
		records = append(records, item.raw(fmt.Sprintf("%s#%d", legacyFileName, i)))
	}
	return records, true, nil
}

func (b *FileBackend) RetireLegacy(_ context.Context) error {
	return os.Rename(filepath.Join(b.dir, legacyFileName), filepath.Join(b.dir, legacyRetiredName))
}
