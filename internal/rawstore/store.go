// Package rawstore persists one parquet file per data source and replaces it
// wholesale on every save, so readers never lock and never see a partial file.
package rawstore

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"oventime/internal/model"
)

// record is the long layout: one parquet row per (timestamp, field).
type record struct {
	Timestamp int64    `parquet:"name=timestamp, type=INT64"`
	Field     string   `parquet:"name=field, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value     *float64 `parquet:"name=value, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// Store is a directory of per-source parquet files.
type Store struct {
	dir string

	// serialises writers of the same source; readers never take it
	mu sync.Mutex
}

// Open creates dir if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rawstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the published file of a source.
func (s *Store) Path(source string) string {
	return filepath.Join(s.dir, source+".parquet")
}

// Load reads a source's frame. A missing file yields an empty frame.
func (s *Store) Load(source string, fields []string) (*model.Frame, error) {
	f := model.NewFrame(source, fields)
	path := s.Path(source)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return f, nil
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("rawstore: open %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(record), 4)
	if err != nil {
		return nil, fmt.Errorf("rawstore: reader %s: %w", path, err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	recs := make([]record, n)
	if n > 0 {
		if err := pr.Read(&recs); err != nil {
			return nil, fmt.Errorf("rawstore: read %s: %w", path, err)
		}
	}

	rows := make([]model.Row, 0, n/max(len(fields), 1))
	byTS := make(map[int64]int)
	for _, rec := range recs {
		j := f.FieldIndex(rec.Field)
		if j < 0 {
			continue
		}
		i, ok := byTS[rec.Timestamp]
		if !ok {
			vals := make([]float64, len(fields))
			for k := range vals {
				vals[k] = math.NaN()
			}
			rows = append(rows, model.Row{TS: time.UnixMilli(rec.Timestamp).UTC(), Values: vals})
			i = len(rows) - 1
			byTS[rec.Timestamp] = i
		}
		if rec.Value != nil {
			rows[i].Values[j] = *rec.Value
		}
	}
	return f.Merge(rows), nil
}

// Save writes the frame to <file>.tmp and renames it over the published file.
func (s *Store) Save(f *model.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	path := s.Path(f.Source)
	tmp := path + ".tmp"

	if err := writeFile(tmp, f); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rawstore: publish %s: %w", path, err)
	}

	log.Printf("[rawstore] saved %s: %d rows in %v", f.Source, f.Len(), time.Since(start))
	return nil
}

func writeFile(path string, f *model.Frame) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("rawstore: create %s: %w", path, err)
	}

	pw, err := writer.NewParquetWriter(fw, new(record), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("rawstore: writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range f.Rows {
		ms := r.TS.UnixMilli()
		for j, name := range f.Fields {
			rec := record{Timestamp: ms, Field: name}
			if v := r.Values[j]; !math.IsNaN(v) {
				rec.Value = &v
			}
			if err := pw.Write(rec); err != nil {
				pw.WriteStop()
				fw.Close()
				return fmt.Errorf("rawstore: write %s: %w", path, err)
			}
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("rawstore: finalize %s: %w", path, err)
	}
	return fw.Close()
}
