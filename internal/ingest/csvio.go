// Package ingest builds the searchable profile dataset: language filtering,
// LLM label batches against the OpenAI Batch API, platform combination, and
// the final parquet merge. Every step is resumable through state files.
package ingest

import (
	"encoding/csv"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// Rows streams a CSV file as header-keyed records.
type Rows = rowReader

// OpenRows opens a CSV file for streaming reads.
func OpenRows(path string) (*Rows, error) {
	return openRows(path)
}

// RowsWriter writes header-keyed records with a fixed column order.
type RowsWriter = rowWriter

// OpenRowsWriter creates a CSV file with the given header.
func OpenRowsWriter(path string, header []string) (*RowsWriter, error) {
	return createRows(path, header)
}

// rowReader streams one CSV file as header-keyed records.
type rowReader struct {
	file   *os.File
	reader *csv.Reader
	header []string
}

func openRows(path string) (*rowReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, eris.Wrapf(err, "ingest: read header of %s", path)
	}
	return &rowReader{file: file, reader: reader, header: header}, nil
}

// Next returns the next record or io.EOF.
func (r *rowReader) Next() (map[string]string, error) {
	row, err := r.reader.Read()
	if err != nil {
		return nil, err
	}
	record := make(map[string]string, len(r.header))
	for i, col := range r.header {
		if i < len(row) {
			record[col] = row[i]
		}
	}
	return record, nil
}

func (r *rowReader) Close() error { return r.file.Close() }

// rowWriter writes header-keyed records with a fixed column order.
type rowWriter struct {
	file   *os.File
	writer *csv.Writer
	header []string
}

func createRows(path string, header []string) (*rowWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: create %s", path)
	}
	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return nil, eris.Wrapf(err, "ingest: write header of %s", path)
	}
	return &rowWriter{file: file, writer: writer, header: header}, nil
}

func (w *rowWriter) Write(record map[string]string) error {
	row := make([]string, len(w.header))
	for i, col := range w.header {
		row[i] = record[col]
	}
	return w.writer.Write(row)
}

func (w *rowWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		w.file.Close()
		return eris.Wrap(err, "ingest: flush csv")
	}
	return w.file.Close()
}

// readAllRows loads a whole CSV into memory; used for the smaller label and
// combine steps.
func readAllRows(path string) ([]string, []map[string]string, error) {
	rows, err := openRows(path)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var records []map[string]string
	for {
		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, eris.Wrapf(err, "ingest: read %s", path)
		}
		records = append(records, record)
	}
	return rows.header, records, nil
}
