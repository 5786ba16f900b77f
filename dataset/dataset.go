// Package dataset implements the dataset boundary of the engine: an ordered
// sequence of JSON rows with stable ids, stored as line-delimited JSON.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/BaSui01/dataforge/fingerprint"
	"github.com/BaSui01/dataforge/types"
)

// Dataset is an in-memory ordered collection of JSON object rows. The row's
// position is its stable id for the run.
type Dataset struct {
	rows []json.RawMessage
}

// New creates a dataset from raw rows, preserving order.
func New(rows []json.RawMessage) *Dataset {
	return &Dataset{rows: rows}
}

// FromValues creates a dataset by marshalling each value to a row.
func FromValues(values []map[string]any) (*Dataset, error) {
	rows := make([]json.RawMessage, 0, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal row %d: %w", i, err)
		}
		rows = append(rows, data)
	}
	return &Dataset{rows: rows}, nil
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.rows) }

// Row returns the raw row at index i.
func (d *Dataset) Row(i int) json.RawMessage { return d.rows[i] }

// Rows returns all raw rows in order.
func (d *Dataset) Rows() []json.RawMessage { return d.rows }

// Fingerprint computes the content fingerprint of the dataset. Row order is
// significant.
func (d *Dataset) Fingerprint() fingerprint.Fingerprint {
	h := fingerprint.NewHasher()
	for _, row := range d.rows {
		h.WriteRow(bytes.TrimSpace(row))
	}
	return h.Sum()
}

// ReadJSONL loads a dataset from a line-delimited JSON file.
func ReadJSONL(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var rows []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("dataset line %d: invalid JSON", line)
		}
		rows = append(rows, append(json.RawMessage(nil), data...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return &Dataset{rows: rows}, nil
}

// WriteJSONL writes the dataset to a line-delimited JSON file.
func (d *Dataset) WriteJSONL(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, row := range d.rows {
		if _, err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("write dataset row: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return fmt.Errorf("write dataset row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush dataset: %w", err)
	}
	return f.Close()
}

// Assemble joins the input dataset with completed responses by row id and
// returns the output dataset in input order. Each output row carries all
// input columns plus the response column; completion order of responses is
// irrelevant.
//
// Every input row must have exactly one response; missing or duplicate row
// ids are an error.
func Assemble(input *Dataset, responses []types.GenericResponse) (*Dataset, error) {
	byIdx := make(map[int]*types.GenericResponse, len(responses))
	for i := range responses {
		idx := responses[i].GenericRequest.OriginalRowIdx
		if _, dup := byIdx[idx]; dup {
			return nil, fmt.Errorf("duplicate response for row %d", idx)
		}
		byIdx[idx] = &responses[i]
	}

	rows := make([]json.RawMessage, 0, input.Len())
	for i := 0; i < input.Len(); i++ {
		resp, ok := byIdx[i]
		if !ok {
			return nil, fmt.Errorf("missing response for row %d", i)
		}

		var row map[string]any
		if err := json.Unmarshal(input.Row(i), &row); err != nil {
			return nil, fmt.Errorf("decode input row %d: %w", i, err)
		}
		if resp.ResponseMessage != nil {
			row["response"] = *resp.ResponseMessage
		} else {
			row["response"] = nil
		}
		if len(resp.ResponseErrors) > 0 {
			row["response_errors"] = resp.ResponseErrors
		}

		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode output row %d: %w", i, err)
		}
		rows = append(rows, data)
	}
	return &Dataset{rows: rows}, nil
}

// CountLines counts newline-terminated records in a file without decoding
// them. Used to size progress reporting for large request files.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	buf := make([]byte, 1024*1024)
	for {
		n, err := f.Read(buf)
		count += bytes.Count(buf[:n], []byte{'\n'})
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, err
		}
	}
}
