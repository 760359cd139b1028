package carto

import (
	"encoding/json"
	"math"
)

// RowIndexKey is the row object field holding the row's position in the data
// body at read time.
const RowIndexKey = "_rowIndex"

type (
	// TableSnapshot is a full table read as of one point in time.
	TableSnapshot struct {
		Headers []string `json:"headers"`
		Rows    [][]any  `json:"rows"`
		Data    []Row    `json:"data"`
	}

	// Row is a row object keyed by column name. Its RowIndexKey entry is only
	// trustworthy until the next write to the same table.
	Row map[string]any
)

// EmptySnapshot is the well-formed result served when nothing better is
// available.
func EmptySnapshot() TableSnapshot {
	return TableSnapshot{
		Headers: []string{},
		Rows:    [][]any{},
		Data:    []Row{},
	}
}

// IsEmpty reports whether the snapshot carries no headers and no rows.
func (s TableSnapshot) IsEmpty() bool {
	return len(s.Headers) == 0 && len(s.Data) == 0 && len(s.Rows) == 0
}

// normalize replaces nil slices so the snapshot always encodes as arrays.
func (s TableSnapshot) normalize() TableSnapshot {
	if s.Headers == nil {
		s.Headers = []string{}
	}
	if s.Rows == nil {
		s.Rows = [][]any{}
	}
	if s.Data == nil {
		s.Data = []Row{}
	}
	return s
}

// Index returns the row's positional index. Numbers decoded from JSON arrive
// as float64 and are accepted when integral.
func (r Row) Index() (int, bool) {
	switch v := r[RowIndexKey].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || v < 0 {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Values returns the row's cells ordered by headers.
func (r Row) Values(headers []string) []any {
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = r[h]
	}
	return values
}

// Without returns a copy of the row lacking the positional index, which must
// never be written back to the store.
func (r Row) Without(keys ...string) Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Clone returns a deep copy of the snapshot's slices and row objects. Cell
// values are JSON scalars and are shared.
func (s TableSnapshot) Clone() TableSnapshot {
	out := TableSnapshot{
		Headers: append([]string{}, s.Headers...),
		Rows:    make([][]any, len(s.Rows)),
		Data:    make([]Row, len(s.Data)),
	}
	for i, values := range s.Rows {
		out.Rows[i] = append([]any{}, values...)
	}
	for i, row := range s.Data {
		out.Data[i] = row.Without()
	}
	return out
}

func decodeSnapshot(raw json.RawMessage) (TableSnapshot, error) {
	var snap TableSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return TableSnapshot{}, err
	}
	return snap.normalize(), nil
}
