package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fvbommel/sortorder"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

var (
	ErrTableNotFound  = fmt.Errorf("table not found")
	ErrTableExists    = fmt.Errorf("table already exists")
	ErrRowNotFound    = fmt.Errorf("row not found")
	ErrColumnNotFound = fmt.Errorf("column not found")
)

type (
	// TableStore is an in-memory carto.TableStore. Rows are kept in insertion
	// order, so row indices shift on every delete.
	TableStore struct {
		mu     sync.RWMutex
		tables *btree.Tree[string, *Table]
	}

	Table struct {
		Name           string
		Headers        []string
		Rows           [][]any
		LastModifiedAt time.Time
	}
)

var _ carto.TableStore = (*TableStore)(nil)

func New() *TableStore {
	return &TableStore{
		tables: btree.New[string, *Table](generic.Less[string]),
	}
}

// CreateTable adds an empty table with the given column headers.
func (t *TableStore) CreateTable(name string, headers []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tables.Get(name); ok {
		return fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	t.tables.Put(name, &Table{
		Name:           name,
		Headers:        append([]string(nil), headers...),
		Rows:           [][]any{},
		LastModifiedAt: time.Now(),
	})
	return nil
}

// PutRows replaces the body of an existing table with raw rows.
func (t *TableStore) PutRows(name string, rows [][]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	table, err := t.get(name)
	if err != nil {
		return err
	}
	table.Rows = make([][]any, 0, len(rows))
	for _, row := range rows {
		table.Rows = append(table.Rows, fit(row, len(table.Headers)))
	}
	table.LastModifiedAt = time.Now()
	return nil
}

func (t *TableStore) get(name string) (*Table, error) {
	table, ok := t.tables.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return table, nil
}

func (t *TableStore) ReadTable(ctx context.Context, name string) (carto.TableSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return carto.TableSnapshot{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	table, err := t.get(name)
	if err != nil {
		return carto.TableSnapshot{}, err
	}

	snap := carto.EmptySnapshot()
	snap.Headers = append(snap.Headers, table.Headers...)
	for i, values := range table.Rows {
		snap.Rows = append(snap.Rows, append([]any(nil), values...))
		snap.Data = append(snap.Data, table.rowObject(i))
	}
	return snap, nil
}

func (t *TableStore) AddRow(ctx context.Context, name string, row carto.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	table, err := t.get(name)
	if err != nil {
		return err
	}
	values := make([]any, len(table.Headers))
	for i, h := range table.Headers {
		if v, ok := row[h]; ok {
			values[i] = v
		} else {
			values[i] = ""
		}
	}
	table.Rows = append(table.Rows, values)
	table.LastModifiedAt = time.Now()
	return nil
}

// UpdateRow overwrites the columns present in row; the others keep their value.
func (t *TableStore) UpdateRow(ctx context.Context, name string, rowIndex int, row carto.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	table, err := t.get(name)
	if err != nil {
		return err
	}
	if rowIndex < 0 || rowIndex >= len(table.Rows) {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, name, rowIndex)
	}
	values := table.Rows[rowIndex]
	for i, h := range table.Headers {
		if v, ok := row[h]; ok {
			values[i] = v
		}
	}
	table.LastModifiedAt = time.Now()
	return nil
}

func (t *TableStore) DeleteRow(ctx context.Context, name string, rowIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	table, err := t.get(name)
	if err != nil {
		return err
	}
	if rowIndex < 0 || rowIndex >= len(table.Rows) {
		return fmt.Errorf("%w: %s[%d]", ErrRowNotFound, name, rowIndex)
	}
	table.Rows = append(table.Rows[:rowIndex], table.Rows[rowIndex+1:]...)
	table.LastModifiedAt = time.Now()
	return nil
}

func (t *TableStore) ListTables(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, t.tables.Size())
	t.tables.Each(func(name string, _ *Table) {
		names = append(names, name)
	})
	return names, nil
}

// UniqueValues returns the distinct non-empty values of column in natural
// order ("lot 2" before "lot 10").
func (t *TableStore) UniqueValues(ctx context.Context, name string, column string) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	table, err := t.get(name)
	if err != nil {
		return nil, err
	}
	col := table.column(column)
	if col < 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotFound, name, column)
	}

	seen := make(map[string]any)
	keys := []string{}
	for _, values := range table.Rows {
		v := values[col]
		if v == nil {
			continue
		}
		key := fmt.Sprint(v)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = v
		keys = append(keys, key)
	}
	sort.Sort(sortorder.Natural(keys))

	out := make([]any, 0, len(keys))
	for _, key := range keys {
		out = append(out, seen[key])
	}
	return out, nil
}

// SearchTable returns the rows where any of fields contains term, ignoring
// case. No fields means every column.
func (t *TableStore) SearchTable(ctx context.Context, name string, term string, fields []string) ([]carto.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	table, err := t.get(name)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		fields = table.Headers
	}
	cols := make([]int, 0, len(fields))
	for _, f := range fields {
		if c := table.column(f); c >= 0 {
			cols = append(cols, c)
		}
	}

	needle := strings.ToLower(strings.TrimSpace(term))
	rows := []carto.Row{}
	for i, values := range table.Rows {
		if needle == "" || matches(values, cols, needle) {
			rows = append(rows, table.rowObject(i))
		}
	}
	return rows, nil
}

func (t *TableStore) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tables.Size()
}

func (t *Table) column(name string) int {
	for i, h := range t.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

func (t *Table) rowObject(i int) carto.Row {
	row := carto.Row{carto.RowIndexKey: i}
	for c, h := range t.Headers {
		row[h] = t.Rows[i][c]
	}
	return row
}

func matches(values []any, cols []int, needle string) bool {
	for _, c := range cols {
		if values[c] == nil {
			continue
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(values[c])), needle) {
			return true
		}
	}
	return false
}

func fit(row []any, width int) []any {
	out := make([]any, width)
	for i := range out {
		if i < len(row) {
			out[i] = row[i]
		} else {
			out[i] = ""
		}
	}
	return out
}
