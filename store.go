package carto

import "context"

type (
	// TableStore is the host-side source of truth. Row indices follow the
	// positional semantics of TableSnapshot.
	TableStore interface {
		ReadTable(ctx context.Context, name string) (TableSnapshot, error)
		AddRow(ctx context.Context, name string, row Row) error
		UpdateRow(ctx context.Context, name string, rowIndex int, row Row) error
		DeleteRow(ctx context.Context, name string, rowIndex int) error
		ListTables(ctx context.Context) ([]string, error)
		UniqueValues(ctx context.Context, name string, column string) ([]any, error)
		SearchTable(ctx context.Context, name string, term string, fields []string) ([]Row, error)
	}

	// CacheInvalidator is implemented by stores that keep their own read cache.
	// An empty name drops every table.
	CacheInvalidator interface {
		InvalidateCache(name string)
	}
)
