package carto

import (
	"context"
	"encoding/json"
	"fmt"
)

const DefaultStatusColumn = "Statut"

type (
	MigrationStats struct {
		Table   string         `json:"tableName"`
		Column  string         `json:"column"`
		Total   int            `json:"total"`
		ByValue map[string]int `json:"byValue"`
	}

	CopyResult struct {
		Copied int `json:"copied"`
	}
)

// MigrationStatsHandler counts the rows of a table grouped by a status column.
func MigrationStatsHandler(store TableStore) OperationFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodeParams[ColumnParams](raw)
		if err != nil {
			return nil, err
		}
		if err := requireTable(p.TableName); err != nil {
			return nil, err
		}
		if p.Column == "" {
			p.Column = DefaultStatusColumn
		}

		snap, err := store.ReadTable(ctx, p.TableName)
		if err != nil {
			return nil, err
		}

		stats := MigrationStats{
			Table:   p.TableName,
			Column:  p.Column,
			Total:   len(snap.Data),
			ByValue: make(map[string]int),
		}
		for _, row := range snap.Data {
			value := ""
			if v, ok := row[p.Column]; ok && v != nil {
				value = fmt.Sprint(v)
			}
			stats.ByValue[value]++
		}
		return stats, nil
	}
}

// CopyRowsHandler appends every row of a source table to a target table.
// Mapping renames source columns to target columns; unmapped columns are
// copied under their own name when the target has them.
func CopyRowsHandler(store TableStore) OperationFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		p, err := decodeParams[CopyParams](raw)
		if err != nil {
			return nil, err
		}
		if p.SourceTable == "" || p.TargetTable == "" {
			return nil, fmt.Errorf("sourceTable and targetTable are required")
		}

		source, err := store.ReadTable(ctx, p.SourceTable)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.SourceTable, err)
		}
		target, err := store.ReadTable(ctx, p.TargetTable)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p.TargetTable, err)
		}

		columns := make(map[string]bool, len(target.Headers))
		for _, h := range target.Headers {
			columns[h] = true
		}

		result := CopyResult{}
		for _, row := range source.Data {
			out := make(Row)
			for k, v := range row {
				if k == RowIndexKey {
					continue
				}
				name := k
				if mapped, ok := p.Mapping[k]; ok {
					name = mapped
				}
				if columns[name] {
					out[name] = v
				}
			}
			if len(out) == 0 {
				continue
			}
			if err := store.AddRow(ctx, p.TargetTable, out); err != nil {
				return nil, fmt.Errorf("copy row %d into %s: %w", result.Copied, p.TargetTable, err)
			}
			result.Copied++
		}
		return result, nil
	}
}
