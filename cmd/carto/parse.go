package main

import (
	"fmt"
	"strconv"
	"strings"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

// parseRow turns COLUMN=VALUE arguments into a row object. Values stay
// strings; the host stores what it is given.
func parseRow(args []string) (carto.Row, error) {
	row := carto.Row{}
	for _, arg := range args {
		column, value, ok := strings.Cut(arg, "=")
		if !ok || column == "" {
			return nil, fmt.Errorf("expected COLUMN=VALUE, got %q", arg)
		}
		if column == carto.RowIndexKey {
			return nil, fmt.Errorf("%s cannot be written", carto.RowIndexKey)
		}
		row[column] = value
	}
	return row, nil
}

func parseIndex(arg string) (int, error) {
	index, err := strconv.Atoi(arg)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("row index must be a non-negative integer, got %q", arg)
	}
	return index, nil
}

func parseMapping(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	mapping := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		from, to, ok := strings.Cut(pair, "=")
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("expected SOURCE=TARGET, got %q", pair)
		}
		mapping[from] = to
	}
	return mapping, nil
}
