package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

func TestParseRow(t *testing.T) {
	a := assert.New(t)

	row, err := parseRow([]string{"Nom=Facturation", "Lot=lot 1", "Note=a=b", "Vide="})
	a.NoError(err)
	a.Equal(carto.Row{"Nom": "Facturation", "Lot": "lot 1", "Note": "a=b", "Vide": ""}, row)

	_, err = parseRow([]string{"Nom"})
	a.Error(err)
	_, err = parseRow([]string{"=x"})
	a.Error(err)
	_, err = parseRow([]string{"_rowIndex=3"})
	a.Error(err)
}

func TestParseIndex(t *testing.T) {
	a := assert.New(t)

	index, err := parseIndex("12")
	a.NoError(err)
	a.Equal(12, index)

	_, err = parseIndex("-1")
	a.Error(err)
	_, err = parseIndex("two")
	a.Error(err)
}

func TestParseMapping(t *testing.T) {
	a := assert.New(t)

	m, err := parseMapping([]string{"Summary=Nom", "Lot=Lot"})
	a.NoError(err)
	a.Equal(map[string]string{"Summary": "Nom", "Lot": "Lot"}, m)

	m, err = parseMapping(nil)
	a.NoError(err)
	a.Nil(m)

	_, err = parseMapping([]string{"Summary"})
	a.Error(err)
}

func TestWriteSnapshot(t *testing.T) {
	snap := carto.EmptySnapshot()
	snap.Headers = []string{"Nom", "Lot"}
	snap.Rows = [][]any{{"Alpha", nil}}
	snap.Data = []carto.Row{{carto.RowIndexKey: float64(0), "Nom": "Alpha", "Lot": nil}}

	var buf bytes.Buffer
	assert.NoError(t, writeSnapshot(&buf, snap))
	assert.Equal(t, "#  Nom    Lot\n0  Alpha  \n", buf.String())
}
