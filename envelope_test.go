package carto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Envelope
	}{
		{
			name:  "request",
			input: `{"requestId":1,"type":"READ_TABLE","params":{"tableName":"tProduits"}}`,
			want:  &Request{RequestID: 1, Type: OpReadTable, Params: json.RawMessage(`{"tableName":"tProduits"}`)},
		},
		{
			name:  "request without params",
			input: `{"requestId":7,"type":"LIST_TABLES"}`,
			want:  &Request{RequestID: 7, Type: OpListTables, Params: json.RawMessage(`{}`)},
		},
		{
			name:  "response",
			input: `{"requestId":3,"result":{"success":true},"error":null}`,
			want:  &Response{RequestID: 3, Result: json.RawMessage(`{"success":true}`)},
		},
		{
			name:  "error response",
			input: `{"requestId":3,"result":null,"error":"boom"}`,
			want:  &Response{RequestID: 3, Result: json.RawMessage(`null`), Error: strPtr("boom")},
		},
		{
			name:  "command",
			input: `{"type":"NOTIFICATION","params":{"message":"hi"},"isCommand":true}`,
			want:  &Command{Type: CommandNotification, Params: json.RawMessage(`{"message":"hi"}`), IsCommand: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEnvelope([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEnvelopeRejects(t *testing.T) {
	inputs := map[string]string{
		"not json":              `{`,
		"no id no command":      `{"type":"READ_TABLE"}`,
		"zero id":               `{"requestId":0,"type":"READ_TABLE"}`,
		"negative id":           `{"requestId":-4,"result":null}`,
		"empty request type":    `{"requestId":1,"type":""}`,
		"command with id":       `{"requestId":1,"type":"CLOSE","isCommand":true}`,
		"command without type":  `{"isCommand":true}`,
		"non string error":      `{"requestId":1,"result":null,"error":{"code":1}}`,
		"fractional request id": `{"requestId":1.5,"type":"READ_TABLE"}`,
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(input))
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestMarshal(t *testing.T) {
	assert := assert.New(t)

	data, err := Marshal(&Request{RequestID: 2, Type: OpListTables})
	assert.NoError(err)
	assert.JSONEq(`{"requestId":2,"type":"LIST_TABLES","params":{}}`, string(data))

	data, err = Marshal(&Response{RequestID: 2})
	assert.NoError(err)
	assert.JSONEq(`{"requestId":2,"result":null,"error":null}`, string(data))

	cmd := &Command{Type: CommandRefresh}
	data, err = Marshal(cmd)
	assert.NoError(err)
	assert.JSONEq(`{"type":"REFRESH","params":{},"isCommand":true}`, string(data))
	assert.False(cmd.IsCommand, "caller's value must not change")
}

func TestRowParamsOmitIndexForAdd(t *testing.T) {
	assert := assert.New(t)

	data, err := json.Marshal(RowParams{TableName: "t", RowData: Row{"Nom": "A"}})
	assert.NoError(err)
	assert.JSONEq(`{"tableName":"t","rowData":{"Nom":"A"}}`, string(data))

	idx := 0
	data, err = json.Marshal(RowParams{TableName: "t", RowIndex: &idx})
	assert.NoError(err)
	assert.JSONEq(`{"tableName":"t","rowIndex":0}`, string(data))
}

func TestRowIndex(t *testing.T) {
	assert := assert.New(t)

	for _, v := range []any{3, int64(3), float64(3), json.Number("3")} {
		idx, ok := Row{RowIndexKey: v}.Index()
		assert.True(ok, "%T", v)
		assert.Equal(3, idx)
	}

	_, ok := Row{RowIndexKey: 1.5}.Index()
	assert.False(ok)
	_, ok = Row{"Nom": "A"}.Index()
	assert.False(ok)

	row := Row{RowIndexKey: 0, "Nom": "A"}
	assert.Equal(Row{"Nom": "A"}, row.Without(RowIndexKey))
	assert.Contains(row, RowIndexKey)
	assert.Equal([]any{"A", nil}, row.Values([]string{"Nom", "Prix"}))
}

func TestSnapshotDecodeNormalizes(t *testing.T) {
	snap, err := decodeSnapshot(json.RawMessage(`{"headers":null}`))
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())
	assert.NotNil(t, snap.Headers)
	assert.NotNil(t, snap.Rows)
	assert.NotNil(t, snap.Data)

	data, err := json.Marshal(EmptySnapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"headers":[],"rows":[],"data":[]}`, string(data))
}

func strPtr(s string) *string {
	return &s
}
