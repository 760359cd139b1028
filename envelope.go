package carto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Operation string

const (
	OpReadTable         Operation = "READ_TABLE"
	OpAddRow            Operation = "ADD_ROW"
	OpUpdateRow         Operation = "UPDATE_ROW"
	OpDeleteRow         Operation = "DELETE_ROW"
	OpGetUniqueValues   Operation = "GET_UNIQUE_VALUES"
	OpSearchTable       Operation = "SEARCH_TABLE"
	OpListTables        Operation = "LIST_TABLES"
	OpGetMigrationStats Operation = "GET_MIGRATION_STATS"
	OpCopyFromJira      Operation = "COPY_FROM_JIRA"
	OpInvalidateCache   Operation = "INVALIDATE_CACHE"
)

const (
	CommandClose        = "CLOSE"
	CommandRefresh      = "REFRESH"
	CommandNotification = "NOTIFICATION"
)

type (
	// Envelope is one of *Request, *Response or *Command.
	Envelope interface {
		envelope()
	}

	Request struct {
		RequestID int64           `json:"requestId"`
		Type      Operation       `json:"type"`
		Params    json.RawMessage `json:"params"`
	}

	Response struct {
		RequestID int64           `json:"requestId"`
		Result    json.RawMessage `json:"result"`
		Error     *string         `json:"error"`
	}

	Command struct {
		Type      string          `json:"type"`
		Params    json.RawMessage `json:"params"`
		IsCommand bool            `json:"isCommand"`
	}

	// anyEnvelope sees every field any envelope kind may carry; pointer and raw
	// fields distinguish absent keys from zero values.
	anyEnvelope struct {
		RequestID *int64          `json:"requestId"`
		Type      *string         `json:"type"`
		Params    json.RawMessage `json:"params"`
		Result    json.RawMessage `json:"result"`
		Error     json.RawMessage `json:"error"`
		IsCommand *bool           `json:"isCommand"`
	}
)

func (*Request) envelope()  {}
func (*Response) envelope() {}
func (*Command) envelope()  {}

// ParseEnvelope decodes and validates one envelope. Anything that does not
// match exactly one known kind is a *ProtocolError.
func ParseEnvelope(data []byte) (Envelope, error) {
	var p anyEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}

	switch {
	case p.IsCommand != nil && *p.IsCommand:
		if p.Type == nil || *p.Type == "" {
			return nil, &ProtocolError{Reason: "command without type"}
		}
		if p.RequestID != nil {
			return nil, &ProtocolError{Reason: "command carries a request id"}
		}
		return &Command{Type: *p.Type, Params: defaultParams(p.Params), IsCommand: true}, nil

	case p.RequestID == nil:
		return nil, &ProtocolError{Reason: "envelope has neither requestId nor isCommand"}

	case *p.RequestID <= 0:
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid request id %d", *p.RequestID)}

	case p.Type != nil:
		if *p.Type == "" {
			return nil, &ProtocolError{Reason: "request without type"}
		}
		return &Request{RequestID: *p.RequestID, Type: Operation(*p.Type), Params: defaultParams(p.Params)}, nil

	default:
		resp := &Response{RequestID: *p.RequestID, Result: p.Result}
		if len(p.Error) > 0 && !bytes.Equal(p.Error, []byte("null")) {
			var msg string
			if err := json.Unmarshal(p.Error, &msg); err != nil {
				return nil, &ProtocolError{Reason: "response error is not a string", Err: err}
			}
			resp.Error = &msg
		}
		return resp, nil
	}
}

// Marshal encodes the envelope. Commands always carry isCommand: true.
func Marshal(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case *Request:
		out := *e
		out.Params = defaultParams(out.Params)
		return json.Marshal(&out)
	case *Response:
		out := *e
		if len(out.Result) == 0 {
			out.Result = json.RawMessage("null")
		}
		return json.Marshal(&out)
	case *Command:
		out := *e
		out.IsCommand = true
		out.Params = defaultParams(out.Params)
		return json.Marshal(&out)
	}
	return nil, &ProtocolError{Reason: fmt.Sprintf("unknown envelope %T", env)}
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return defaultParams(raw), nil
	}
	return json.Marshal(params)
}

func defaultParams(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage("{}")
	}
	return raw
}

type (
	TableParams struct {
		TableName string `json:"tableName"`
	}

	RowParams struct {
		TableName string `json:"tableName"`
		RowIndex  *int   `json:"rowIndex,omitempty"`
		RowData   Row    `json:"rowData,omitempty"`
	}

	ColumnParams struct {
		TableName string `json:"tableName"`
		Column    string `json:"column"`
	}

	SearchParams struct {
		TableName  string   `json:"tableName"`
		SearchTerm string   `json:"searchTerm"`
		Fields     []string `json:"fields,omitempty"`
	}

	CopyParams struct {
		SourceTable string            `json:"sourceTable"`
		TargetTable string            `json:"targetTable"`
		Mapping     map[string]string `json:"mapping,omitempty"`
	}

	NotificationParams struct {
		Message string `json:"message"`
		Level   string `json:"level,omitempty"`
	}
)
