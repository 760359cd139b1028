package carto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type (
	// Router is the host side of the boundary. It answers every request
	// envelope with exactly one response and runs command envelopes without
	// answering.
	Router struct {
		store TableStore

		mu       sync.RWMutex
		ops      map[Operation]OperationFunc
		commands map[string]CommandFunc
	}

	OperationFunc func(ctx context.Context, params json.RawMessage) (any, error)
	CommandFunc   func(ctx context.Context, params json.RawMessage) error

	RouterOption func(r *Router)
)

// WithOperation registers an extra operation at construction time.
func WithOperation(op Operation, fn OperationFunc) RouterOption {
	return func(r *Router) {
		r.ops[op] = fn
	}
}

func WithCommand(commandType string, fn CommandFunc) RouterOption {
	return func(r *Router) {
		r.commands[commandType] = fn
	}
}

func NewRouter(store TableStore, options ...RouterOption) *Router {
	r := &Router{
		store:    store,
		ops:      make(map[Operation]OperationFunc),
		commands: make(map[string]CommandFunc),
	}

	r.ops[OpReadTable] = r.readTable
	r.ops[OpAddRow] = r.addRow
	r.ops[OpUpdateRow] = r.updateRow
	r.ops[OpDeleteRow] = r.deleteRow
	r.ops[OpGetUniqueValues] = r.uniqueValues
	r.ops[OpSearchTable] = r.searchTable
	r.ops[OpListTables] = r.listTables
	r.ops[OpInvalidateCache] = r.invalidateCache

	for _, name := range []string{CommandClose, CommandRefresh, CommandNotification} {
		r.commands[name] = logCommand(name)
	}

	for _, option := range options {
		option(r)
	}
	return r
}

// Handle registers fn for op, replacing any previous handler.
func (r *Router) Handle(op Operation, fn OperationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fn == nil {
		delete(r.ops, op)
		return
	}
	r.ops[op] = fn
}

// HandleCommand registers fn for a command type, replacing any previous handler.
func (r *Router) HandleCommand(commandType string, fn CommandFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fn == nil {
		delete(r.commands, commandType)
		return
	}
	r.commands[commandType] = fn
}

// OnMessage handles one inbound envelope and returns the serialized response,
// or nil when nothing is owed (commands and unparseable input).
func (r *Router) OnMessage(ctx context.Context, raw []byte) []byte {
	env, err := ParseEnvelope(raw)
	if err != nil {
		glog.Warningf("router: dropped inbound message: %s", err)
		return nil
	}

	switch e := env.(type) {
	case *Command:
		r.runCommand(ctx, e)
		return nil

	case *Request:
		resp := r.dispatch(ctx, e)
		data, err := Marshal(resp)
		if err != nil {
			msg := fmt.Sprintf("encode result: %s", err)
			data, _ = Marshal(&Response{RequestID: e.RequestID, Error: &msg})
		}
		return data
	}

	glog.Warningf("router: dropped inbound message: %s", &ProtocolError{Reason: fmt.Sprintf("unexpected %T", env)})
	return nil
}

func (r *Router) dispatch(ctx context.Context, req *Request) (resp *Response) {
	resp = &Response{RequestID: req.RequestID}

	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("router: %s request %d panicked: %v", req.Type, req.RequestID, p)
			msg := fmt.Sprintf("internal error: %v", p)
			resp = &Response{RequestID: req.RequestID, Error: &msg}
		}
	}()

	r.mu.RLock()
	fn := r.ops[req.Type]
	r.mu.RUnlock()

	if fn == nil {
		msg := fmt.Sprintf("%s: %s", ErrUnsupported, req.Type)
		resp.Error = &msg
		return resp
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		msg := err.Error()
		resp.Error = &msg
		return resp
	}

	data, err := json.Marshal(result)
	if err != nil {
		msg := fmt.Sprintf("encode result: %s", err)
		resp.Error = &msg
		return resp
	}
	resp.Result = data

	glog.V(2).Infof("router: %s request %d answered", req.Type, req.RequestID)
	return resp
}

func (r *Router) runCommand(ctx context.Context, cmd *Command) {
	r.mu.RLock()
	fn := r.commands[cmd.Type]
	r.mu.RUnlock()

	if fn == nil {
		glog.Warningf("router: unknown command %q dropped", cmd.Type)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("router: command %s panicked: %v", cmd.Type, p)
		}
	}()

	if err := fn(ctx, cmd.Params); err != nil {
		glog.Warningf("router: command %s failed: %s", cmd.Type, err)
	}
}

func logCommand(name string) CommandFunc {
	return func(ctx context.Context, params json.RawMessage) error {
		glog.Infof("router: command %s %s", name, params)
		return nil
	}
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(defaultParams(raw), &v); err != nil {
		return v, fmt.Errorf("invalid params: %w", err)
	}
	return v, nil
}

func requireTable(name string) error {
	if name == "" {
		return fmt.Errorf("tableName is required")
	}
	return nil
}

func (r *Router) readTable(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[TableParams](raw)
	if err != nil {
		return nil, err
	}
	if err := requireTable(p.TableName); err != nil {
		return nil, err
	}
	snap, err := r.store.ReadTable(ctx, p.TableName)
	if err != nil {
		return nil, err
	}
	return snap.normalize(), nil
}

func (r *Router) addRow(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[RowParams](raw)
	if err != nil {
		return nil, err
	}
	if err := requireTable(p.TableName); err != nil {
		return nil, err
	}
	if err := r.store.AddRow(ctx, p.TableName, p.RowData.Without(RowIndexKey)); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (r *Router) updateRow(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[RowParams](raw)
	if err != nil {
		return nil, err
	}
	if err := requireTable(p.TableName); err != nil {
		return nil, err
	}
	if p.RowIndex == nil {
		return nil, fmt.Errorf("rowIndex is required")
	}
	if err := r.store.UpdateRow(ctx, p.TableName, *p.RowIndex, p.RowData.Without(RowIndexKey)); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (r *Router) deleteRow(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[RowParams](raw)
	if err != nil {
		return nil, err
	}
	if err := requireTable(p.TableName); err != nil {
		return nil, err
	}
	if p.RowIndex == nil {
		return nil, fmt.Errorf("rowIndex is required")
	}
	if err := r.store.DeleteRow(ctx, p.TableName, *p.RowIndex); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (r *Router) uniqueValues(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[ColumnParams](raw)
	if err != nil {
		return nil, err
	}
	if err := requireTable(p.TableName); err != nil {
		return nil, err
	}
	values, err := r.store.UniqueValues(ctx, p.TableName, p.Column)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = []any{}
	}
	return values, nil
}

func (r *Router) searchTable(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[SearchParams](raw)
	if err != nil {
		return nil, err
	}
	if err := requireTable(p.TableName); err != nil {
		return nil, err
	}
	rows, err := r.store.SearchTable(ctx, p.TableName, p.SearchTerm, p.Fields)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

func (r *Router) listTables(ctx context.Context, _ json.RawMessage) (any, error) {
	names, err := r.store.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (r *Router) invalidateCache(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := decodeParams[TableParams](raw)
	if err != nil {
		return nil, err
	}
	if inv, ok := r.store.(CacheInvalidator); ok {
		inv.InvalidateCache(p.TableName)
	}
	return map[string]bool{"success": true}, nil
}
