package carto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid/v2"
)

type (
	// Session is the per-UI-session context: one request channel, both cache
	// tiers and the connection state, shared by reference by every caller of
	// the session and by nobody else.
	Session struct {
		id        ulid.ULID
		channel   *RequestChannel
		ephemeral *EphemeralCache
		durable   *DurableCache
		state     *ConnectionState
		now       func() time.Time
		closers   []io.Closer

		// distrust marks durable entries that a write should have removed
		// but storage refused to; they are ignored until saved again.
		mu          sync.Mutex
		distrust    map[string]bool
		distrustAll bool
		resaved     map[string]bool
	}

	SessionOption func(s *Session)
)

func WithSessionID(id ulid.ULID) SessionOption {
	return func(s *Session) {
		s.id = id
	}
}

func WithEphemeralCache(c *EphemeralCache) SessionOption {
	return func(s *Session) {
		s.ephemeral = c
	}
}

func WithDurableCache(c *DurableCache) SessionOption {
	return func(s *Session) {
		s.durable = c
	}
}

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCloser hands ownership of c to the session; Close closes it.
func WithCloser(c io.Closer) SessionOption {
	return func(s *Session) {
		s.closers = append(s.closers, c)
	}
}

// NewSession builds the session context. Caches not supplied through options
// get defaults, the durable tier over storage.
func NewSession(channel *RequestChannel, storage Storage, options ...SessionOption) *Session {
	s := &Session{
		id:      ulid.Make(),
		channel: channel,
		state:    NewConnectionState(),
		now:      time.Now,
		distrust: map[string]bool{},
		resaved:  map[string]bool{},
	}
	for _, option := range options {
		option(s)
	}
	if s.ephemeral == nil {
		s.ephemeral = NewEphemeralCache(WithClock(s.now))
	}
	if s.durable == nil {
		s.durable = NewDurableCache(storage, WithClock(s.now))
	}
	return s
}

func (s *Session) ID() ulid.ULID {
	return s.id
}

func (s *Session) Status() ConnectionStatus {
	return s.state.Current()
}

// State exposes the connection state for observation.
func (s *Session) State() *ConnectionState {
	return s.state
}

// ReadTable never fails: it serves the freshest data available and degrades
// to cached or empty snapshots, recording the outcome in the connection state.
// A read abandoned by its caller says nothing about the host and leaves the
// state alone.
func (s *Session) ReadTable(ctx context.Context, name string) TableSnapshot {
	if snap, ok := s.ephemeral.Get(name); ok {
		return snap
	}

	local := context.WithoutCancel(ctx)
	cached, haveCached := s.durable.Get(local, name)
	haveCached = haveCached && s.trusted(name)
	if haveCached && cached.IsFresh {
		s.ephemeral.SetAt(name, cached.Data, cached.SavedAt)
		return cached.Data
	}

	snap, err := s.fetch(ctx, name)
	if err == nil {
		s.ephemeral.Set(name, snap)
		if s.durable.save(local, name, snap) {
			s.trust(name)
		}
		s.state.readSucceeded(s.now())
		return snap
	}

	if callerGone(ctx, err) {
		glog.V(1).Infof("session %s: read %s abandoned: %s", s.id, name, err)
		if haveCached && cached.IsValid {
			return cached.Data
		}
		return EmptySnapshot()
	}

	if haveCached && cached.IsValid {
		glog.V(1).Infof("session %s: read %s failed, serving cache aged %s: %s", s.id, name, cached.Age, err)
		s.state.readFromCache()
		return cached.Data
	}

	glog.Warningf("session %s: read %s failed, no usable cache: %s", s.id, name, err)
	s.state.readFailed()
	return EmptySnapshot()
}

func (s *Session) fetch(ctx context.Context, name string) (TableSnapshot, error) {
	raw, err := s.channel.Send(ctx, OpReadTable, TableParams{TableName: name})
	if err != nil {
		return TableSnapshot{}, err
	}
	snap, err := decodeSnapshot(raw)
	if err != nil {
		return TableSnapshot{}, &ProtocolError{Reason: "READ_TABLE result is not a snapshot", Err: err}
	}
	return snap, nil
}

func (s *Session) AddRow(ctx context.Context, name string, row Row) error {
	return s.write(ctx, OpAddRow, name, RowParams{TableName: name, RowData: row.Without(RowIndexKey)})
}

// UpdateRow replaces the row at rowIndex, which must come from a read made
// after the last write to the table.
func (s *Session) UpdateRow(ctx context.Context, name string, rowIndex int, row Row) error {
	return s.write(ctx, OpUpdateRow, name, RowParams{TableName: name, RowIndex: &rowIndex, RowData: row.Without(RowIndexKey)})
}

func (s *Session) DeleteRow(ctx context.Context, name string, rowIndex int) error {
	return s.write(ctx, OpDeleteRow, name, RowParams{TableName: name, RowIndex: &rowIndex})
}

func (s *Session) write(ctx context.Context, op Operation, name string, params RowParams) error {
	if status := s.state.Current(); status.State != StateConnected {
		return &OfflineError{Type: op, Table: name, State: status.State}
	}

	if _, err := s.channel.Send(ctx, op, params); err != nil {
		var remote *RemoteError
		switch {
		case errors.As(err, &remote):
		case callerGone(ctx, err):
			// the host may still apply it
			s.invalidateLocal(ctx, name)
		default:
			s.state.writeLost()
		}
		return err
	}

	s.invalidateLocal(ctx, name)
	s.state.writeSucceeded(s.now())
	return nil
}

// callerGone reports whether err only reflects the caller's own context.
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// invalidateLocal runs to completion even when ctx is done. Durable entries
// that survive it are distrusted until the next successful save.
func (s *Session) invalidateLocal(ctx context.Context, name string) {
	ctx = context.WithoutCancel(ctx)
	if name == "" {
		s.ephemeral.InvalidateAll()
		if err := s.durable.InvalidateAll(ctx); err != nil {
			glog.Warningf("session %s: invalidate durable cache: %s", s.id, err)
			s.distrustEverything()
		}
		return
	}
	s.ephemeral.Invalidate(name)
	if err := s.durable.Invalidate(ctx, name); err != nil {
		glog.Warningf("session %s: invalidate durable cache: %s", s.id, err)
		s.mu.Lock()
		s.distrust[name] = true
		delete(s.resaved, name)
		s.mu.Unlock()
	}
}

func (s *Session) distrustEverything() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distrustAll = true
	s.distrust = map[string]bool{}
	s.resaved = map[string]bool{}
}

func (s *Session) trust(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.distrust, name)
	if s.distrustAll {
		s.resaved[name] = true
	}
}

func (s *Session) trusted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.distrust[name] {
		return false
	}
	return !s.distrustAll || s.resaved[name]
}

// Call sends op and decodes the result into out, which may be nil.
func (s *Session) Call(ctx context.Context, op Operation, params any, out any) error {
	raw, err := s.channel.Send(ctx, op, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("%s result", op), Err: err}
	}
	return nil
}

func (s *Session) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.Call(ctx, OpListTables, nil, &names)
	return names, err
}

func (s *Session) UniqueValues(ctx context.Context, name string, column string) ([]any, error) {
	var values []any
	err := s.Call(ctx, OpGetUniqueValues, ColumnParams{TableName: name, Column: column}, &values)
	return values, err
}

func (s *Session) SearchTable(ctx context.Context, name string, term string, fields []string) ([]Row, error) {
	var rows []Row
	err := s.Call(ctx, OpSearchTable, SearchParams{TableName: name, SearchTerm: term, Fields: fields}, &rows)
	return rows, err
}

func (s *Session) MigrationStats(ctx context.Context, name string, column string) (MigrationStats, error) {
	var stats MigrationStats
	err := s.Call(ctx, OpGetMigrationStats, ColumnParams{TableName: name, Column: column}, &stats)
	return stats, err
}

// CopyFromJira appends the rows of source into target. The target table's
// caches are dropped on success like after any other write.
func (s *Session) CopyFromJira(ctx context.Context, params CopyParams) (CopyResult, error) {
	if status := s.state.Current(); status.State != StateConnected {
		return CopyResult{}, &OfflineError{Type: OpCopyFromJira, Table: params.TargetTable, State: status.State}
	}

	var result CopyResult
	if err := s.Call(ctx, OpCopyFromJira, params, &result); err != nil {
		return result, err
	}
	s.invalidateLocal(ctx, params.TargetTable)
	return result, nil
}

// InvalidateCache drops the local tiers for name, or for every table when
// name is empty, then asks the host to do the same.
func (s *Session) InvalidateCache(ctx context.Context, name string) error {
	s.invalidateLocal(ctx, name)
	return s.Call(ctx, OpInvalidateCache, TableParams{TableName: name}, nil)
}

func (s *Session) CloseDialog(ctx context.Context) error {
	return s.channel.SendCommand(ctx, CommandClose, nil)
}

func (s *Session) Refresh(ctx context.Context) error {
	return s.channel.SendCommand(ctx, CommandRefresh, nil)
}

func (s *Session) Notify(ctx context.Context, message string, level string) error {
	return s.channel.SendCommand(ctx, CommandNotification, NotificationParams{Message: message, Level: level})
}

// Close fails outstanding requests and closes every owned resource.
func (s *Session) Close() error {
	var errs error
	if err := s.channel.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
