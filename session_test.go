package carto_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	carto "github.com/planel-net/Carto-Dev-sub001"
	"github.com/planel-net/Carto-Dev-sub001/memory"
)

// countingTransport counts posts and can simulate a lost boundary.
type countingTransport struct {
	*carto.LocalTransport
	posts atomic.Int32
	down  atomic.Bool
}

func (c *countingTransport) Post(ctx context.Context, data []byte) error {
	c.posts.Add(1)
	if c.down.Load() {
		return errors.New("boundary unreachable")
	}
	return c.LocalTransport.Post(ctx, data)
}

type SessionSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *fakeClock
	store     *memory.TableStore
	storage   *memory.Storage
	transport *countingTransport
	session   *carto.Session
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = newFakeClock()
	s.store = newSeededStore()
	router := carto.NewRouter(s.store,
		carto.WithOperation(carto.OpGetMigrationStats, carto.MigrationStatsHandler(s.store)),
		carto.WithOperation(carto.OpCopyFromJira, carto.CopyRowsHandler(s.store)),
	)
	s.transport = &countingTransport{LocalTransport: carto.NewLocalTransport(router)}
	s.storage = memory.NewStorage()
	channel := carto.NewRequestChannel(s.transport, carto.WithRequestTimeout(time.Second))
	s.session = carto.NewSession(channel, s.storage, carto.WithSessionClock(s.clock.Now))
}

func (s *SessionSuite) TearDownTest() {
	s.NoError(s.session.Close())
}

func (s *SessionSuite) durable() *carto.DurableCache {
	return carto.NewDurableCache(s.storage, carto.WithClock(s.clock.Now))
}

// sessionOver builds a second session on its own transport over storage.
func (s *SessionSuite) sessionOver(storage carto.Storage) (*carto.Session, *countingTransport) {
	transport := &countingTransport{LocalTransport: carto.NewLocalTransport(carto.NewRouter(s.store))}
	channel := carto.NewRequestChannel(transport, carto.WithRequestTimeout(time.Second))
	return carto.NewSession(channel, storage, carto.WithSessionClock(s.clock.Now)), transport
}

func (s *SessionSuite) goOffline() {
	s.transport.down.Store(true)
	snap := s.session.ReadTable(s.ctx, "never-cached")
	s.True(snap.IsEmpty())
	s.Require().Equal(carto.StateOffline, s.session.Status().State)
}

func (s *SessionSuite) TestReadFetchesAndCaches() {
	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.Equal([]string{"Nom", "Lot", "Statut"}, snap.Headers)
	s.Len(snap.Data, 3)
	s.EqualValues(1, s.transport.posts.Load())

	status := s.session.Status()
	s.Equal(carto.StateConnected, status.State)
	s.Equal(s.clock.Now(), status.LastSync)

	cached, ok := s.durable().Get(s.ctx, "tProduits")
	s.Require().True(ok)
	s.Equal(snap, cached.Data)

	s.clock.Advance(10 * time.Second)
	again := s.session.ReadTable(s.ctx, "tProduits")
	s.Equal(snap, again)
	s.EqualValues(1, s.transport.posts.Load(), "ephemeral hit")
}

func (s *SessionSuite) TestFreshDurableHitSendsNothing() {
	s.durable().Save(s.ctx, "tProduits", snapshotOf("Cached"))
	s.clock.Advance(time.Minute)

	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.Equal(snapshotOf("Cached"), snap)
	s.EqualValues(0, s.transport.posts.Load())
}

func (s *SessionSuite) TestDurableHitKeepsItsAge() {
	s.durable().Save(s.ctx, "tProduits", snapshotOf("Cached"))
	s.clock.Advance(4*time.Minute + 50*time.Second)

	s.Equal(snapshotOf("Cached"), s.session.ReadTable(s.ctx, "tProduits"))
	s.EqualValues(0, s.transport.posts.Load())

	s.clock.Advance(20 * time.Second)
	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.Equal("Alpha", snap.Data[0]["Nom"])
	s.EqualValues(1, s.transport.posts.Load(), "freshness runs from the original save")
}

func (s *SessionSuite) TestReturnedSnapshotsAreCopies() {
	snap := s.session.ReadTable(s.ctx, "tProduits")
	snap.Data[0]["Nom"] = "Changed"
	snap.Rows[0][0] = "Changed"

	again := s.session.ReadTable(s.ctx, "tProduits")
	s.EqualValues(1, s.transport.posts.Load())
	s.Equal("Alpha", again.Data[0]["Nom"])
	s.Equal("Alpha", again.Rows[0][0])
}

func (s *SessionSuite) TestStaleDurableIsRefetched() {
	s.durable().Save(s.ctx, "tProduits", snapshotOf("Cached"))
	s.clock.Advance(10 * time.Minute)

	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.Len(snap.Data, 3)
	s.Equal("Alpha", snap.Data[0]["Nom"])
	s.EqualValues(1, s.transport.posts.Load())
}

func (s *SessionSuite) TestFailureFallsBackToValidCache() {
	s.durable().Save(s.ctx, "tProduits", snapshotOf("Cached"))
	s.clock.Advance(10 * time.Minute)
	s.transport.down.Store(true)

	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.Equal(snapshotOf("Cached"), snap)
	s.Equal(carto.StateCache, s.session.Status().State)
}

func (s *SessionSuite) TestFailureWithExpiredCacheIsOffline() {
	s.durable().Save(s.ctx, "tProduits", snapshotOf("Cached"))
	s.clock.Advance(25 * time.Hour)
	s.transport.down.Store(true)

	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.True(snap.IsEmpty())
	s.Equal(carto.EmptySnapshot(), snap)
	s.Equal(carto.StateOffline, s.session.Status().State)
}

func (s *SessionSuite) TestRemoteReadErrorFallsBack() {
	snap := s.session.ReadTable(s.ctx, "missing")
	s.True(snap.IsEmpty())
	s.Equal(carto.StateOffline, s.session.Status().State)
}

func (s *SessionSuite) TestRecovery() {
	s.goOffline()
	s.transport.down.Store(false)

	s.clock.Advance(time.Minute)
	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.Len(snap.Data, 3)
	s.Equal(carto.StateConnected, s.session.Status().State)
	s.Equal(s.clock.Now(), s.session.Status().LastSync)
}

func (s *SessionSuite) TestWritesRejectedWhenNotConnected() {
	s.goOffline()
	s.transport.down.Store(false)
	posts := s.transport.posts.Load()

	err := s.session.AddRow(s.ctx, "tProduits", carto.Row{"Nom": "Zeta"})
	s.ErrorIs(err, carto.ErrOffline)
	var offline *carto.OfflineError
	s.Require().ErrorAs(err, &offline)
	s.Equal(carto.StateOffline, offline.State)

	s.ErrorIs(s.session.UpdateRow(s.ctx, "tProduits", 0, carto.Row{"Nom": "x"}), carto.ErrOffline)
	s.ErrorIs(s.session.DeleteRow(s.ctx, "tProduits", 0), carto.ErrOffline)
	_, err = s.session.CopyFromJira(s.ctx, carto.CopyParams{SourceTable: "tJira", TargetTable: "tProduits"})
	s.ErrorIs(err, carto.ErrOffline)

	s.Equal(posts, s.transport.posts.Load(), "nothing crossed the boundary")

	snap, err := s.store.ReadTable(s.ctx, "tProduits")
	s.Require().NoError(err)
	s.Len(snap.Data, 3)
}

func (s *SessionSuite) TestWritesRejectedInCacheState() {
	s.durable().Save(s.ctx, "tProduits", snapshotOf("Cached"))
	s.clock.Advance(10 * time.Minute)
	s.transport.down.Store(true)
	s.session.ReadTable(s.ctx, "tProduits")
	s.Require().Equal(carto.StateCache, s.session.Status().State)

	s.ErrorIs(s.session.DeleteRow(s.ctx, "tProduits", 0), carto.ErrOffline)
}

func (s *SessionSuite) TestWriteInvalidatesBothTiers() {
	before := s.session.ReadTable(s.ctx, "tProduits")
	s.Len(before.Data, 3)

	s.Require().NoError(s.session.AddRow(s.ctx, "tProduits", carto.Row{"Nom": "Zeta", carto.RowIndexKey: 7}))
	_, ok := s.durable().Get(s.ctx, "tProduits")
	s.False(ok)

	posts := s.transport.posts.Load()
	after := s.session.ReadTable(s.ctx, "tProduits")
	s.Equal(posts+1, s.transport.posts.Load(), "read after write goes to the host")
	s.Len(after.Data, 4)
	s.Equal("Zeta", after.Data[3]["Nom"])

	s.Require().NoError(s.session.UpdateRow(s.ctx, "tProduits", 3, carto.Row{"Statut": "Migré"}))
	s.Require().NoError(s.session.DeleteRow(s.ctx, "tProduits", 0))
	after = s.session.ReadTable(s.ctx, "tProduits")
	s.Len(after.Data, 3)
	s.Equal("Migré", after.Data[2]["Statut"])
	s.Equal(carto.StateConnected, s.session.Status().State)
}

func (s *SessionSuite) TestWriteWithUndeletableCacheRefetches() {
	session, _ := s.sessionOver(&stuckStorage{Storage: memory.NewStorage()})
	defer session.Close()

	s.Len(session.ReadTable(s.ctx, "tProduits").Data, 3)
	s.Require().NoError(session.AddRow(s.ctx, "tProduits", carto.Row{"Nom": "Zeta"}))

	after := session.ReadTable(s.ctx, "tProduits")
	s.Len(after.Data, 4)
	s.Equal("Zeta", after.Data[3]["Nom"])
}

func (s *SessionSuite) TestWriteWithStuckCacheNeverServesIt() {
	storage := &stuckStorage{Storage: memory.NewStorage()}
	session, transport := s.sessionOver(storage)
	defer session.Close()

	s.Len(session.ReadTable(s.ctx, "tProduits").Data, 3)
	storage.frozen.Store(true)
	s.Require().NoError(session.AddRow(s.ctx, "tProduits", carto.Row{"Nom": "Zeta"}))

	s.Len(session.ReadTable(s.ctx, "tProduits").Data, 4)

	// the three row entry is still in storage but must not be the fallback
	s.clock.Advance(10 * time.Minute)
	transport.down.Store(true)
	s.True(session.ReadTable(s.ctx, "tProduits").IsEmpty())
	s.Equal(carto.StateOffline, session.Status().State)

	storage.frozen.Store(false)
	transport.down.Store(false)
	s.Len(session.ReadTable(s.ctx, "tProduits").Data, 4)
	s.Equal(carto.StateConnected, session.Status().State)

	s.clock.Advance(10 * time.Minute)
	transport.down.Store(true)
	s.Len(session.ReadTable(s.ctx, "tProduits").Data, 4, "trusted again once saved")
	s.Equal(carto.StateCache, session.Status().State)
}

func (s *SessionSuite) TestInvalidateAllWithStuckCache() {
	storage := &stuckStorage{Storage: memory.NewStorage()}
	session, transport := s.sessionOver(storage)
	defer session.Close()

	session.ReadTable(s.ctx, "tProduits")
	storage.frozen.Store(true)
	s.Require().NoError(session.InvalidateCache(s.ctx, ""))

	posts := transport.posts.Load()
	s.Len(session.ReadTable(s.ctx, "tProduits").Data, 3)
	s.Equal(posts+1, transport.posts.Load())
}

func (s *SessionSuite) TestCancelledReadKeepsState() {
	s.durable().Save(s.ctx, "tProduits", snapshotOf("Cached"))
	s.clock.Advance(10 * time.Minute)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.Equal(snapshotOf("Cached"), s.session.ReadTable(ctx, "tProduits"))
	s.True(s.session.ReadTable(ctx, "never-cached").IsEmpty())

	expired, cancelExpired := context.WithDeadline(s.ctx, time.Now().Add(-time.Second))
	defer cancelExpired()
	s.True(s.session.ReadTable(expired, "never-cached").IsEmpty())

	s.Equal(carto.StateConnected, s.session.Status().State)
	s.EqualValues(0, s.transport.posts.Load())

	s.Require().NoError(s.session.AddRow(s.ctx, "tProduits", carto.Row{"Nom": "Zeta"}))
	s.Len(s.session.ReadTable(s.ctx, "tProduits").Data, 4)
}

func (s *SessionSuite) TestCancelledWriteKeepsState() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	err := s.session.AddRow(ctx, "tProduits", carto.Row{"Nom": "Zeta"})
	s.ErrorIs(err, context.Canceled)
	s.NotErrorIs(err, carto.ErrOffline)
	s.Equal(carto.StateConnected, s.session.Status().State)

	s.NoError(s.session.AddRow(s.ctx, "tProduits", carto.Row{"Nom": "Zeta"}))
}

func (s *SessionSuite) TestWriteRemoteErrorKeepsConnection() {
	err := s.session.DeleteRow(s.ctx, "tProduits", 99)
	var remote *carto.RemoteError
	s.Require().ErrorAs(err, &remote)
	s.Contains(remote.Message, memory.ErrRowNotFound.Error())
	s.Equal(carto.StateConnected, s.session.Status().State)
}

func (s *SessionSuite) TestWriteTransportFailureGoesOffline() {
	s.transport.down.Store(true)
	err := s.session.AddRow(s.ctx, "tProduits", carto.Row{"Nom": "Zeta"})
	s.Error(err)
	s.NotErrorIs(err, carto.ErrOffline)
	s.Equal(carto.StateOffline, s.session.Status().State)
}

func (s *SessionSuite) TestQueries() {
	names, err := s.session.ListTables(s.ctx)
	s.NoError(err)
	s.Equal([]string{"tJira", "tProduits"}, names)

	values, err := s.session.UniqueValues(s.ctx, "tProduits", "Lot")
	s.NoError(err)
	s.Equal([]any{"lot 2", "lot 10"}, values)

	rows, err := s.session.SearchTable(s.ctx, "tProduits", "beta", nil)
	s.NoError(err)
	s.Require().Len(rows, 1)
	s.Equal("Beta", rows[0]["Nom"])

	stats, err := s.session.MigrationStats(s.ctx, "tProduits", "")
	s.NoError(err)
	s.Equal(3, stats.Total)
}

func (s *SessionSuite) TestCopyFromJira() {
	s.session.ReadTable(s.ctx, "tProduits")

	result, err := s.session.CopyFromJira(s.ctx, carto.CopyParams{
		SourceTable: "tJira",
		TargetTable: "tProduits",
		Mapping:     map[string]string{"Summary": "Nom"},
	})
	s.Require().NoError(err)
	s.Equal(2, result.Copied)

	snap := s.session.ReadTable(s.ctx, "tProduits")
	s.Len(snap.Data, 5)
}

func (s *SessionSuite) TestInvalidateCache() {
	s.session.ReadTable(s.ctx, "tProduits")
	s.session.ReadTable(s.ctx, "tJira")
	posts := s.transport.posts.Load()

	s.Require().NoError(s.session.InvalidateCache(s.ctx, ""))
	_, ok := s.durable().Get(s.ctx, "tJira")
	s.False(ok)

	s.session.ReadTable(s.ctx, "tProduits")
	s.Equal(posts+2, s.transport.posts.Load())
}

func (s *SessionSuite) TestObserversSeeDegradation() {
	var states []carto.State
	cancel := s.session.State().Subscribe(func(status carto.ConnectionStatus) {
		states = append(states, status.State)
	})
	defer cancel()

	s.goOffline()
	s.transport.down.Store(false)
	s.session.ReadTable(s.ctx, "tProduits")

	s.Equal([]carto.State{carto.StateOffline, carto.StateConnected}, states)
}

func (s *SessionSuite) TestCommands() {
	s.NoError(s.session.Notify(s.ctx, "saved", "info"))
	s.NoError(s.session.Refresh(s.ctx))
	s.NoError(s.session.CloseDialog(s.ctx))
	s.EqualValues(3, s.transport.posts.Load())
}

func (s *SessionSuite) TestIDs() {
	other := carto.NewSession(carto.NewRequestChannel(carto.NewLocalTransport(carto.NewRouter(s.store))), s.storage)
	s.NotEqual(s.session.ID(), other.ID())
	s.NoError(other.Close())
}
