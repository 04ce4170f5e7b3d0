package scout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

func newTestScout(t *testing.T, store *simStore, mutate func(options *Options)) (*Scout, *simEndpoint) {
	endpoint := newSimEndpoint(store)
	options := DefaultOptions()
	options.DeadlineMillis = 2_000
	if mutate != nil {
		mutate(options)
	}
	scout, err := NewScoutWithEndpoint(context.Background(), endpoint, options)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		scout.Stop(false)
	})
	return scout, endpoint
}

func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counterId(key string) protocol.CrdtId {
	return protocol.CrdtId{Table: "test", Key: key, Type: crdts.TypeCounter}
}

// A committed write is visible to a later read by another session of the
// same scout once the global commit completes.
func TestWriteReadCommit(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	t1, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	view, err := t1.Get(idA, true, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Value(), int64(0))
	assert.Equal(t, t1.Update(idA, &crdts.CounterAdd{Delta: 5}), nil)
	assert.Equal(t, t1.Commit(), nil)

	waitUntil(t, "global commit", func() bool {
		return t1.Status() == TxnStatusCommittedGlobal
	})
	assert.Equal(t, len(t1.TimestampMapping().SystemTimestamps), 1)

	s2 := scout.NewSession("s2")
	t2, err := s2.BeginTxn(SnapshotIsolation, Cached, true)
	assert.Equal(t, err, nil)
	view, err = t2.Get(idA, false, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Value(), int64(5))
	assert.Equal(t, t2.Commit(), nil)
}

// Read-your-writes before the global commit completes: the snapshot of a
// subsequent transaction covers the locally committed write.
func TestReadYourWritesLocal(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	t1, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	_, err = t1.Get(idA, true, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, t1.Update(idA, &crdts.CounterAdd{Delta: 3}), nil)
	assert.Equal(t, t1.Commit(), nil)

	t2, err := s1.BeginTxn(SnapshotIsolation, Cached, true)
	assert.Equal(t, err, nil)
	view, err := t2.Get(idA, false, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Value(), int64(3))
	assert.Equal(t, t2.Commit(), nil)
}

// Snapshots of successive transactions are monotonic.
func TestMonotonicSnapshots(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	snapshots := []*protocol.CausalClock{}
	for i := 0; i < 3; i++ {
		txn, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
		assert.Equal(t, err, nil)
		_, err = txn.Get(idA, true, nil)
		assert.Equal(t, err, nil)
		assert.Equal(t, txn.Update(idA, &crdts.CounterAdd{Delta: 1}), nil)
		snapshots = append(snapshots, txn.snapshot.Clone())
		assert.Equal(t, txn.Commit(), nil)
	}

	for i := 1; i < len(snapshots); i++ {
		ordering := snapshots[i].Compare(snapshots[i-1])
		assert.Equal(t, ordering.Is(protocol.OrderingDominates, protocol.OrderingEqual), true)
	}
}

// The store assigns system timestamps respecting the scout's client
// timestamp order.
func TestCommitOrderPreserved(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	txns := []*Txn{}
	for i := 0; i < 3; i++ {
		txn, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
		assert.Equal(t, err, nil)
		assert.Equal(t, txn.Update(idA, &crdts.CounterAdd{Delta: 1}), nil)
		assert.Equal(t, txn.Commit(), nil)
		txns = append(txns, txn)
	}
	waitUntil(t, "global commits", func() bool {
		return txns[2].Status() == TxnStatusCommittedGlobal
	})

	var previous int64
	for _, txn := range txns {
		systemTimestamps := store.systemTimestampsFor(txn.ClientTimestamp())
		assert.Equal(t, len(systemTimestamps), 1)
		assert.Equal(t, previous < systemTimestamps[0].Counter, true)
		previous = systemTimestamps[0].Counter
	}
}

// STRICTLY_MOST_RECENT with an unreachable surrogate fails with a network
// error; the client timestamp counter does not advance.
func TestStrictMostRecentUnreachable(t *testing.T) {
	store := newSimStore()
	scout, endpoint := newTestScout(t, store, nil)
	endpoint.setUnreachable(true)

	s1 := scout.NewSession("s1")
	_, err := s1.BeginTxn(SnapshotIsolation, StrictlyMostRecent, false)
	assert.Equal(t, errors.Is(err, ErrNetwork), true)

	// MOST_RECENT degrades to the cached estimate instead
	txn, err := s1.BeginTxn(SnapshotIsolation, MostRecent, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, txn.ClientTimestamp().Counter, int64(1))
	assert.Equal(t, txn.Rollback(), nil)
}

// Eviction protection keeps objects of an open transaction cached even
// when the cache exceeds its capacity; the excess is evicted at commit.
func TestEvictionProtection(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, func(options *Options) {
		options.CacheSize = 1
	})
	idA := counterId("A")
	idB := counterId("B")

	s1 := scout.NewSession("s1")
	txn, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	_, err = txn.Get(idA, true, nil)
	assert.Equal(t, err, nil)
	_, err = txn.Get(idB, true, nil)
	assert.Equal(t, err, nil)

	// both objects are protected by the open handle
	scout.mu.Lock()
	assert.Equal(t, scout.cache.size(), 2)
	scout.mu.Unlock()

	assert.Equal(t, txn.Commit(), nil)

	scout.mu.Lock()
	assert.Equal(t, scout.cache.size(), 1)
	scout.mu.Unlock()
}

// A listener for an update whose timestamps are not yet covered by the
// committed version is deferred, then fired exactly once.
func TestDeferredNotification(t *testing.T) {
	store := newSimStore()
	scout, endpoint := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	t0, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	_, err = t0.Get(idA, true, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, t0.Update(idA, &crdts.CounterAdd{Delta: 1}), nil)
	assert.Equal(t, t0.Commit(), nil)
	waitUntil(t, "global commit", func() bool {
		return t0.Status() == TxnStatusCommittedGlobal
	})

	fired := atomic.Int32{}
	listener := UpdatesListenerFunc(func(id protocol.CrdtId, previousValue crdts.Crdt) {
		fired.Add(1)
	})

	t1, err := s1.BeginTxn(SnapshotIsolation, Cached, true)
	assert.Equal(t, err, nil)
	_, err = t1.Get(idA, false, listener)
	assert.Equal(t, err, nil)
	assert.Equal(t, t1.Commit(), nil)

	// a remote update arrives whose system timestamp is not yet covered by
	// the committed version: the listener must be deferred
	remoteMapping := protocol.NewTimestampMapping(protocol.Timestamp{Source: "remote", Counter: 1})
	remoteMapping.AddSystemTimestamp(protocol.Timestamp{Source: "X0", Counter: 42})
	remoteGroup := crdts.NewOpsGroup(idA, remoteMapping)
	remoteGroup.Append(&crdts.CounterAdd{Delta: 7})
	remotePacket, err := crdts.EncodeOpsGroup(remoteGroup)
	assert.Equal(t, err, nil)

	endpoint.push(&protocol.BatchUpdatesNotification{
		ScoutId:    scout.ScoutId(),
		NewVersion: store.committedClock(),
		ObjectsUpdates: []*protocol.ObjectUpdatesPacket{
			{Id: idA, Groups: []*protocol.OpsGroupPacket{remotePacket}},
		},
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fired.Load(), int32(0))

	// a notification whose version covers the mapping triggers the
	// listener exactly once
	covering := store.committedClock()
	covering.Record(protocol.Timestamp{Source: "X0", Counter: 42})
	endpoint.push(&protocol.BatchUpdatesNotification{
		ScoutId:    scout.ScoutId(),
		NewVersion: covering,
	})
	waitUntil(t, "listener", func() bool {
		return fired.Load() == 1
	})

	// replays never fire it again
	endpoint.push(&protocol.BatchUpdatesNotification{
		ScoutId:    scout.ScoutId(),
		NewVersion: covering,
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fired.Load(), int32(1))
}

// Discarding a transaction that produced updates still commits a dummy
// with the same client timestamp, so other scouts never observe a hole.
func TestDiscardWithUpdates(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	txn, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, txn.Update(idA, &crdts.CounterAdd{Delta: 5}), nil)
	clientTimestamp := txn.ClientTimestamp()
	assert.Equal(t, txn.Rollback(), nil)

	waitUntil(t, "dummy global commit", func() bool {
		return 0 < len(store.systemTimestampsFor(clientTimestamp))
	})
	// the dummy carried no operations
	store.mu.Lock()
	_, created := store.objects[idA.Uid()]
	store.mu.Unlock()
	assert.Equal(t, created, false)
	// the store clock covers the client timestamp: another scout fetching
	// at it succeeds
	assert.Equal(t, store.committedClock().Includes(clientTimestamp), true)
}

// A discarded transaction without updates returns its timestamp for reuse.
func TestDiscardReturnsTimestamp(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)

	s1 := scout.NewSession("s1")
	t1, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, t1.ClientTimestamp().Counter, int64(1))
	assert.Equal(t, t1.Rollback(), nil)

	t2, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, t2.ClientTimestamp().Counter, int64(1))
	assert.Equal(t, t2.Rollback(), nil)
}

// Pruning never crosses the requested clock of an in-flight fetch.
func TestPruneRespectsInFlightFetch(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	high := protocol.NewCausalClock()
	high.RecordAllUntil(protocol.Timestamp{Source: "X0", Counter: 10})
	fetchClock := protocol.NewCausalClock()
	fetchClock.RecordAllUntil(protocol.Timestamp{Source: "X0", Counter: 3})

	scout.mu.Lock()
	scout.committedVersion.Merge(high)
	scout.committedDisasterDurableVersion.Merge(high)
	scout.nextAvailableSnapshot = high.Clone()

	object := crdts.NewManaged(idA, crdts.NewCounter(), protocol.NewCausalClock(), true)
	for counter := int64(1); counter <= 10; counter += 1 {
		mapping := protocol.NewTimestampMapping(protocol.Timestamp{Source: "remote", Counter: counter})
		mapping.AddSystemTimestamp(protocol.Timestamp{Source: "X0", Counter: counter})
		group := crdts.NewOpsGroup(idA, mapping)
		group.Append(&crdts.CounterAdd{Delta: 1})
		_, err := object.Execute(group, crdts.DependencyIgnore)
		assert.Equal(t, err, nil)
	}
	object.DiscardScoutClock("remote")
	scout.cache.add(object, -1)

	// a long-running fetch holds its requested clock open
	scout.fetchVersionsInProgress = append(scout.fetchVersionsInProgress, fetchClock)
	scout.tryPruneObjects(idA)

	// nothing above the in-flight request's clock was pruned
	assert.Equal(t, object.PruneClock().Compare(fetchClock).Is(
		protocol.OrderingDominated, protocol.OrderingEqual), true)
	value, err := object.GetVersion(fetchClock)
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(3))

	// once the fetch completes, pruning may proceed further
	scout.fetchVersionsInProgress = scout.fetchVersionsInProgress[:0]
	scout.tryPruneObjects(idA)
	assert.Equal(t, object.PruneClock().Includes(protocol.Timestamp{Source: "X0", Counter: 10}), true)
	scout.mu.Unlock()
}

// Only one transaction may be open unless concurrent open is enabled.
func TestSinglePendingTxn(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)

	s1 := scout.NewSession("s1")
	t1, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	_, err = s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
	assert.Equal(t, t1.Rollback(), nil)

	_, err = s1.BeginTxn(ReadCommitted, Cached, false)
	assert.Equal(t, errors.Is(err, ErrUnsupported), true)
}

// A handle rejects reuse after commit.
func TestHandleReuseAfterCommit(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	txn, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, txn.Commit(), nil)

	err = txn.Update(idA, &crdts.CounterAdd{Delta: 1})
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
	_, err = txn.Get(idA, false, nil)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
}

// Repeatable reads: once read, the same value is returned even after the
// cache learns newer state.
func TestRepeatableReads(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, func(options *Options) {
		options.ConcurrentOpenTransactions = true
	})
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	t0, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	_, err = t0.Get(idA, true, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, t0.Update(idA, &crdts.CounterAdd{Delta: 1}), nil)
	assert.Equal(t, t0.Commit(), nil)
	waitUntil(t, "global commit", func() bool {
		return t0.Status() == TxnStatusCommittedGlobal
	})

	rr, err := s1.BeginTxn(RepeatableReads, Cached, true)
	assert.Equal(t, err, nil)
	view, err := rr.Get(idA, false, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Value(), int64(1))

	// another transaction of the scout writes meanwhile
	s2 := scout.NewSession("s2")
	other, err := s2.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, other.Update(idA, &crdts.CounterAdd{Delta: 10}), nil)
	assert.Equal(t, other.Commit(), nil)

	view, err = rr.Get(idA, false, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Value(), int64(1))
	assert.Equal(t, rr.Commit(), nil)
}

// Wrong type tag on a cached object surfaces WRONG_TYPE.
func TestWrongType(t *testing.T) {
	store := newSimStore()
	scout, _ := newTestScout(t, store, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	t0, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	_, err = t0.Get(idA, true, nil)
	assert.Equal(t, err, nil)

	wrongId := protocol.CrdtId{Table: idA.Table, Key: idA.Key, Type: crdts.TypeRegister}
	_, err = t0.Get(wrongId, false, nil)
	assert.Equal(t, errors.Is(err, ErrWrongType), true)
	err = t0.Update(wrongId, &crdts.RegisterSet{Val: "x"})
	assert.Equal(t, errors.Is(err, ErrWrongType), true)
	assert.Equal(t, t0.Rollback(), nil)
}

// Under the periodic-refresh protocol the cache converges to updates
// committed by another scout without notifications.
func TestPeriodicRefresh(t *testing.T) {
	store := newSimStore()
	refresh := func(options *Options) {
		options.CacheUpdateProtocol = CausalPeriodicRefresh
		options.CacheRefreshPeriodMillis = 20
	}
	scout1, _ := newTestScout(t, store, refresh)
	scout2, _ := newTestScout(t, store, refresh)
	idA := counterId("A")

	s1 := scout1.NewSession("s1")
	t1, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	_, err = t1.Get(idA, true, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, t1.Update(idA, &crdts.CounterAdd{Delta: 1}), nil)
	assert.Equal(t, t1.Commit(), nil)
	waitUntil(t, "scout1 commit", func() bool {
		return t1.Status() == TxnStatusCommittedGlobal
	})

	s2 := scout2.NewSession("s2")
	t2, err := s2.BeginTxn(SnapshotIsolation, MostRecent, false)
	assert.Equal(t, err, nil)
	_, err = t2.Get(idA, false, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, t2.Update(idA, &crdts.CounterAdd{Delta: 10}), nil)
	assert.Equal(t, t2.Commit(), nil)
	waitUntil(t, "scout2 commit", func() bool {
		return t2.Status() == TxnStatusCommittedGlobal
	})

	// the periodic refresh pulls scout2's update into scout1's cache
	waitUntil(t, "refresh convergence", func() bool {
		txn, err := s1.BeginTxn(SnapshotIsolation, Cached, true)
		if err != nil {
			return false
		}
		defer txn.Commit()
		view, err := txn.Get(idA, false, nil)
		if err != nil {
			return false
		}
		return view.Value() == int64(11)
	})
}

// A graceful stop drains the commit queue.
func TestGracefulStopDrains(t *testing.T) {
	store := newSimStore()
	endpoint := newSimEndpoint(store)
	options := DefaultOptions()
	options.DeadlineMillis = 2_000
	scout, err := NewScoutWithEndpoint(context.Background(), endpoint, options)
	assert.Equal(t, err, nil)
	idA := counterId("A")

	s1 := scout.NewSession("s1")
	txn, err := s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, err, nil)
	assert.Equal(t, txn.Update(idA, &crdts.CounterAdd{Delta: 2}), nil)
	clientTimestamp := txn.ClientTimestamp()
	assert.Equal(t, txn.Commit(), nil)

	scout.Stop(true)
	assert.Equal(t, len(store.systemTimestampsFor(clientTimestamp)), 1)

	// operations after stop fail
	_, err = s1.BeginTxn(SnapshotIsolation, Cached, false)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
}
