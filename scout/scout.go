package scout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// Scout mediates between application sessions and remote data center
// surrogates hosting replicated CRDTs. It exposes snapshot isolation and
// repeatable reads transactions with read-your-writes and monotonic reads
// over an asynchronous, partially visible global state.
//
// One coarse lock protects all shared mutable state: the clocks, the
// cache, the subscription maps and the queues. The committer, the
// notification consumer and the cache refresh timer re-acquire it; no RPC
// is sent while it is held.
type Scout struct {
	ctx    context.Context
	cancel context.CancelFunc

	scoutId  string
	options  *Options
	endpoint Endpoint
	// ownsEndpoint: Stop closes endpoints the scout created itself
	ownsEndpoint bool

	stats *scoutStats

	mu   sync.Mutex
	cond *sync.Cond

	stopFlag       atomic.Bool
	stopGracefully bool

	// CLOCKS: all clocks grow over time; use copies when escaping the lock.

	// committedVersion is known committed at some surrogate.
	committedVersion *protocol.CausalClock
	// committedDisasterDurableVersion is known committed and geo-replicated.
	committedDisasterDurableVersion *protocol.CausalClock
	// lastLocallyCommittedTxnClock unions the dependency clocks and own
	// timestamps of all locally committed transactions.
	lastLocallyCommittedTxnClock *protocol.CausalClock
	// nextAvailableSnapshot is the baseline for new transactions. A clock
	// installed here that carries the scout's own timestamps is logged by
	// updateNextAvailableSnapshot and kept as it is.
	nextAvailableSnapshot *protocol.CausalClock

	timestampSource *returnableTimestampSource
	nextTxnSerial   int64

	cache *objectsCache

	pendingTxns map[*Txn]bool
	// locallyCommitted orders transactions awaiting global commit by
	// client timestamp counter.
	locallyCommitted *commitQueue
	// globallyCommittedUnstable holds transactions globally committed but
	// not yet known disaster durable, in commit order.
	globallyCommittedUnstable []*Txn

	// fetchVersionsInProgress holds the requested clock of every
	// outstanding fetch; pruning never crosses a live fetch.
	fetchVersionsInProgress []*protocol.CausalClock
	fetchGroup              singleflight.Group

	// subscribedUpdates tracks the ids the surrogate pushes updates for.
	subscribedUpdates                 map[protocol.CrdtId]bool
	objectSessionsUpdateSubscriptions map[protocol.CrdtId]map[string]*updateSubscription
	// uncommittedUpdatesObjectsToNotify defers listeners keyed by the
	// client timestamp of the mapping they await.
	uncommittedUpdatesObjectsToNotify map[protocol.Timestamp]*deferredNotify

	durableLog transactionsLog

	cacheRefreshReady bool

	committerDone chan struct{}
	notifierDone  chan struct{}
	refreshDone   chan struct{}
}

func generateScoutId() string {
	s := ulid.Make().String()
	// the random tail, shrunk to what a decent encoding needs
	return s[len(s)-6:]
}

// NewScout connects to the configured surrogates and starts the scout
// workers.
func NewScout(ctx context.Context, options *Options) (*Scout, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	if len(options.ServerHostnames) == 0 {
		return nil, fmt.Errorf("%w: no server hostnames configured", ErrIllegalState)
	}
	scoutId := generateScoutId()
	endpoint := NewWsEndpointWithDefaults(ctx, scoutId, options.ServerHostnames, options.ByJwt)
	scout, err := newScout(ctx, scoutId, endpoint, options)
	if err != nil {
		endpoint.Close()
		return nil, err
	}
	scout.ownsEndpoint = true
	return scout, nil
}

// NewScoutWithEndpoint starts a scout over an existing surrogate link.
func NewScoutWithEndpoint(ctx context.Context, endpoint Endpoint, options *Options) (*Scout, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	return newScout(ctx, generateScoutId(), endpoint, options)
}

func newScout(ctx context.Context, scoutId string, endpoint Endpoint, options *Options) (*Scout, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	var durableLog transactionsLog
	if options.LogFilename != "" {
		sqlite, err := newSqliteLog(options.LogFilename)
		if err != nil {
			cancel()
			return nil, err
		}
		durableLog = sqlite
		if !options.LogFlushOnCommit {
			durableLog = newNoFlushLog(durableLog)
		}
	} else {
		durableLog = &dummyLog{}
	}

	self := &Scout{
		ctx:                               cancelCtx,
		cancel:                            cancel,
		scoutId:                           scoutId,
		options:                           options,
		endpoint:                          endpoint,
		stats:                             newScoutStats(scoutId, options.MetricsRegistry),
		committedVersion:                  protocol.NewCausalClock(),
		committedDisasterDurableVersion:   protocol.NewCausalClock(),
		lastLocallyCommittedTxnClock:      protocol.NewCausalClock(),
		nextAvailableSnapshot:             protocol.NewCausalClock(),
		timestampSource:                   newReturnableTimestampSource(scoutId),
		cache:                             newObjectsCache(options.cacheEvictionTime(), options.CacheSize),
		pendingTxns:                       map[*Txn]bool{},
		locallyCommitted:                  newCommitQueue(),
		subscribedUpdates:                 map[protocol.CrdtId]bool{},
		objectSessionsUpdateSubscriptions: map[protocol.CrdtId]map[string]*updateSubscription{},
		uncommittedUpdatesObjectsToNotify: map[protocol.Timestamp]*deferredNotify{},
		durableLog:                        durableLog,
		committerDone:                     make(chan struct{}),
		notifierDone:                      make(chan struct{}),
		refreshDone:                       make(chan struct{}),
	}
	self.cond = sync.NewCond(&self.mu)

	self.cache.setEvictionListener(func(id protocol.CrdtId) {
		// the scout lock is held during eviction
		self.stats.cacheEvictions.Inc()
		self.removeUpdateSubscriptionAsyncUnsubscribe(id)
	})

	if err := self.replayDurableLog(); err != nil {
		cancel()
		return nil, err
	}

	go self.runCommitter()
	go self.runNotifications()
	if options.CacheUpdateProtocol == CausalPeriodicRefresh {
		go self.runCacheRefresh()
	} else {
		close(self.refreshDone)
	}

	if nextSnapshotClock, err := self.forceDCClockEstimatesUpdate(); err == nil {
		self.mu.Lock()
		self.updateNextAvailableSnapshot(nextSnapshotClock)
		self.mu.Unlock()
	} else {
		glog.Infof("[scout]%s could not obtain the initial snapshot clock = %s\n", scoutId, err)
	}

	glog.V(1).Infof("[scout]%s started\n", scoutId)
	return self, nil
}

func (self *Scout) ScoutId() string {
	return self.scoutId
}

// NewSession opens an application session on this scout. Multiple sessions
// may share one scout.
func (self *Scout) NewSession(sessionId string) *SwiftSession {
	return &SwiftSession{
		scout:     self,
		sessionId: sessionId,
	}
}

func (self *Scout) stopped() bool {
	return self.stopFlag.Load()
}

// stopWithError stops the scout after a committer-side fatal error.
// Ongoing transactions fail with ErrNetwork.
func (self *Scout) stopWithError() {
	self.mu.Lock()
	self.stopFlag.Store(true)
	self.stopGracefully = false
	self.cond.Broadcast()
	self.mu.Unlock()
	self.cancel()
}

// execute schedules a callback off the scout lock. Panics in callbacks are
// suppressed and logged.
func (self *Scout) execute(task func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("[scout]callback panic = %v\n", r)
			}
		}()
		task()
	}()
}

func (self *Scout) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(self.ctx, self.options.deadline())
}

// Stop shuts the scout down. A graceful stop drains the queue of locally
// committed transactions first; otherwise pending operations fail with
// ErrNetwork.
func (self *Scout) Stop(graceful bool) {
	self.mu.Lock()
	if self.stopFlag.Load() {
		self.mu.Unlock()
		glog.Infof("[scout]%s already stopped\n", self.scoutId)
		return
	}
	if 0 < len(self.pendingTxns) {
		glog.Infof("[scout]%s stopping with %d pending transactions\n", self.scoutId, len(self.pendingTxns))
	}
	self.stopFlag.Store(true)
	self.stopGracefully = graceful
	self.cond.Broadcast()
	self.mu.Unlock()

	if graceful {
		// let the committer drain the queue before tearing the link down
		<-self.committerDone
	}
	self.cancel()
	<-self.committerDone
	<-self.notifierDone
	<-self.refreshDone

	self.mu.Lock()
	for id := range self.objectSessionsUpdateSubscriptions {
		delete(self.objectSessionsUpdateSubscriptions, id)
	}
	self.mu.Unlock()

	if err := self.durableLog.Close(); err != nil {
		glog.Infof("[scout]%s durable log close error = %s\n", self.scoutId, err)
	}
	if self.ownsEndpoint {
		self.endpoint.Close()
	}
	glog.V(1).Infof("[scout]%s stopped\n", self.scoutId)
}

// replayDurableLog re-queues locally committed transactions persisted by a
// previous incarnation of this scout.
func (self *Scout) replayDurableLog() error {
	return self.durableLog.Replay(func(entry *CommitLogEntry) error {
		mapping := protocol.NewTimestampMapping(entry.ClientTimestamp)
		txn := &Txn{
			scout:                  self,
			sessionId:              "replay",
			isolation:              SnapshotIsolation,
			serial:                 self.nextTxnSerial,
			mapping:                mapping,
			updatesDependencyClock: entry.Dependency,
			status:                 TxnStatusCommittedLocal,
			opsGroups:              map[protocol.CrdtId]*crdts.OpsGroup{},
		}
		self.nextTxnSerial += 1
		for _, groupPacket := range entry.Groups {
			group, err := crdts.DecodeOpsGroup(groupPacket)
			if err != nil {
				return err
			}
			group.Mapping = mapping
			txn.opsGroups[group.Target] = group
			txn.opsOrder = append(txn.opsOrder, group.Target)
		}
		// restarted scouts must not reissue logged timestamps
		self.timestampSource.advancePast(entry.ClientTimestamp)
		self.lastLocallyCommittedTxnClock.Record(entry.ClientTimestamp)
		if entry.Dependency != nil {
			self.lastLocallyCommittedTxnClock.Merge(entry.Dependency)
		}
		self.locallyCommitted.Add(txn)
		glog.Infof("[scout]%s replayed locally committed %s\n", self.scoutId, entry.ClientTimestamp)
		return nil
	})
}

// forceDCClockEstimatesUpdate asks a surrogate for its latest committed
// clocks and merges them in. Returns the updated global committed version.
func (self *Scout) forceDCClockEstimatesUpdate() (*protocol.CausalClock, error) {
	ctx, cancel := self.requestContext()
	defer cancel()
	reply, err := self.endpoint.Request(ctx, &protocol.LatestKnownClockRequest{
		ScoutId:      self.scoutId,
		DisasterSafe: self.options.DisasterSafe,
	})
	if err != nil {
		return nil, err
	}
	clockReply, ok := reply.(*protocol.LatestKnownClockReply)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected clock reply %T", ErrNetwork, reply)
	}
	// the durable clock is a prefix of the committed clock
	clockReply.DisasterDurableClock.Intersect(clockReply.Clock)

	self.mu.Lock()
	defer self.mu.Unlock()
	self.updateCommittedVersions(clockReply.Clock, clockReply.DisasterDurableClock)
	return self.globalCommittedVersion(true), nil
}

// the scout lock is held for the helpers below

func (self *Scout) assertPendingTxn(txn *Txn) error {
	if txn == nil {
		return nil
	}
	if !self.pendingTxns[txn] {
		return fmt.Errorf("%w: transaction is not pending", ErrIllegalState)
	}
	return nil
}

func (self *Scout) globalCommittedVersion(copy bool) *protocol.CausalClock {
	result := self.committedVersion
	if self.options.DisasterSafe {
		result = self.committedDisasterDurableVersion
	}
	if copy {
		return result.Clone()
	}
	return result
}

func (self *Scout) nextTransactionSnapshot(copy bool) *protocol.CausalClock {
	if self.options.CacheUpdateProtocol == NoCacheOrUncoordinated {
		return self.globalCommittedVersion(copy)
	}
	if copy {
		return self.nextAvailableSnapshot.Clone()
	}
	return self.nextAvailableSnapshot
}

func (self *Scout) updateNextAvailableSnapshot(clock *protocol.CausalClock) {
	if clock.HasEventFrom(self.scoutId) {
		glog.Infof("[scout]%s next snapshot clock includes the scout's own timestamp: %s\n", self.scoutId, clock)
	}
	self.nextAvailableSnapshot = clock.Clone()
	glog.V(2).Infof("[scout]%s next snapshot = %s\n", self.scoutId, self.nextAvailableSnapshot)
}

// updateCommittedVersions merges new committed clock estimates, garbage
// collects stable transaction logs and fires deferred notifications.
// Returns the (uncopied) global committed version.
func (self *Scout) updateCommittedVersions(
	newCommittedVersion *protocol.CausalClock,
	newCommittedDisasterDurableVersion *protocol.CausalClock,
) *protocol.CausalClock {
	committedVersionUpdated := false
	if newCommittedVersion != nil {
		committedVersionUpdated = self.committedVersion.Merge(newCommittedVersion).Is(
			protocol.OrderingDominated, protocol.OrderingConcurrent)
	}
	committedDisasterDurableUpdated := false
	if newCommittedDisasterDurableVersion != nil {
		committedDisasterDurableUpdated = self.committedDisasterDurableVersion.Merge(newCommittedDisasterDurableVersion).Is(
			protocol.OrderingDominated, protocol.OrderingConcurrent)
	}
	if !committedVersionUpdated && !committedDisasterDurableUpdated {
		return self.globalCommittedVersion(false)
	}

	glog.V(2).Infof("[scout]%s committed = %s durable = %s\n",
		self.scoutId, self.committedVersion, self.committedDisasterDurableVersion)

	// discard stable local transaction logs that are no longer needed
	pruningPoint := self.nextReadLowerBound()
	stableTxnsToDiscard := 0
	evaluatedTxns := 0
	for _, txn := range self.globallyCommittedUnstable {
		if txn.mapping.HasSystemTimestamp() {
			if txn.mapping.AllSystemIncluded(pruningPoint) {
				stableTxnsToDiscard = evaluatedTxns + 1
			} else {
				break
			}
		}
		// a txn with an unknown system timestamp (concurrent open mode)
		// relies on subsequent transactions to determine removal
		evaluatedTxns += 1
	}
	if 0 < stableTxnsToDiscard {
		self.globallyCommittedUnstable = self.globallyCommittedUnstable[stableTxnsToDiscard:]
	}

	self.drainCommittedNotifications()
	return self.globalCommittedVersion(false)
}

// nextReadLowerBound is the safe prune point: nothing a pending
// transaction, an in-flight fetch or the next snapshot still needs may be
// pruned. Invariant: nextReadLowerBound() is dominated by (or equal to)
// nextTransactionSnapshot().
func (self *Scout) nextReadLowerBound() *protocol.CausalClock {
	lowerBound := self.committedDisasterDurableVersion.Clone()
	lowerBound.Intersect(self.nextTransactionSnapshot(false))
	for txn := range self.pendingTxns {
		lowerBound.Intersect(txn.updatesDependencyClock)
	}
	for _, fetchedVersion := range self.fetchVersionsInProgress {
		lowerBound.Intersect(fetchedVersion)
	}
	lowerBound.Drop(self.scoutId)
	return lowerBound
}

// tryPruneObjects collapses old update history of the given cached objects.
func (self *Scout) tryPruneObjects(ids ...protocol.CrdtId) {
	pruneClock := self.nextReadLowerBound()
	for _, id := range ids {
		if crdt := self.cache.getWithoutTouch(id); crdt != nil {
			if err := crdt.Prune(pruneClock, true); err != nil {
				glog.V(2).Infof("[scout]prune %s = %s\n", id, err)
			}
		}
	}
}

// beginTxn starts a transaction for a session.
func (self *Scout) beginTxn(
	sessionId string,
	isolation IsolationLevel,
	cachePolicy CachePolicy,
	readOnly bool,
) (*Txn, error) {
	switch isolation {
	case SnapshotIsolation, RepeatableReads:
	default:
		return nil, fmt.Errorf("%w: isolation level %s", ErrUnsupported, isolation)
	}

	self.mu.Lock()
	if err := self.assertRunning(); err != nil {
		self.mu.Unlock()
		return nil, err
	}
	if !self.options.ConcurrentOpenTransactions && 0 < len(self.pendingTxns) {
		self.mu.Unlock()
		return nil, fmt.Errorf("%w: only one transaction can be executing at a time", ErrIllegalState)
	}
	// wait out a pending cache refresh installation
	for self.cacheRefreshReady {
		self.cond.Wait()
		if self.stopFlag.Load() {
			self.mu.Unlock()
			return nil, fmt.Errorf("%w: scout stopped", ErrNetwork)
		}
	}
	self.mu.Unlock()

	if cachePolicy == MostRecent || cachePolicy == StrictlyMostRecent {
		nextSnapshotClock, err := self.forceDCClockEstimatesUpdate()
		if err != nil {
			if cachePolicy == StrictlyMostRecent {
				return nil, fmt.Errorf("%w: timed out to get transaction snapshot point: %s", ErrNetwork, err)
			}
			glog.V(1).Infof("[scout]%s begin with stale clock estimate = %s\n", self.scoutId, err)
		} else {
			self.mu.Lock()
			self.updateNextAvailableSnapshot(nextSnapshotClock)
			self.mu.Unlock()
		}
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if err := self.assertRunning(); err != nil {
		return nil, err
	}
	// the refresh barrier may have been raised across the clock request
	for self.cacheRefreshReady {
		self.cond.Wait()
		if self.stopFlag.Load() {
			return nil, fmt.Errorf("%w: scout stopped", ErrNetwork)
		}
	}

	serial := self.nextTxnSerial
	self.nextTxnSerial += 1

	var mapping *protocol.TimestampMapping
	if !readOnly {
		mapping = protocol.NewTimestampMapping(self.timestampSource.generateNew())
	}

	var txn *Txn
	switch isolation {
	case SnapshotIsolation:
		// the snapshot of each new transaction dominates all prior local
		// snapshots (committedVersion only grows); merging the last
		// locally committed clock gives read-your-writes
		snapshotClock := self.nextTransactionSnapshot(true)
		snapshotClock.Merge(self.lastLocallyCommittedTxnClock)
		txn = newSnapshotIsolationTxn(self, sessionId, cachePolicy, readOnly, mapping, snapshotClock, serial)
		glog.V(1).Infof("[scout]%s SI txn %s started with snapshot %s\n", self.scoutId, mapping, snapshotClock)
	case RepeatableReads:
		txn = newRepeatableReadsTxn(self, sessionId, cachePolicy, readOnly, mapping, serial)
		glog.V(1).Infof("[scout]%s RR txn %s started\n", self.scoutId, mapping)
	}
	self.pendingTxns[txn] = true
	return txn, nil
}

func (self *Scout) assertRunning() error {
	if self.stopFlag.Load() {
		return fmt.Errorf("%w: scout is stopped", ErrIllegalState)
	}
	return nil
}

// appendUpdate records an operation in the transaction's per-object group.
func (self *Scout) appendUpdate(txn *Txn, id protocol.CrdtId, op crdts.Op) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	if err := self.assertPendingTxn(txn); err != nil {
		return err
	}
	if err := txn.assertPending(); err != nil {
		return err
	}
	if txn.readOnly {
		return fmt.Errorf("%w: update on a read-only transaction", ErrIllegalState)
	}

	cached := self.cache.getWithoutTouch(id)
	if cached != nil && cached.TypeTag() != id.Type {
		return fmt.Errorf("%w: %s is %q, updated as %q", ErrWrongType, id, cached.TypeTag(), id.Type)
	}

	group, ok := txn.opsGroups[id]
	if !ok {
		group = crdts.NewOpsGroup(id, txn.mapping)
		if cached != nil && !cached.Registered() {
			group.Creation = true
		}
		txn.opsGroups[id] = group
		txn.opsOrder = append(txn.opsOrder, id)
	}
	group.Append(op)
	return nil
}

// requiresGlobalCommit: a transaction needs a store commit unless it is
// read-only or produced no updates. With concurrent open transactions
// every update transaction commits, even empty or rolled back ones.
func (self *Scout) requiresGlobalCommit(txn *Txn) bool {
	if txn.readOnly {
		return false
	}
	if !self.options.ConcurrentOpenTransactions {
		if txn.status == TxnStatusCancelled || !txn.hasUpdates() {
			return false
		}
	}
	return true
}

// commitTxn commits a transaction locally and enqueues it for global
// commit. Blocks when the commit queue is full, unless the transaction
// would block progress of the queue head.
func (self *Scout) commitTxn(txn *Txn) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	if err := self.assertPendingTxn(txn); err != nil {
		return err
	}
	if err := txn.assertPending(); err != nil {
		return err
	}
	if err := self.assertRunning(); err != nil {
		return err
	}

	txn.markLocallyCommitted()
	glog.V(1).Infof("[scout]%s txn %s committed locally\n", self.scoutId, txn.mapping)

	if !self.requiresGlobalCommit(txn) {
		self.tryReuseTxnTimestamp(txn)
		txn.status = TxnStatusCommittedGlobal
		self.cache.removeProtection(txn.serial)
		self.removePendingTxn(txn)
		glog.V(1).Infof("[scout]%s txn %s will not commit globally\n", self.scoutId, txn.mapping)
		return nil
	}

	return self.commitUpdateTxnLocked(txn)
}

// commitUpdateTxnLocked finishes the local commit of an update
// transaction. Caller holds the lock; the transaction is already
// COMMITTED_LOCAL.
func (self *Scout) commitUpdateTxnLocked(txn *Txn) error {
	clientTimestamp := txn.ClientTimestamp()
	self.lastLocallyCommittedTxnClock.Record(clientTimestamp)

	for _, group := range txn.allUpdates() {
		group.Dependency = txn.updatesDependencyClock.Clone()
		id := group.Target
		self.applyLocalObjectUpdates(self.cache.getWithoutTouch(id), txn)

		// other sessions may await this update
		if sessionsSubs, ok := self.objectSessionsUpdateSubscriptions[id]; ok {
			for _, subscription := range sessionsSubs {
				if subscription.txn == txn {
					// exclude self-notifications
					for _, ts := range txn.mapping.Timestamps() {
						subscription.readVersion.Record(ts)
					}
				}
				self.handleObjectUpdatesTryNotify(id, subscription, group.Mapping)
			}
		}
	}
	self.cache.augmentAllWithScoutTimestamp(clientTimestamp)
	self.lastLocallyCommittedTxnClock.Merge(txn.updatesDependencyClock)

	if err := self.appendDurableLog(txn); err != nil {
		glog.Infof("[scout]%s durable log append error = %s\n", self.scoutId, err)
	}

	// backpressure: block while the queue is full, unless this transaction
	// would block the queue head's progress
	for self.options.MaxAsyncTransactionsQueued <= self.locallyCommitted.Len() &&
		self.locallyCommitted.PeekFirst().ClientTimestamp().Counter < clientTimestamp.Counter {
		glog.Infof("[scout]%s commit queue full, blocking the commit\n", self.scoutId)
		self.cond.Wait()
		if self.stopFlag.Load() && !self.stopGracefully {
			return fmt.Errorf("%w: scout stopped before the transaction was queued", ErrNetwork)
		}
	}
	self.locallyCommitted.Add(txn)
	self.stats.commitQueueDepth.Set(float64(self.locallyCommitted.Len()))
	self.removePendingTxn(txn)
	// wake the committer
	self.cond.Broadcast()
	return nil
}

func (self *Scout) appendDurableLog(txn *Txn) error {
	groups := []*protocol.OpsGroupPacket{}
	for _, group := range txn.allUpdates() {
		packet, err := crdts.EncodeOpsGroup(group)
		if err != nil {
			return err
		}
		groups = append(groups, packet)
	}
	entry := &CommitLogEntry{
		ClientTimestamp: txn.ClientTimestamp(),
		Dependency:      txn.updatesDependencyClock.Clone(),
		Groups:          groups,
	}
	if err := self.durableLog.Append(entry); err != nil {
		return err
	}
	if self.options.LogFlushOnCommit {
		return self.durableLog.Flush()
	}
	return nil
}

// discardTxn rolls a transaction back. A handle that produced updates
// still commits a dummy transaction with the same timestamp mapping and no
// operations, so the store assigns a system timestamp for the client
// timestamp and other scouts never observe a hole in this scout's vector.
func (self *Scout) discardTxn(txn *Txn) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	if err := self.assertPendingTxn(txn); err != nil {
		return err
	}
	if err := txn.assertPending(); err != nil {
		return err
	}

	needsDummyCommit := !txn.readOnly && (txn.hasUpdates() || self.options.ConcurrentOpenTransactions)

	txn.markCancelled()
	self.removePendingTxn(txn)
	self.cache.removeProtection(txn.serial)
	glog.V(1).Infof("[scout]%s txn %s rolled back\n", self.scoutId, txn.mapping)

	if !needsDummyCommit {
		self.tryReuseTxnTimestamp(txn)
		return nil
	}

	// the timestamp cannot be returned: commit a dummy instead
	dummy := newRepeatableReadsTxn(self, txn.sessionId, Cached, false, txn.mapping, txn.serial)
	dummy.markLocallyCommitted()
	return self.commitUpdateTxnLocked(dummy)
}

func (self *Scout) tryReuseTxnTimestamp(txn *Txn) {
	if !txn.readOnly {
		// reuse the timestamp to avoid holes in the vector
		self.timestampSource.returnLastTimestamp()
	}
}

func (self *Scout) removePendingTxn(txn *Txn) {
	delete(self.pendingTxns, txn)
	// wake the periodic refresh barrier
	self.cond.Broadcast()
}

// runCacheRefresh periodically refreshes the whole cache under the
// periodic-refresh protocol.
func (self *Scout) runCacheRefresh() {
	defer close(self.refreshDone)

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.options.cacheRefreshPeriod()):
		}
		if self.stopped() {
			return
		}
		self.refreshCache()
	}
}

// refreshCache fetches every cached object at the latest committed
// version, then installs the result once no transaction is pending.
func (self *Scout) refreshCache() {
	// when nothing moved since the last refresh, poke the surrogate for a
	// fresh clock estimate first
	self.mu.Lock()
	candidateVersion := self.globalCommittedVersion(true)
	candidateVersion.Merge(self.lastLocallyCommittedTxnClock)
	candidateVersion.Drop(self.scoutId)
	noUpdate := candidateVersion.Compare(self.nextTransactionSnapshot(false)) == protocol.OrderingEqual
	self.mu.Unlock()
	if noUpdate {
		if _, err := self.forceDCClockEstimatesUpdate(); err != nil {
			glog.V(1).Infof("[scout]%s refresh clock estimate = %s\n", self.scoutId, err)
		}
	}

	// compute the target version of the cache after refresh
	self.mu.Lock()
	version := self.globalCommittedVersion(true)
	version.Merge(self.lastLocallyCommittedTxnClock)
	requestedScoutVersion := version.Latest(self.scoutId)
	version.Drop(self.scoutId)

	ids := []protocol.CrdtId{}
	var knownVersionLowerBound *protocol.CausalClock
	for _, crdt := range self.cache.getAllWithoutTouch() {
		ids = append(ids, crdt.Id())
		if knownVersionLowerBound == nil {
			knownVersionLowerBound = crdt.Clock().Clone()
		} else {
			knownVersionLowerBound.Intersect(crdt.Clock())
		}
	}
	if len(ids) == 0 {
		self.mu.Unlock()
		glog.V(2).Infof("[scout]%s cache empty, refresh not needed\n", self.scoutId)
		return
	}
	self.fetchVersionsInProgress = append(self.fetchVersionsInProgress, version)
	self.mu.Unlock()
	removeInProgress := func() {
		self.mu.Lock()
		for i, fetchedVersion := range self.fetchVersionsInProgress {
			if fetchedVersion == version {
				self.fetchVersionsInProgress = append(
					self.fetchVersionsInProgress[:i],
					self.fetchVersionsInProgress[i+1:]...)
				break
			}
		}
		self.mu.Unlock()
	}

	glog.V(1).Infof("[scout]%s refreshing cache (%d objects) to %s\n", self.scoutId, len(ids), version)

	refreshRequest := &protocol.BatchFetchObjectVersionRequest{
		ScoutId:      self.scoutId,
		DisasterSafe: self.options.DisasterSafe,
		KnownVersion: knownVersionLowerBound,
		Version:      version,
		Ids:          ids,
	}
	ctx, cancel := self.requestContext()
	reply, err := self.endpoint.Request(ctx, refreshRequest)
	cancel()
	if err != nil {
		removeInProgress()
		glog.Infof("[scout]%s cache refresh timed out = %s\n", self.scoutId, err)
		return
	}
	refreshReply, ok := reply.(*protocol.BatchFetchObjectVersionReply)
	if !ok {
		removeInProgress()
		return
	}

	// wait until no transaction executes to avoid versioning problems; the
	// barrier keeps new transactions from starting meanwhile
	self.mu.Lock()
	self.cacheRefreshReady = true
	for 0 < len(self.pendingTxns) && !self.stopFlag.Load() {
		self.cond.Wait()
	}
	stopped := self.stopFlag.Load()
	self.mu.Unlock()

	if !stopped {
		for i := range refreshRequest.Ids {
			if _, err := self.handleFetchObjectReply(nil, refreshRequest, refreshReply, i, false, requestedScoutVersion); err != nil {
				glog.Infof("[scout]%s refresh of %s = %s\n", self.scoutId, refreshRequest.Ids[i], err)
			}
		}
	}

	self.mu.Lock()
	if !stopped {
		self.updateNextAvailableSnapshot(version)
	}
	self.cacheRefreshReady = false
	self.cond.Broadcast()
	self.mu.Unlock()
	removeInProgress()
}
