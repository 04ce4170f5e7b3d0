package scout

import (
	"fmt"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

type IsolationLevel int

const (
	SnapshotIsolation IsolationLevel = iota
	RepeatableReads
	ReadCommitted
	ReadUncommitted
)

func (self IsolationLevel) String() string {
	switch self {
	case SnapshotIsolation:
		return "SNAPSHOT_ISOLATION"
	case RepeatableReads:
		return "REPEATABLE_READS"
	case ReadCommitted:
		return "READ_COMMITTED"
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(self))
}

type CachePolicy int

const (
	// Cached serves reads from the local cache when possible.
	Cached CachePolicy = iota
	// MostRecent refreshes the committed clock estimate at begin, falling
	// back to the cache when the surrogate is unreachable.
	MostRecent
	// StrictlyMostRecent refreshes the committed clock estimate at begin
	// and fails with ErrNetwork when the surrogate is unreachable.
	StrictlyMostRecent
)

type TxnStatus int

const (
	TxnStatusPending TxnStatus = iota
	TxnStatusCommittedLocal
	TxnStatusCommittedGlobal
	TxnStatusCancelled
)

func (self TxnStatus) String() string {
	switch self {
	case TxnStatusPending:
		return "PENDING"
	case TxnStatusCommittedLocal:
		return "COMMITTED_LOCAL"
	case TxnStatusCommittedGlobal:
		return "COMMITTED_GLOBAL"
	case TxnStatusCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("TxnStatus(%d)", int(self))
}

// Txn is a transaction handle bound to one session of a scout. Handles are
// not safe for concurrent use by multiple goroutines of the application.
type Txn struct {
	scout       *Scout
	sessionId   string
	isolation   IsolationLevel
	cachePolicy CachePolicy
	readOnly    bool

	// serial protects cache entries read by this handle from eviction
	// until commit or discard finalization.
	serial int64
	// index in the locally-committed queue heap
	heapIndex int

	// mapping is nil for read-only handles, which never commit globally.
	mapping *protocol.TimestampMapping
	// snapshot is frozen at begin for snapshot isolation; nil for
	// repeatable reads, which freeze per object instead.
	snapshot *protocol.CausalClock
	// objectVersions holds the per-object frozen versions of a repeatable
	// reads handle.
	objectVersions map[protocol.CrdtId]*protocol.CausalClock

	// updatesDependencyClock is the transitive causal antecedent of the
	// write set: it grows with the clock of every object read and is
	// transmitted with the commit.
	updatesDependencyClock *protocol.CausalClock

	// guarded by the scout lock
	status    TxnStatus
	opsGroups map[protocol.CrdtId]*crdts.OpsGroup
	opsOrder  []protocol.CrdtId
}

func (self *Txn) SessionId() string {
	return self.sessionId
}

func (self *Txn) Isolation() IsolationLevel {
	return self.isolation
}

func (self *Txn) ReadOnly() bool {
	return self.readOnly
}

// ClientTimestamp returns the handle's client timestamp; zero for
// read-only handles.
func (self *Txn) ClientTimestamp() protocol.Timestamp {
	if self.mapping == nil {
		return protocol.Timestamp{}
	}
	return self.mapping.ClientTimestamp
}

func (self *Txn) TimestampMapping() *protocol.TimestampMapping {
	return self.mapping
}

func (self *Txn) Status() TxnStatus {
	self.scout.mu.Lock()
	defer self.scout.mu.Unlock()
	return self.status
}

// Get returns a snapshot view of an object, creating it in the store at
// commit time when create is set and the object does not exist. A non-nil
// listener subscribes the session to updates on the object; it fires at
// most once, when the first update newer than the returned view becomes
// globally visible.
func (self *Txn) Get(id protocol.CrdtId, create bool, listener UpdatesListener) (crdts.Crdt, error) {
	switch self.isolation {
	case SnapshotIsolation:
		return self.siGet(id, create, listener)
	case RepeatableReads:
		return self.rrGet(id, create, listener)
	}
	return nil, fmt.Errorf("%w: isolation level %s", ErrUnsupported, self.isolation)
}

// Update appends an operation to the handle's per-object operation group.
func (self *Txn) Update(id protocol.CrdtId, op crdts.Op) error {
	return self.scout.appendUpdate(self, id, op)
}

// Commit commits the transaction: immediately against the local scout
// state, asynchronously against the store. May block when the commit queue
// is full.
func (self *Txn) Commit() error {
	return self.scout.commitTxn(self)
}

// Rollback discards the transaction. A handle that already produced
// updates still costs a dummy global commit so that its client timestamp
// never becomes a permanent hole in the scout's vector.
func (self *Txn) Rollback() error {
	return self.scout.discardTxn(self)
}

// the scout lock is held for all methods below

func (self *Txn) assertPending() error {
	if self.status != TxnStatusPending {
		return fmt.Errorf("%w: transaction is %s", ErrIllegalState, self.status)
	}
	return nil
}

func (self *Txn) markLocallyCommitted() {
	self.status = TxnStatusCommittedLocal
}

func (self *Txn) markGloballyCommitted(systemTimestamp protocol.Timestamp) {
	if !systemTimestamp.IsZero() {
		self.mapping.AddSystemTimestamp(systemTimestamp)
	}
	self.status = TxnStatusCommittedGlobal
}

func (self *Txn) markCancelled() {
	self.status = TxnStatusCancelled
}

// allUpdates returns the operation groups in first-touch order.
func (self *Txn) allUpdates() []*crdts.OpsGroup {
	groups := make([]*crdts.OpsGroup, 0, len(self.opsOrder))
	for _, id := range self.opsOrder {
		groups = append(groups, self.opsGroups[id])
	}
	return groups
}

func (self *Txn) objectUpdates(id protocol.CrdtId) *crdts.OpsGroup {
	return self.opsGroups[id]
}

func (self *Txn) hasUpdates() bool {
	return 0 < len(self.opsGroups)
}

// recordReadDependency grows the dependency clock with the clock of a read.
func (self *Txn) recordReadDependency(clock *protocol.CausalClock) {
	self.updatesDependencyClock.Merge(clock)
}
