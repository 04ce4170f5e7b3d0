package scout

import (
	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// Snapshot isolation handle: the snapshot clock is frozen at begin and
// reads under the Cached policy are served at it; MostRecent and
// StrictlyMostRecent reads go through getObjectLatestVersion and are not
// bound to it. The snapshot of each new transaction
// dominates the snapshots of all prior local transactions (monotonic
// reads) and includes the scout's previously committed client timestamps
// (read-your-writes).

func newSnapshotIsolationTxn(
	scout *Scout,
	sessionId string,
	cachePolicy CachePolicy,
	readOnly bool,
	mapping *protocol.TimestampMapping,
	snapshot *protocol.CausalClock,
	serial int64,
) *Txn {
	return &Txn{
		scout:                  scout,
		sessionId:              sessionId,
		isolation:              SnapshotIsolation,
		cachePolicy:            cachePolicy,
		readOnly:               readOnly,
		serial:                 serial,
		mapping:                mapping,
		snapshot:               snapshot,
		updatesDependencyClock: snapshot.Clone(),
		status:                 TxnStatusPending,
		opsGroups:              map[protocol.CrdtId]*crdts.OpsGroup{},
	}
}

func (self *Txn) siGet(id protocol.CrdtId, create bool, listener UpdatesListener) (crdts.Crdt, error) {
	if self.cachePolicy == Cached {
		view, _, err := self.scout.getObjectVersion(self, id, self.snapshot.Clone(), create, listener)
		return view, err
	}
	view, _, err := self.scout.getObjectLatestVersion(self, id, self.cachePolicy, create, listener)
	return view, err
}
