package scout

import (
	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// Repeatable reads handle: no global snapshot is frozen at begin. The first
// access to each object freezes that object's version to what the cache
// holds at the time; later reads of the same id return the same value.

func newRepeatableReadsTxn(
	scout *Scout,
	sessionId string,
	cachePolicy CachePolicy,
	readOnly bool,
	mapping *protocol.TimestampMapping,
	serial int64,
) *Txn {
	return &Txn{
		scout:                  scout,
		sessionId:              sessionId,
		isolation:              RepeatableReads,
		cachePolicy:            cachePolicy,
		readOnly:               readOnly,
		serial:                 serial,
		mapping:                mapping,
		objectVersions:         map[protocol.CrdtId]*protocol.CausalClock{},
		updatesDependencyClock: protocol.NewCausalClock(),
		status:                 TxnStatusPending,
		opsGroups:              map[protocol.CrdtId]*crdts.OpsGroup{},
	}
}

func (self *Txn) rrGet(id protocol.CrdtId, create bool, listener UpdatesListener) (crdts.Crdt, error) {
	self.scout.mu.Lock()
	frozen := self.objectVersions[id]
	self.scout.mu.Unlock()

	if frozen != nil {
		view, _, err := self.scout.getObjectVersion(self, id, frozen.Clone(), create, listener)
		return view, err
	}

	view, viewClock, err := self.scout.getObjectLatestVersion(self, id, self.cachePolicy, create, listener)
	if err != nil {
		return nil, err
	}

	self.scout.mu.Lock()
	if _, ok := self.objectVersions[id]; !ok {
		self.objectVersions[id] = viewClock.Clone()
	}
	self.scout.mu.Unlock()
	return view, nil
}
