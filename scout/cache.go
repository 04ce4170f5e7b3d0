package scout

import (
	"container/list"
	"time"

	"github.com/golang/glog"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// evictionListener is invoked for every object dropped from the cache.
type evictionListener func(id protocol.CrdtId)

// objectsCache is the local cache of managed CRDTs with access-order
// eviction. Entries age out when unused past the eviction time or when the
// cache exceeds its capacity, except entries protected by the serial of an
// open transaction, which survive until the protection is released at
// commit or discard finalization.
//
// Thread unsafe; the scout's coarse lock provides synchronization.
type objectsCache struct {
	maxElements  int
	evictionTime time.Duration

	// access order: front = most recently touched
	accessOrder *list.List
	entries     map[protocol.Uid]*cacheEntry
	protections map[int64]bool

	evictionListener evictionListener

	// test seam
	now func() time.Time
}

type cacheEntry struct {
	object     *crdts.Managed
	txnSerial  int64
	lastAccess time.Time
	accesses   int64
	element    *list.Element
}

func newObjectsCache(evictionTime time.Duration, maxElements int) *objectsCache {
	return &objectsCache{
		maxElements:  maxElements,
		evictionTime: evictionTime,
		accessOrder:  list.New(),
		entries:      map[protocol.Uid]*cacheEntry{},
		protections:  map[int64]bool{},
		now:          time.Now,
	}
}

func (self *objectsCache) setEvictionListener(evictionListener evictionListener) {
	self.evictionListener = evictionListener
}

// add installs a managed CRDT, possibly overwriting an old entry, and
// protects it for txnSerial (negative for none). May evict excess entries.
func (self *objectsCache) add(object *crdts.Managed, txnSerial int64) {
	if 0 <= txnSerial {
		self.protections[txnSerial] = true
	}
	uid := object.Id().Uid()
	if entry, ok := self.entries[uid]; ok {
		self.accessOrder.Remove(entry.element)
	}
	entry := &cacheEntry{
		object:     object,
		txnSerial:  txnSerial,
		lastAccess: self.now(),
	}
	entry.element = self.accessOrder.PushFront(entry)
	self.entries[uid] = entry
	self.evictExcess()
}

// getAndTouch returns the object and records the access.
func (self *objectsCache) getAndTouch(id protocol.CrdtId) *crdts.Managed {
	entry, ok := self.entries[id.Uid()]
	if !ok {
		return nil
	}
	entry.accesses += 1
	entry.lastAccess = self.now()
	self.accessOrder.MoveToFront(entry.element)
	return entry.object
}

// getWithoutTouch returns the object without affecting eviction order.
func (self *objectsCache) getWithoutTouch(id protocol.CrdtId) *crdts.Managed {
	entry, ok := self.entries[id.Uid()]
	if !ok {
		return nil
	}
	return entry.object
}

func (self *objectsCache) getAllWithoutTouch() []*crdts.Managed {
	objects := make([]*crdts.Managed, 0, len(self.entries))
	for _, entry := range self.entries {
		objects = append(objects, entry.object)
	}
	return objects
}

func (self *objectsCache) size() int {
	return len(self.entries)
}

// removeProtection releases a transaction's eviction protection and sweeps
// outdated and excess entries.
func (self *objectsCache) removeProtection(txnSerial int64) {
	delete(self.protections, txnSerial)
	self.evictExcess()
	self.evictOutdated()
}

func (self *objectsCache) evict(entry *cacheEntry) {
	id := entry.object.Id()
	self.accessOrder.Remove(entry.element)
	delete(self.entries, id.Uid())
	if self.evictionListener != nil {
		self.evictionListener(id)
	}
}

// evictExcess drops least-recently-accessed unprotected entries while the
// cache is over capacity.
func (self *objectsCache) evictExcess() {
	evicted := 0
	element := self.accessOrder.Back()
	for element != nil && self.maxElements < len(self.entries) {
		previous := element.Prev()
		entry := element.Value.(*cacheEntry)
		if !self.protections[entry.txnSerial] {
			self.evict(entry)
			evicted += 1
		}
		element = previous
	}
	if 0 < evicted {
		glog.V(1).Infof("[cache]evicted %d over capacity %d\n", evicted, self.maxElements)
	}
}

// evictOutdated drops entries not accessed within the eviction time.
func (self *objectsCache) evictOutdated() {
	threshold := self.now().Add(-self.evictionTime)
	evicted := 0
	element := self.accessOrder.Back()
	for element != nil {
		previous := element.Prev()
		entry := element.Value.(*cacheEntry)
		if entry.lastAccess.After(threshold) {
			break
		}
		if !self.protections[entry.txnSerial] {
			self.evict(entry)
			evicted += 1
		}
		element = previous
	}
	if 0 < evicted {
		glog.V(1).Infof("[cache]evicted %d idle entries\n", evicted)
	}
}

// augmentAllWithDCClock advances every cached object's clock; no new
// operation evidence is imported.
func (self *objectsCache) augmentAllWithDCClock(clock *protocol.CausalClock) {
	for _, entry := range self.entries {
		entry.object.AugmentWithDCClock(clock)
	}
}

// augmentAllWithScoutTimestamp records a local client timestamp in every
// cached object's clock.
func (self *objectsCache) augmentAllWithScoutTimestamp(ts protocol.Timestamp) {
	for _, entry := range self.entries {
		entry.object.AugmentWithScoutTimestamp(ts)
	}
}
