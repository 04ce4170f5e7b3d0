package scout

import (
	"reflect"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// UpdatesListener observes updates on an object read by a transaction.
// A listener fires at most once per registration, when the first update
// strictly newer than the read's version becomes globally visible.
type UpdatesListener interface {
	OnObjectUpdate(id protocol.CrdtId, previousValue crdts.Crdt)
	// SubscriptionOnly listeners never fire; they only keep the scout
	// receiving updates for the object.
	SubscriptionOnly() bool
}

type UpdatesListenerFunc func(id protocol.CrdtId, previousValue crdts.Crdt)

func (self UpdatesListenerFunc) OnObjectUpdate(id protocol.CrdtId, previousValue crdts.Crdt) {
	self(id, previousValue)
}

func (self UpdatesListenerFunc) SubscriptionOnly() bool {
	return false
}

type subscriptionOnlyListener struct {
}

func (self *subscriptionOnlyListener) OnObjectUpdate(id protocol.CrdtId, previousValue crdts.Crdt) {
}

func (self *subscriptionOnlyListener) SubscriptionOnly() bool {
	return true
}

// SubscriptionUpdatesOnly subscribes the scout to updates for an object
// without installing a listener.
func SubscriptionUpdatesOnly() UpdatesListener {
	return &subscriptionOnlyListener{}
}

// updateSubscription is one session's listener registration, awaiting an
// update that occurred after readVersion.
type updateSubscription struct {
	txn         *Txn
	listener    UpdatesListener
	view        crdts.Crdt
	readVersion *protocol.CausalClock
	fired       atomic.Bool
}

// fireOnce schedules the listener callback. The atomic flag guarantees
// at-most-once firing per registration.
func (self *updateSubscription) fireOnce(scout *Scout, id protocol.CrdtId) {
	scout.execute(func() {
		if self.fired.Swap(true) {
			return
		}
		if scout.stopped() {
			return
		}
		glog.V(1).Infof("[notify]fire %s\n", id)
		self.listener.OnObjectUpdate(id, self.view)
		scout.mu.Lock()
		scout.removeUpdateSubscriptionWithListener(id, self.txn.sessionId, self)
		scout.mu.Unlock()
	})
}

// deferredNotify collects the objects whose listeners await the global
// commit of one timestamp mapping.
type deferredNotify struct {
	mapping *protocol.TimestampMapping
	ids     map[protocol.CrdtId]bool
}

// the scout lock is held for all subscription bookkeeping below

func (self *Scout) addUpdateSubscriptionNoListener(crdt *crdts.Managed, needsFetch bool) {
	id := crdt.Id()
	if _, ok := self.objectSessionsUpdateSubscriptions[id]; ok {
		return
	}
	self.objectSessionsUpdateSubscriptions[id] = map[string]*updateSubscription{}
	if needsFetch && crdt.Registered() {
		self.asyncFetchAndSubscribe(id)
	}
	// else: newly created object; the committer subscribes once the store
	// knows the object
}

func (self *Scout) addUpdateSubscriptionWithListener(
	txn *Txn,
	crdt *crdts.Managed,
	view crdts.Crdt,
	viewClock *protocol.CausalClock,
	listener UpdatesListener,
	needsFetch bool,
) *updateSubscription {
	id := crdt.Id()
	sessionsSubs, ok := self.objectSessionsUpdateSubscriptions[id]
	if !ok {
		self.addUpdateSubscriptionNoListener(crdt, needsFetch)
		sessionsSubs = self.objectSessionsUpdateSubscriptions[id]
	}

	subscription := &updateSubscription{
		txn:         txn,
		listener:    listener,
		view:        view,
		readVersion: viewClock.Clone(),
	}
	// overwriting an old session entry is fine: the latest get wins
	sessionsSubs[txn.sessionId] = subscription
	return subscription
}

func (self *Scout) removeUpdateSubscriptionWithListener(id protocol.CrdtId, sessionId string, subscription *updateSubscription) {
	if sessionsSubs, ok := self.objectSessionsUpdateSubscriptions[id]; ok {
		if sessionsSubs[sessionId] == subscription {
			delete(sessionsSubs, sessionId)
		}
	}
}

// removeUpdateSubscriptionAsyncUnsubscribe drops the subscription state and
// tells the surrogate to stop pushing, off the lock.
func (self *Scout) removeUpdateSubscriptionAsyncUnsubscribe(id protocol.CrdtId) {
	delete(self.objectSessionsUpdateSubscriptions, id)
	delete(self.subscribedUpdates, id)
	self.execute(func() {
		self.mu.Lock()
		_, resubscribed := self.objectSessionsUpdateSubscriptions[id]
		self.mu.Unlock()
		if resubscribed || self.stopped() {
			return
		}
		ctx, cancel := self.requestContext()
		defer cancel()
		_, err := self.endpoint.Request(ctx, &protocol.UnsubscribeUpdatesRequest{
			ScoutId: self.scoutId,
			Ids:     []protocol.CrdtId{id},
		})
		if err != nil {
			glog.V(1).Infof("[notify]unsubscribe %s error = %s\n", id, err)
		}
	})
}

// asyncFetchAndSubscribe refreshes an object while asking the surrogate to
// push its future updates.
func (self *Scout) asyncFetchAndSubscribe(id protocol.CrdtId) {
	if self.stopped() {
		return
	}
	self.execute(func() {
		self.mu.Lock()
		if _, ok := self.objectSessionsUpdateSubscriptions[id]; !ok {
			self.mu.Unlock()
			return
		}
		version := self.nextReadLowerBound()
		version.Merge(self.lastLocallyCommittedTxnClock)
		self.mu.Unlock()

		if err := self.fetchObjectVersion(nil, id, false, nil, version, true, true); err != nil {
			glog.Infof("[notify]fetch for subscription %s error = %s\n", id, err)
		}
	})
}

// applyObjectUpdates applies one notification batch entry to the cache.
func (self *Scout) applyObjectUpdates(id protocol.CrdtId, groups []*crdts.OpsGroup) {
	if self.stopFlag.Load() {
		glog.V(1).Infof("[notify]update after stop -> ignoring\n")
		return
	}

	sessionsSubs := self.objectSessionsUpdateSubscriptions[id]

	crdt := self.cache.getWithoutTouch(id)
	if crdt == nil {
		// the object was evicted during the subscription
		glog.V(1).Infof("[notify]updates for evicted object %s\n", id)
		if sessionsSubs != nil {
			if 0 < len(sessionsSubs) {
				if 0 < len(groups) {
					// a listener still waits; make an effort to fire it
					self.asyncFetchAndSubscribe(id)
				}
			} else {
				self.removeUpdateSubscriptionAsyncUnsubscribe(id)
			}
		}
		return
	}

	for _, group := range groups {
		newUpdate, err := crdt.Execute(group, crdts.DependencyIgnore)
		if err != nil {
			glog.Infof("[notify]apply %s error = %s\n", id, err)
			continue
		}
		updatesScoutId := group.ClientTimestamp().Source
		if updatesScoutId != self.scoutId {
			crdt.DiscardScoutClock(updatesScoutId)
		}
		if !newUpdate {
			continue
		}
		if sessionsSubs != nil {
			for _, subscription := range sessionsSubs {
				self.handleObjectUpdatesTryNotify(id, subscription, group.Mapping)
			}
		}
	}
}

// handleObjectUpdatesTryNotify fires or defers a listener for updates that
// are visible but possibly not yet globally committed.
func (self *Scout) handleObjectUpdatesTryNotify(
	id protocol.CrdtId,
	subscription *updateSubscription,
	mappings ...*protocol.TimestampMapping,
) {
	if self.stopFlag.Load() {
		return
	}

	for _, mapping := range mappings {
		if mapping.AnyIncluded(subscription.readVersion) {
			continue
		}
		if mapping.AnyIncluded(self.nextTransactionSnapshot(false)) ||
			mapping.AnyIncluded(self.lastLocallyCommittedTxnClock) {
			subscription.fireOnce(self, id)
			return
		}
		// not committed yet; queue until a committed version covers it
		deferred, ok := self.uncommittedUpdatesObjectsToNotify[mapping.ClientTimestamp]
		if !ok {
			deferred = &deferredNotify{
				mapping: mapping.Copy(),
				ids:     map[protocol.CrdtId]bool{},
			}
			self.uncommittedUpdatesObjectsToNotify[mapping.ClientTimestamp] = deferred
		}
		deferred.ids[id] = true
		glog.V(1).Infof("[notify]update on %s visible but uncommitted, delaying\n", id)
	}
}

// handleObjectNewVersionTryNotify checks a refreshed object against a
// subscription's read version.
func (self *Scout) handleObjectNewVersionTryNotify(id protocol.CrdtId, subscription *updateSubscription, crdt *crdts.Managed) {
	if self.stopFlag.Load() {
		return
	}

	recentUpdates, err := crdt.UpdatesSince(subscription.readVersion)
	if err != nil {
		// pruned since the subscription was set up; approximate by
		// comparing the old and new views
		glog.Infof("[notify]%s pruned since subscription, comparing views\n", id)
		nextClock := self.nextTransactionSnapshot(true)
		nextClock.Merge(self.lastLocallyCommittedTxnClock)
		nextClock.Intersect(crdt.Clock())
		newView, err := crdt.GetVersion(nextClock)
		if err != nil {
			glog.Infof("[notify]%s view comparison impossible = %s\n", id, err)
			return
		}
		if !valuesEqual(newView.Value(), subscription.view.Value()) {
			subscription.fireOnce(self, id)
		}
		return
	}
	self.handleObjectUpdatesTryNotify(id, subscription, recentUpdates...)
}

// drainCommittedNotifications fires deferred listeners whose mappings are
// now covered by the committed version. Called on committed-version
// advances.
func (self *Scout) drainCommittedNotifications() {
	committed := self.globalCommittedVersion(false)
	for clientTimestamp, deferred := range self.uncommittedUpdatesObjectsToNotify {
		if !deferred.mapping.AnyIncluded(committed) {
			continue
		}
		delete(self.uncommittedUpdatesObjectsToNotify, clientTimestamp)
		for id := range deferred.ids {
			if sessionsSubs, ok := self.objectSessionsUpdateSubscriptions[id]; ok {
				for _, subscription := range sessionsSubs {
					subscription.fireOnce(self, id)
				}
			}
		}
	}
}

// runNotifications consumes the surrogate push channel.
func (self *Scout) runNotifications() {
	defer close(self.notifierDone)

	for {
		select {
		case <-self.ctx.Done():
			return
		case batch, ok := <-self.endpoint.Notifications():
			if !ok {
				return
			}
			self.handleNotification(batch)
		}
	}
}

func (self *Scout) handleNotification(batch *protocol.BatchUpdatesNotification) {
	self.stats.notifications.Inc()
	glog.V(1).Infof("[notify]batch version %s with %d objects\n", batch.NewVersion, len(batch.ObjectsUpdates))

	self.mu.Lock()
	defer self.mu.Unlock()

	if self.stopFlag.Load() {
		return
	}

	for _, objectUpdates := range batch.ObjectsUpdates {
		groups := make([]*crdts.OpsGroup, 0, len(objectUpdates.Groups))
		for _, groupPacket := range objectUpdates.Groups {
			group, err := crdts.DecodeOpsGroup(groupPacket)
			if err != nil {
				glog.Infof("[notify]bad ops group for %s = %s\n", objectUpdates.Id, err)
				continue
			}
			groups = append(groups, group)
		}
		self.applyObjectUpdates(objectUpdates.Id, groups)
	}

	var nextSnapshot *protocol.CausalClock
	if batch.DisasterSafe {
		nextSnapshot = self.updateCommittedVersions(nil, batch.NewVersion)
	} else {
		nextSnapshot = self.updateCommittedVersions(batch.NewVersion, nil)
	}
	if self.options.CacheUpdateProtocol == CausalNotificationsStream {
		self.cache.augmentAllWithDCClock(batch.NewVersion)
		self.updateNextAvailableSnapshot(nextSnapshot)
	}

	self.tryPruneObjects(batch.Ids()...)
}

func valuesEqual(a any, b any) bool {
	return reflect.DeepEqual(a, b)
}
