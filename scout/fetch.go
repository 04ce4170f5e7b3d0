package scout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang/glog"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// fetch pipeline: concurrent reads of the same id share one physical
// request at a time (singleflight); distinct ids fetch in parallel.
// VERSION_MISSING replies are retried with backoff until the deadline;
// VERSION_PRUNED is surfaced immediately as a version-not-found.

const fetchRetryInitialBackoff = 50 * time.Millisecond
const fetchRetryMaxBackoff = 1 * time.Second

// fetchOutcome is the explicit result variant at the fetch boundary.
type fetchOutcome int

const (
	fetchOk fetchOutcome = iota
	fetchRetry
	fetchFatal
)

// getObjectLatestVersion reads the most recent version the cache policy
// allows. Returns the snapshot view and the clock it was taken at.
func (self *Scout) getObjectLatestVersion(
	txn *Txn,
	id protocol.CrdtId,
	cachePolicy CachePolicy,
	create bool,
	listener UpdatesListener,
) (crdts.Crdt, *protocol.CausalClock, error) {
	self.mu.Lock()
	if err := self.assertPendingTxn(txn); err != nil {
		self.mu.Unlock()
		return nil, nil, err
	}
	if cachePolicy == Cached {
		view, viewClock, err := self.getCachedObjectVersion(txn, id, nil, listener, false)
		if err == nil {
			self.stats.cacheHits.Inc()
			self.mu.Unlock()
			return view, viewClock, nil
		}
		if errors.Is(err, ErrWrongType) {
			self.mu.Unlock()
			return nil, nil, err
		}
		self.stats.cacheMisses.Inc()
	}
	self.mu.Unlock()

	deadline := time.Now().Add(self.options.deadline())
	for {
		self.mu.Lock()
		fetchStrictlyRequired := cachePolicy == StrictlyMostRecent || self.cache.getAndTouch(id) == nil
		fetchClock := self.nextTransactionSnapshot(true)
		self.mu.Unlock()

		fetchError := false
		err := self.fetchObjectVersion(txn, id, create, nil, fetchClock, true, listener != nil)
		if err != nil {
			if fetchStrictlyRequired || errors.Is(err, ErrNoSuchObject) || errors.Is(err, ErrWrongType) {
				return nil, nil, err
			}
			fetchError = true
		}

		self.mu.Lock()
		view, viewClock, err := self.getCachedObjectVersion(txn, id, nil, listener, !fetchError)
		self.mu.Unlock()
		if err == nil {
			return view, viewClock, nil
		}
		if errors.Is(err, ErrWrongType) {
			return nil, nil, err
		}
		if deadline.Before(time.Now()) {
			return nil, nil, fmt.Errorf("%w: no usable version after fetch: %s", ErrVersionNotFound, err)
		}
		glog.Infof("[fetch]%s not usable just after fetch (retrying) = %s\n", id, err)
	}
}

// getObjectVersion reads an object at a specific version.
func (self *Scout) getObjectVersion(
	txn *Txn,
	id protocol.CrdtId,
	version *protocol.CausalClock,
	create bool,
	listener UpdatesListener,
) (crdts.Crdt, *protocol.CausalClock, error) {
	self.mu.Lock()
	if err := self.assertPendingTxn(txn); err != nil {
		self.mu.Unlock()
		return nil, nil, err
	}
	view, viewClock, err := self.getCachedObjectVersion(txn, id, version.Clone(), listener, false)
	if err == nil {
		self.stats.cacheHits.Inc()
		self.mu.Unlock()
		return view, viewClock, nil
	}
	if errors.Is(err, ErrWrongType) {
		self.mu.Unlock()
		return nil, nil, err
	}
	self.stats.cacheMisses.Inc()
	self.mu.Unlock()

	deadline := time.Now().Add(self.options.deadline())
	for {
		sendMoreRecentUpdates := listener != nil
		if err := self.fetchObjectVersion(txn, id, create, nil, version.Clone(), sendMoreRecentUpdates, listener != nil); err != nil {
			return nil, nil, err
		}

		self.mu.Lock()
		view, viewClock, err := self.getCachedObjectVersion(txn, id, version.Clone(), listener, true)
		self.mu.Unlock()
		if err == nil {
			return view, viewClock, nil
		}
		if errors.Is(err, ErrWrongType) || errors.Is(err, ErrVersionNotFound) {
			// concurrent pruning may invalidate the cache copy; bounded retry
			if errors.Is(err, ErrVersionNotFound) && time.Now().Before(deadline) {
				glog.Infof("[fetch]%s version raced with pruning (retrying) = %s\n", id, err)
				continue
			}
			return nil, nil, err
		}
		if deadline.Before(time.Now()) {
			return nil, nil, fmt.Errorf("%w: object missing just after fetch: %s", ErrVersionNotFound, err)
		}
		glog.Infof("[fetch]%s missing just after fetch (retrying) = %s\n", id, err)
	}
}

// getCachedObjectVersion returns a snapshot view from the cache if a
// suitable version is available, registering the listener subscription.
// clock == nil requests the most recent locally consistent version.
// Caller holds the scout lock.
func (self *Scout) getCachedObjectVersion(
	txn *Txn,
	id protocol.CrdtId,
	clock *protocol.CausalClock,
	listener UpdatesListener,
	justFetched bool,
) (crdts.Crdt, *protocol.CausalClock, error) {
	crdt := self.cache.getAndTouch(id)
	if crdt == nil {
		return nil, nil, fmt.Errorf("%w: %s not in cache", ErrNoSuchObject, id)
	}
	if crdt.TypeTag() != id.Type {
		return nil, nil, fmt.Errorf("%w: %s is %q, requested %q", ErrWrongType, id, crdt.TypeTag(), id.Type)
	}

	if clock == nil {
		// the most recent thing we would like to read: the latest committed
		// version including prior local transactions
		clock = self.nextTransactionSnapshot(true)
		clock.Merge(self.lastLocallyCommittedTxnClock)

		if self.options.ConcurrentOpenTransactions && txn != nil && !txn.readOnly {
			// only transactions with lower timestamps may enter the
			// snapshot; timestamp order induces the commit order
			clock.Drop(self.scoutId)
			clock.RecordAllUntil(txn.ClientTimestamp())
		}

		// fall back to what the cache actually holds
		clock.Intersect(crdt.Clock())
	}

	view, err := crdt.GetVersion(clock)
	if err != nil {
		return nil, nil, err
	}

	if txn != nil {
		txn.recordReadDependency(clock)
	}

	if listener != nil {
		self.assertNotificationsCompatibleMode()
		if listener.SubscriptionOnly() {
			self.addUpdateSubscriptionNoListener(crdt, !justFetched)
		} else if txn != nil {
			subscription := self.addUpdateSubscriptionWithListener(txn, crdt, view, clock, listener, !justFetched)
			// fire immediately if more recent updates are already known
			self.handleObjectNewVersionTryNotify(id, subscription, crdt)
		}
	}
	return view, clock, nil
}

func (self *Scout) assertNotificationsCompatibleMode() {
	if self.options.CacheUpdateProtocol != CausalNotificationsStream {
		glog.Infof("[fetch]object notifications are incompatible with protocol mode %s\n", self.options.CacheUpdateProtocol)
	}
}

// fetchObjectVersion fetches an object at requestedVersion into the cache.
// The scout's own entry is dropped from the requested clock: the store
// reasons about store-side causality only and the scout re-adds its own
// timestamps locally.
func (self *Scout) fetchObjectVersion(
	txn *Txn,
	id protocol.CrdtId,
	create bool,
	knownVersion *protocol.CausalClock,
	requestedVersion *protocol.CausalClock,
	sendMoreRecentUpdates bool,
	subscribeUpdates bool,
) error {
	self.mu.Lock()
	if subscribeUpdates {
		self.assertNotificationsCompatibleMode()
		self.subscribedUpdates[id] = true
	} else {
		subscribeUpdates = self.subscribedUpdates[id]
	}
	self.mu.Unlock()

	requestedScoutVersion := requestedVersion.Latest(self.scoutId)
	requestedVersion = requestedVersion.Clone()
	requestedVersion.Drop(self.scoutId)
	// the store assumes knownVersion is only used for precise requests
	var knownVersionUsed *protocol.CausalClock
	if !sendMoreRecentUpdates {
		knownVersionUsed = knownVersion
	}
	request := &protocol.BatchFetchObjectVersionRequest{
		ScoutId:               self.scoutId,
		DisasterSafe:          self.options.DisasterSafe,
		KnownVersion:          knownVersionUsed,
		Version:               requestedVersion,
		SendMoreRecentUpdates: sendMoreRecentUpdates,
		SubscribeUpdates:      subscribeUpdates,
		LightMode:             self.options.CacheUpdateProtocol == NoCacheOrUncoordinated,
		Ids:                   []protocol.CrdtId{id},
	}

	// hold the requested clock in the in-progress set for the whole fetch:
	// pruning must never cross a live request
	self.mu.Lock()
	self.fetchVersionsInProgress = append(self.fetchVersionsInProgress, requestedVersion)
	self.stats.fetchesInProgress.Inc()
	self.mu.Unlock()
	defer func() {
		self.mu.Lock()
		i := slices.Index(self.fetchVersionsInProgress, requestedVersion)
		if 0 <= i {
			self.fetchVersionsInProgress = slices.Delete(self.fetchVersionsInProgress, i, i+1)
		}
		self.stats.fetchesInProgress.Dec()
		self.mu.Unlock()
	}()

	// later callers for the same id await the outcome of the in-flight
	// request instead of racing their own
	_, err, _ := self.fetchGroup.Do(id.String(), func() (any, error) {
		return nil, self.doFetchObjectVersionOrTimeout(txn, id, request, create, requestedScoutVersion)
	})
	return err
}

func (self *Scout) doFetchObjectVersionOrTimeout(
	txn *Txn,
	id protocol.CrdtId,
	request *protocol.BatchFetchObjectVersionRequest,
	create bool,
	requestedScoutVersion protocol.Timestamp,
) error {
	deadline := time.Now().Add(self.options.deadline())
	backoff := fetchRetryInitialBackoff
	firstTry := true
	for {
		if !firstTry {
			glog.Infof("[fetch]%s retrying\n", id)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: deadline exceeded fetching %s", ErrNetwork, id)
		}
		ctx, cancel := context.WithTimeout(self.ctx, remaining)
		reply, err := self.endpoint.Request(ctx, request)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: fetching %s: %s", ErrNetwork, id, err)
		}
		if self.stopped() {
			return fmt.Errorf("%w: scout shut down while fetching %s", ErrNetwork, id)
		}
		fetchReply, ok := reply.(*protocol.BatchFetchObjectVersionReply)
		if !ok {
			return fmt.Errorf("%w: unexpected fetch reply %T", ErrNetwork, reply)
		}

		outcome, err := self.handleFetchObjectReply(txn, request, fetchReply, 0, create, requestedScoutVersion)
		switch outcome {
		case fetchOk:
			return nil
		case fetchFatal:
			return err
		}

		// VERSION_MISSING: back off and retry until the deadline
		firstTry = false
		select {
		case <-self.ctx.Done():
			return fmt.Errorf("%w: scout shut down while fetching %s", ErrNetwork, id)
		case <-time.After(min(backoff, time.Until(deadline))):
		}
		backoff = min(2*backoff, fetchRetryMaxBackoff)
	}
}

// handleFetchObjectReply merges one reply entry into the cache.
func (self *Scout) handleFetchObjectReply(
	txn *Txn,
	request *protocol.BatchFetchObjectVersionRequest,
	fetchReply *protocol.BatchFetchObjectVersionReply,
	idxInBatch int,
	create bool,
	requestedScoutVersion protocol.Timestamp,
) (fetchOutcome, error) {
	if len(fetchReply.Statuses) <= idxInBatch {
		return fetchFatal, fmt.Errorf("%w: truncated fetch reply", ErrNetwork)
	}
	id := request.Ids[idxInBatch]
	status := fetchReply.Statuses[idxInBatch]

	var crdt *crdts.Managed
	switch status {
	case protocol.FetchStatusObjectNotFound:
		if !create {
			return fetchFatal, fmt.Errorf("%w: %s", ErrNoSuchObject, id)
		}
		checkpoint, err := crdts.New(id.Type)
		if err != nil {
			return fetchFatal, err
		}
		clock := request.Version.Clone()
		if fetchReply.EstimatedDisasterDurableCommittedVersion != nil {
			clock.Merge(fetchReply.EstimatedDisasterDurableCommittedVersion)
		}
		if fetchReply.EstimatedCommittedVersion != nil {
			clock.Merge(fetchReply.EstimatedCommittedVersion)
		}
		if !requestedScoutVersion.IsZero() {
			clock.RecordAllUntil(requestedScoutVersion)
		}
		crdt = crdts.NewManaged(id, checkpoint, clock, false)
	case protocol.FetchStatusUpToDate:
		crdt = nil
	case protocol.FetchStatusOk, protocol.FetchStatusVersionMissing, protocol.FetchStatusVersionPruned:
		if idxInBatch < len(fetchReply.Crdts) && fetchReply.Crdts[idxInBatch] != nil {
			decoded, err := crdts.DecodeManaged(fetchReply.Crdts[idxInBatch])
			if err != nil {
				return fetchFatal, err
			}
			crdt = decoded
		}
	default:
		return fetchFatal, fmt.Errorf("%w: unexpected fetch status %s", ErrIllegalState, status)
	}

	self.mu.Lock()
	self.updateCommittedVersions(
		fetchReply.EstimatedCommittedVersion,
		fetchReply.EstimatedDisasterDurableCommittedVersion,
	)

	var cacheCrdt *crdts.Managed
	if txn != nil {
		cacheCrdt = self.cache.getAndTouch(id)
	} else {
		cacheCrdt = self.cache.getWithoutTouch(id)
	}

	txnSerial := int64(-1)
	if txn != nil {
		txnSerial = txn.serial
	}

	if cacheCrdt == nil {
		if crdt != nil {
			self.cache.add(crdt, txnSerial)
			cacheCrdt = crdt
			// re-apply queued local transactions not present in the
			// received version
			for _, localTxn := range self.globallyCommittedUnstable {
				self.applyLocalObjectUpdates(cacheCrdt, localTxn)
			}
			for _, localTxn := range self.locallyCommitted.Ordered() {
				self.applyLocalObjectUpdates(cacheCrdt, localTxn)
			}
		} else {
			// no payload and nothing cached: evicted during an UP_TO_DATE
			// fetch, or a payload-free VERSION_MISSING/VERSION_PRUNED reply
			self.mu.Unlock()
			if status == protocol.FetchStatusVersionPruned {
				return fetchFatal, fmt.Errorf("%w: %s version %s pruned at the store", ErrVersionNotFound, id, request.Version)
			}
			if txn != nil && status == protocol.FetchStatusUpToDate {
				glog.Infof("[fetch]%s evicted from the cache during fetch\n", id)
			}
			return fetchRetry, nil
		}
	} else {
		if crdt != nil {
			if err := cacheCrdt.Merge(crdt); err != nil {
				glog.Infof("[fetch]merging incoming %s failed, dropping cached version = %s\n", id, err)
				cacheCrdt = crdt
				self.cache.add(crdt, txnSerial)
			}
		} else {
			// UP_TO_DATE: clock-only advancement
			cacheCrdt.AugmentWithDCClock(request.Version)
		}
	}

	// see if anybody awaits new updates on this object
	if sessionsSubs, ok := self.objectSessionsUpdateSubscriptions[id]; ok {
		for _, subscription := range sessionsSubs {
			self.handleObjectNewVersionTryNotify(id, subscription, cacheCrdt)
		}
	}
	self.tryPruneObjects(id)
	self.mu.Unlock()

	switch status {
	case protocol.FetchStatusVersionPruned:
		return fetchFatal, fmt.Errorf("%w: %s version %s pruned at the store", ErrVersionNotFound, id, request.Version)
	case protocol.FetchStatusVersionMissing:
		glog.Infof("[fetch]%s version %s not (yet) replicated at the store\n", id, request.Version)
		return fetchRetry, nil
	}
	return fetchOk, nil
}

// applyLocalObjectUpdates re-applies a local transaction's changes to a
// cached object; when the transaction did not touch the object, only its
// timestamps are recorded. Caller holds the scout lock.
func (self *Scout) applyLocalObjectUpdates(cacheCrdt *crdts.Managed, localTxn *Txn) bool {
	if cacheCrdt == nil {
		glog.Infof("[fetch]object evicted, cannot apply local transaction changes\n")
		return false
	}
	group := localTxn.objectUpdates(cacheCrdt.Id())
	if group != nil {
		// IGNORE dependency checking: repeatable-reads dependencies are
		// overestimated
		newUpdates, err := cacheCrdt.Execute(group, crdts.DependencyIgnore)
		if err != nil {
			glog.Infof("[fetch]reapply local txn on %s error = %s\n", cacheCrdt.Id(), err)
			return false
		}
		return newUpdates
	}
	cacheCrdt.AugmentWithScoutTimestamp(localTxn.ClientTimestamp())
	dcTimestamps := protocol.NewCausalClock()
	for _, systemTimestamp := range localTxn.mapping.SystemTimestamps {
		dcTimestamps.Record(systemTimestamp)
	}
	cacheCrdt.AugmentWithDCClock(dcTimestamps)
	return false
}
