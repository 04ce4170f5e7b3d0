package scout

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// committer: a single goroutine serializing locally committed transactions
// to the store in client timestamp order.

const commitRetryBackoff = 1 * time.Second

// runCommitter consumes the locally-committed queue until stop. A graceful
// stop drains the queue first.
func (self *Scout) runCommitter() {
	defer close(self.committerDone)

	for {
		transactionsToCommit := self.consumeLocallyCommittedTxnsQueue()
		self.stats.commitBatchSize.Observe(float64(len(transactionsToCommit)))

		self.mu.Lock()
		stopFlag := self.stopFlag.Load()
		stopGracefully := self.stopGracefully
		self.mu.Unlock()
		if stopFlag && (len(transactionsToCommit) == 0 || !stopGracefully) {
			if 0 < len(transactionsToCommit) {
				glog.Infof("[commit]ungraceful stop, %d transactions not globally committed\n", len(transactionsToCommit))
			}
			return
		}
		if err := self.commitTxnsGlobally(transactionsToCommit); err != nil {
			glog.Errorf("[commit]fatal commit error = %s\n", err)
			self.stopWithError()
			return
		}
	}
}

// consumeLocallyCommittedTxnsQueue blocks until a batch of transactions is
// ready to commit, within the batch size limit and satisfying the
// concurrent-open ordering constraint.
func (self *Scout) consumeLocallyCommittedTxnsQueue() []*Txn {
	self.mu.Lock()
	defer self.mu.Unlock()

	for {
		batch := []*Txn{}
		for _, candidate := range self.locallyCommitted.Ordered() {
			if len(batch) == self.options.MaxCommitBatchSize {
				break
			}
			if !self.validCommitCandidate(candidate) {
				break
			}
			batch = append(batch, candidate)
		}

		if 0 < len(batch) || self.stopFlag.Load() {
			return batch
		}
		self.cond.Wait()
	}
}

// validCommitCandidate: with concurrent open transactions, a queued
// transaction may only commit when no open update transaction with a
// smaller client counter exists.
func (self *Scout) validCommitCandidate(candidate *Txn) bool {
	if !self.options.ConcurrentOpenTransactions {
		return true
	}
	candidateCounter := candidate.ClientTimestamp().Counter
	for txn := range self.pendingTxns {
		if !txn.readOnly && txn.ClientTimestamp().Counter < candidateCounter {
			return false
		}
	}
	return true
}

// commitTxnsGlobally is the stubborn commit procedure: it repeats the batch
// request until the store accepts it. Transactions cannot be silently
// dropped; only a stop, INVALID_OPERATION or a reply that does not match
// the request ends the attempts.
func (self *Scout) commitTxnsGlobally(transactionsToCommit []*Txn) error {
	requests, err := self.composeCommitRequests(transactionsToCommit)
	if err != nil {
		return err
	}
	commitRequest := &protocol.BatchCommitUpdatesRequest{
		ScoutId:      self.scoutId,
		DisasterSafe: self.options.DisasterSafe,
		Requests:     requests,
	}

	var batchReply *protocol.BatchCommitUpdatesReply
	for {
		ctx, cancel := context.WithTimeout(self.ctx, self.options.deadline())
		reply, err := self.endpoint.Request(ctx, commitRequest)
		cancel()
		if err == nil {
			var ok bool
			batchReply, ok = reply.(*protocol.BatchCommitUpdatesReply)
			if !ok {
				return fmt.Errorf("%w: unexpected commit reply %T", ErrIllegalState, reply)
			}
			break
		}
		if self.stopped() {
			return fmt.Errorf("%w: scout stopped during commit", ErrNetwork)
		}
		glog.Infof("[commit]batch of %d timed out, retrying = %s\n", len(requests), err)
		select {
		case <-self.ctx.Done():
			return fmt.Errorf("%w: scout stopped during commit", ErrNetwork)
		case <-time.After(commitRetryBackoff):
		}
	}

	if len(batchReply.Replies) != len(requests) {
		return fmt.Errorf("%w: store returned %d replies for %d commit requests",
			ErrIllegalState, len(batchReply.Replies), len(requests))
	}

	return self.processCommitReplies(transactionsToCommit, batchReply)
}

// composeCommitRequests preprocesses a batch. With shared dependencies,
// every transaction's dependency clock is replaced by the last
// transaction's clock plus an interval covering all prior client
// timestamps of this scout - a legal over-approximation that shrinks
// metadata. The scout's own entry, that interval included, is then dropped
// from every request's dependency clock.
func (self *Scout) composeCommitRequests(transactionsToCommit []*Txn) ([]*protocol.CommitUpdatesRequest, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	var sharedDeps *protocol.CausalClock
	if self.options.ShareDependenciesInBatch {
		last := transactionsToCommit[len(transactionsToCommit)-1]
		sharedDeps = last.updatesDependencyClock.Clone()
		previousCounter := transactionsToCommit[0].ClientTimestamp().Counter - 1
		if 0 < previousCounter {
			sharedDeps.RecordAllUntil(protocol.Timestamp{
				Source:  self.scoutId,
				Counter: previousCounter,
			})
		}
	}

	requests := make([]*protocol.CommitUpdatesRequest, 0, len(transactionsToCommit))
	for _, txn := range transactionsToCommit {
		if txn.status != TxnStatusCommittedLocal {
			return nil, fmt.Errorf("%w: transaction %s is %s in the commit queue",
				ErrIllegalState, txn.ClientTimestamp(), txn.status)
		}
		var deps *protocol.CausalClock
		if sharedDeps != nil {
			deps = sharedDeps
		} else {
			deps = txn.updatesDependencyClock.Clone()
		}
		// internal dependency is implicit from the timestamp and checked
		// by the surrogate
		deps = deps.Clone()
		deps.Drop(self.scoutId)

		opsGroups := []*protocol.OpsGroupPacket{}
		for _, group := range txn.allUpdates() {
			packet, err := crdts.EncodeOpsGroup(group.WithDependency(deps))
			if err != nil {
				return nil, err
			}
			opsGroups = append(opsGroups, packet)
		}
		requests = append(requests, &protocol.CommitUpdatesRequest{
			ClientTimestamp: txn.ClientTimestamp(),
			Dependency:      deps,
			OpsGroups:       opsGroups,
			KStability:      1,
		})
	}
	return requests, nil
}

func (self *Scout) processCommitReplies(transactionsToCommit []*Txn, batchReply *protocol.BatchCommitUpdatesReply) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	for i, reply := range batchReply.Replies {
		txn := transactionsToCommit[i]

		switch reply.Status {
		case protocol.CommitStatusCommittedWithKnownTimestamps:
			for _, ts := range reply.SystemTimestamps {
				txn.markGloballyCommitted(ts)
			}
			systemTxnClock := protocol.NewCausalClock()
			for _, systemTimestamp := range txn.mapping.SystemTimestamps {
				systemTxnClock.Record(systemTimestamp)
			}

			// record the new mappings on the updated objects
			updatedObjectIds := []protocol.CrdtId{}
			for _, group := range txn.allUpdates() {
				id := group.Target
				updatedObjectIds = append(updatedObjectIds, id)
				self.applyLocalObjectUpdates(self.cache.getWithoutTouch(id), txn)
			}
			// advance the clock of all cached objects
			self.cache.augmentAllWithDCClock(systemTxnClock)
			self.tryPruneObjects(updatedObjectIds...)
		case protocol.CommitStatusCommittedWithKnownClockRange:
			txn.markGloballyCommitted(protocol.Timestamp{})
			if reply.CommitClock != nil {
				self.updateCommittedVersions(reply.CommitClock, nil)
			}
		case protocol.CommitStatusInvalidOperation:
			return fmt.Errorf("%w: store replied INVALID_OPERATION for %s", ErrIllegalState, txn.ClientTimestamp())
		default:
			return fmt.Errorf("%w: unknown commit status %s", ErrUnsupported, reply.Status)
		}

		self.cache.removeProtection(txn.serial)
		self.locallyCommitted.Remove(txn)
		self.stats.commitQueueDepth.Set(float64(self.locallyCommitted.Len()))
		self.globallyCommittedUnstable = append(self.globallyCommittedUnstable, txn)
		if err := self.durableLog.MarkCommitted(txn.ClientTimestamp().Counter); err != nil {
			glog.Infof("[commit]durable log mark error = %s\n", err)
		}
		self.cond.Broadcast()

		glog.V(1).Infof("[commit]%s committed globally\n", txn.mapping)

		// subscribe updates for newly created objects once the store knows
		// them
		for _, group := range txn.allUpdates() {
			_, subscriptionsExist := self.objectSessionsUpdateSubscriptions[group.Target]
			if subscriptionsExist && group.Creation {
				self.asyncFetchAndSubscribe(group.Target)
			}
		}
	}
	return nil
}
