package scout

import (
	"context"
	"fmt"
	"sync"

	"github.com/swiftcloud/scout/crdts"
	"github.com/swiftcloud/scout/protocol"
)

// In-memory surrogate for the end-to-end scenarios: one simStore shared by
// any number of simEndpoints (one per scout), assigning system timestamps
// on commit and serving versioned object state.

type simStore struct {
	mu sync.Mutex

	dcId    string
	counter int64

	clock        *protocol.CausalClock
	durableClock *protocol.CausalClock

	objects map[protocol.Uid]*crdts.Managed
	// client timestamp -> assigned system timestamps (commit idempotence)
	processed map[protocol.Timestamp][]protocol.Timestamp

	subscriptions map[protocol.CrdtId]map[string]bool
}

func newSimStore() *simStore {
	return &simStore{
		dcId:          "X0",
		clock:         protocol.NewCausalClock(),
		durableClock:  protocol.NewCausalClock(),
		objects:       map[protocol.Uid]*crdts.Managed{},
		processed:     map[protocol.Timestamp][]protocol.Timestamp{},
		subscriptions: map[protocol.CrdtId]map[string]bool{},
	}
}

func (self *simStore) latestKnownClock() *protocol.LatestKnownClockReply {
	self.mu.Lock()
	defer self.mu.Unlock()
	return &protocol.LatestKnownClockReply{
		Clock:                self.clock.Clone(),
		DisasterDurableClock: self.durableClock.Clone(),
	}
}

func (self *simStore) fetch(request *protocol.BatchFetchObjectVersionRequest) *protocol.BatchFetchObjectVersionReply {
	self.mu.Lock()
	defer self.mu.Unlock()

	reply := &protocol.BatchFetchObjectVersionReply{
		EstimatedCommittedVersion:                self.clock.Clone(),
		EstimatedDisasterDurableCommittedVersion: self.durableClock.Clone(),
	}
	for _, id := range request.Ids {
		if request.SubscribeUpdates {
			if self.subscriptions[id] == nil {
				self.subscriptions[id] = map[string]bool{}
			}
			self.subscriptions[id][request.ScoutId] = true
		}

		object, ok := self.objects[id.Uid()]
		if !ok {
			reply.Statuses = append(reply.Statuses, protocol.FetchStatusObjectNotFound)
			reply.Crdts = append(reply.Crdts, nil)
			continue
		}
		if !self.clock.Compare(request.Version).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
			// requested version not yet replicated here
			reply.Statuses = append(reply.Statuses, protocol.FetchStatusVersionMissing)
			reply.Crdts = append(reply.Crdts, nil)
			continue
		}
		if request.KnownVersion != nil &&
			request.KnownVersion.Compare(object.Clock()).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
			reply.Statuses = append(reply.Statuses, protocol.FetchStatusUpToDate)
			reply.Crdts = append(reply.Crdts, nil)
			continue
		}
		packet, err := crdts.EncodeManaged(object)
		if err != nil {
			panic(err)
		}
		reply.Statuses = append(reply.Statuses, protocol.FetchStatusOk)
		reply.Crdts = append(reply.Crdts, packet)
	}
	return reply
}

func (self *simStore) commit(request *protocol.BatchCommitUpdatesRequest) *protocol.BatchCommitUpdatesReply {
	self.mu.Lock()
	defer self.mu.Unlock()

	reply := &protocol.BatchCommitUpdatesReply{}
	for _, commitRequest := range request.Requests {
		if systemTimestamps, ok := self.processed[commitRequest.ClientTimestamp]; ok {
			reply.Replies = append(reply.Replies, &protocol.CommitUpdatesReply{
				Status:           protocol.CommitStatusCommittedWithKnownTimestamps,
				SystemTimestamps: systemTimestamps,
			})
			continue
		}

		self.counter += 1
		systemTimestamp := protocol.Timestamp{Source: self.dcId, Counter: self.counter}

		for _, groupPacket := range commitRequest.OpsGroups {
			group, err := crdts.DecodeOpsGroup(groupPacket)
			if err != nil {
				panic(err)
			}
			group.Mapping.AddSystemTimestamp(systemTimestamp)

			object, ok := self.objects[group.Target.Uid()]
			if !ok {
				checkpoint, err := crdts.New(group.Target.Type)
				if err != nil {
					panic(err)
				}
				object = crdts.NewManaged(group.Target, checkpoint, protocol.NewCausalClock(), true)
				self.objects[group.Target.Uid()] = object
			}
			object.SetRegistered()
			if _, err := object.Execute(group, crdts.DependencyIgnore); err != nil {
				panic(err)
			}
		}

		self.clock.Record(systemTimestamp)
		self.clock.Record(commitRequest.ClientTimestamp)
		self.durableClock.Record(systemTimestamp)
		self.durableClock.Record(commitRequest.ClientTimestamp)
		self.processed[commitRequest.ClientTimestamp] = []protocol.Timestamp{systemTimestamp}
		reply.Replies = append(reply.Replies, &protocol.CommitUpdatesReply{
			Status:           protocol.CommitStatusCommittedWithKnownTimestamps,
			SystemTimestamps: []protocol.Timestamp{systemTimestamp},
		})
	}
	return reply
}

func (self *simStore) systemTimestampsFor(clientTimestamp protocol.Timestamp) []protocol.Timestamp {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.processed[clientTimestamp]
}

func (self *simStore) committedClock() *protocol.CausalClock {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.clock.Clone()
}

// simEndpoint is one scout's link to the simStore.
type simEndpoint struct {
	store *simStore

	mu          sync.Mutex
	unreachable bool

	notifications chan *protocol.BatchUpdatesNotification
}

func newSimEndpoint(store *simStore) *simEndpoint {
	return &simEndpoint{
		store:         store,
		notifications: make(chan *protocol.BatchUpdatesNotification, 16),
	}
}

func (self *simEndpoint) setUnreachable(unreachable bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.unreachable = unreachable
}

func (self *simEndpoint) Request(ctx context.Context, message any) (any, error) {
	self.mu.Lock()
	unreachable := self.unreachable
	self.mu.Unlock()
	if unreachable {
		return nil, fmt.Errorf("%w: surrogate unreachable", ErrNetwork)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNetwork, err)
	}

	switch v := message.(type) {
	case *protocol.LatestKnownClockRequest:
		return self.store.latestKnownClock(), nil
	case *protocol.BatchFetchObjectVersionRequest:
		return self.store.fetch(v), nil
	case *protocol.BatchCommitUpdatesRequest:
		return self.store.commit(v), nil
	case *protocol.UnsubscribeUpdatesRequest:
		self.store.mu.Lock()
		for _, id := range v.Ids {
			if scouts, ok := self.store.subscriptions[id]; ok {
				delete(scouts, v.ScoutId)
			}
		}
		self.store.mu.Unlock()
		return &protocol.UnsubscribeUpdatesReply{}, nil
	}
	return nil, fmt.Errorf("%w: unexpected message %T", ErrNetwork, message)
}

// push delivers a server-initiated notification batch to the scout.
func (self *simEndpoint) push(batch *protocol.BatchUpdatesNotification) {
	self.notifications <- batch
}

func (self *simEndpoint) Notifications() <-chan *protocol.BatchUpdatesNotification {
	return self.notifications
}

func (self *simEndpoint) Close() error {
	return nil
}
