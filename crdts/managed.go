package crdts

import (
	"fmt"

	"github.com/swiftcloud/scout/protocol"
)

// DependencyPolicy controls how Execute treats an operation group's
// dependency clock.
type DependencyPolicy int

const (
	// DependencyCheck fails the execution when the group's dependencies
	// are not included in the CRDT clock.
	DependencyCheck DependencyPolicy = iota
	// DependencyIgnore applies the group without checking dependencies.
	// Used for replayed local transactions and notification deliveries,
	// which may arrive out of causal order at the link level.
	DependencyIgnore
	// DependencyRecordBlindly applies the group without checking
	// dependencies or prior inclusion.
	DependencyRecordBlindly
)

// Managed wraps a CRDT value with its versioning metadata: a checkpoint
// state at the prune clock plus a log of update groups above it.
//
// Invariant: pruneClock is dominated by (or equal to) clock, and snapshots
// can only be produced for query clocks between the two.
//
// Not safe for concurrent use; the scout serializes access.
type Managed struct {
	id         protocol.CrdtId
	checkpoint Crdt
	log        []*OpsGroup
	clock      *protocol.CausalClock
	pruneClock *protocol.CausalClock
	registered bool
}

// NewManaged wraps an initial (empty) checkpoint known to be the object's
// state everywhere up to clock: the object had no updates yet, so the
// prune clock starts empty and any version up to clock is servable.
func NewManaged(id protocol.CrdtId, checkpoint Crdt, clock *protocol.CausalClock, registered bool) *Managed {
	return &Managed{
		id:         id,
		checkpoint: checkpoint,
		clock:      clock.Clone(),
		pruneClock: protocol.NewCausalClock(),
		registered: registered,
	}
}

func (self *Managed) Id() protocol.CrdtId {
	return self.id
}

func (self *Managed) TypeTag() string {
	return self.checkpoint.Type()
}

func (self *Managed) Clock() *protocol.CausalClock {
	return self.clock
}

func (self *Managed) PruneClock() *protocol.CausalClock {
	return self.pruneClock
}

func (self *Managed) Registered() bool {
	return self.registered
}

func (self *Managed) SetRegistered() {
	self.registered = true
}

// Execute applies an operation group. Returns true when the group was new,
// false when any of its timestamps was already included in the clock;
// under DependencyRecordBlindly the group is logged and true returned
// either way. All mapping timestamps are recorded in the clock either way.
func (self *Managed) Execute(group *OpsGroup, policy DependencyPolicy) (bool, error) {
	if group.Target.Type != self.TypeTag() {
		return false, fmt.Errorf("%w: group %q for object %q", ErrWrongType, group.Target.Type, self.TypeTag())
	}
	if policy == DependencyCheck && group.Dependency != nil {
		if !self.clock.Compare(group.Dependency).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
			return false, fmt.Errorf("%w: missing dependencies of %s", ErrIllegalState, group.ClientTimestamp())
		}
	}

	included := group.Mapping.AnyIncluded(self.clock)
	for _, ts := range group.Mapping.Timestamps() {
		self.clock.Record(ts)
	}
	if included && policy != DependencyRecordBlindly {
		return false, nil
	}

	self.log = append(self.log, group)
	return true, nil
}

// Prune collapses the history up to point into the checkpoint. The clock
// is unchanged; afterwards the prune clock includes every event of point.
func (self *Managed) Prune(point *protocol.CausalClock, checkVersions bool) error {
	if checkVersions {
		if !self.clock.Compare(point).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
			return fmt.Errorf("%w: prune point %s above object clock %s", ErrIllegalState, point, self.clock)
		}
	}
	nextPruneClock := self.pruneClock.Clone()
	nextPruneClock.Merge(point)
	return self.collapse(nextPruneClock)
}

func (self *Managed) collapse(nextPruneClock *protocol.CausalClock) error {
	remaining := []*OpsGroup{}
	for _, group := range self.log {
		if group.Mapping.AnyIncluded(nextPruneClock) {
			for _, op := range group.Ops {
				if err := self.checkpoint.Apply(op); err != nil {
					return err
				}
			}
		} else {
			remaining = append(remaining, group)
		}
	}
	self.log = remaining
	self.pruneClock = nextPruneClock
	return nil
}

// GetVersion produces a snapshot value for the query clock. The query must
// lie between the prune clock and the clock.
func (self *Managed) GetVersion(query *protocol.CausalClock) (Crdt, error) {
	if !query.Compare(self.pruneClock).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
		return nil, fmt.Errorf("%w: query %s below prune clock %s", ErrVersionNotFound, query, self.pruneClock)
	}
	if !self.clock.Compare(query).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
		return nil, fmt.Errorf("%w: query %s above object clock %s", ErrVersionNotFound, query, self.clock)
	}
	value := self.checkpoint.Copy()
	for _, group := range self.log {
		if group.Mapping.AnyIncluded(query) {
			for _, op := range group.Ops {
				if err := value.Apply(op); err != nil {
					return nil, err
				}
			}
		}
	}
	return value, nil
}

// LatestVersion produces a snapshot at the full object clock.
func (self *Managed) LatestVersion() (Crdt, error) {
	return self.GetVersion(self.clock)
}

// Merge combines another copy of the same object into the receiver.
// The copies must overlap: one side's clock has to cover the other side's
// prune clock, otherwise there is a gap no log can fill and the merge
// fails with ErrIllegalState (the caller then drops its copy and refetches).
// The other copy is consumed.
func (self *Managed) Merge(other *Managed) error {
	if self.id != other.id {
		return fmt.Errorf("%w: merging %s into %s", ErrIllegalState, other.id, self.id)
	}
	if self.clock.Compare(other.pruneClock).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
		// keep own checkpoint, replay the other's log
		for _, group := range other.log {
			if _, err := self.Execute(group, DependencyIgnore); err != nil {
				return err
			}
		}
	} else if other.clock.Compare(self.pruneClock).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
		// the other copy is ahead; rebase onto its checkpoint
		ownLog := self.log
		self.checkpoint = other.checkpoint
		self.log = other.log
		ownClock := self.clock
		self.clock = other.clock
		self.pruneClock = other.pruneClock
		for _, group := range ownLog {
			if _, err := self.Execute(group, DependencyIgnore); err != nil {
				return err
			}
		}
		self.clock.Merge(ownClock)
	} else {
		return fmt.Errorf("%w: merge of %s without overlap: clock %s vs prune clock %s",
			ErrIllegalState, self.id, self.clock, other.pruneClock)
	}

	self.clock.Merge(other.clock)
	nextPruneClock := self.pruneClock.Clone()
	nextPruneClock.Merge(other.pruneClock)
	if err := self.collapse(nextPruneClock); err != nil {
		return err
	}
	self.registered = self.registered || other.registered
	return nil
}

// UpdatesSince enumerates the timestamp mappings of update groups not
// covered by since. Fails when since is below the prune clock, because the
// collapsed groups can no longer be enumerated.
func (self *Managed) UpdatesSince(since *protocol.CausalClock) ([]*protocol.TimestampMapping, error) {
	if !since.Compare(self.pruneClock).Is(protocol.OrderingDominates, protocol.OrderingEqual) {
		return nil, fmt.Errorf("%w: since %s below prune clock %s", ErrVersionNotFound, since, self.pruneClock)
	}
	mappings := []*protocol.TimestampMapping{}
	for _, group := range self.log {
		if !group.Mapping.AnyIncluded(since) {
			mappings = append(mappings, group.Mapping)
		}
	}
	return mappings, nil
}

// AugmentWithDCClock expands the clock only; no new operation evidence is
// imported. Used when the scout learns of global visibility without payload.
func (self *Managed) AugmentWithDCClock(clock *protocol.CausalClock) {
	self.clock.Merge(clock)
}

// AugmentWithScoutTimestamp records a single local client timestamp in the
// clock without operations.
func (self *Managed) AugmentWithScoutTimestamp(ts protocol.Timestamp) {
	self.clock.Record(ts)
}

// DiscardScoutClock drops a foreign scout's client entries from the clocks.
// Safe once the updates' system timestamps are known; bounds vector growth.
func (self *Managed) DiscardScoutClock(source string) {
	self.clock.Drop(source)
	self.pruneClock.Drop(source)
}

func EncodeManaged(managed *Managed) (*protocol.CrdtPacket, error) {
	checkpoint, err := EncodeValue(managed.checkpoint)
	if err != nil {
		return nil, err
	}
	log := make([]*protocol.OpsGroupPacket, 0, len(managed.log))
	for _, group := range managed.log {
		packet, err := EncodeOpsGroup(group)
		if err != nil {
			return nil, err
		}
		log = append(log, packet)
	}
	return &protocol.CrdtPacket{
		Id:         managed.id,
		Clock:      managed.clock.Clone(),
		PruneClock: managed.pruneClock.Clone(),
		Registered: managed.registered,
		Checkpoint: checkpoint,
		Log:        log,
	}, nil
}

func DecodeManaged(packet *protocol.CrdtPacket) (*Managed, error) {
	checkpoint, err := DecodeValue(packet.Id.Type, packet.Checkpoint)
	if err != nil {
		return nil, err
	}
	log := make([]*OpsGroup, 0, len(packet.Log))
	for _, groupPacket := range packet.Log {
		group, err := DecodeOpsGroup(groupPacket)
		if err != nil {
			return nil, err
		}
		log = append(log, group)
	}
	return &Managed{
		id:         packet.Id,
		checkpoint: checkpoint,
		log:        log,
		clock:      packet.Clock,
		pruneClock: packet.PruneClock,
		registered: packet.Registered,
	}, nil
}
