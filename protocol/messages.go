package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// CrdtId identifies a CRDT object in the store. Equality is structural.
type CrdtId struct {
	Table string `msgpack:"table"`
	Key   string `msgpack:"key"`
	// Type is the registered CRDT type tag the object is expected to have.
	Type string `msgpack:"type"`
}

func (self CrdtId) String() string {
	return self.Table + "/" + self.Key
}

// Uid is the (table, key) pair naming the object independently of the
// requested type tag. Two requests naming the same Uid with different type
// tags address the same stored object.
type Uid struct {
	Table string
	Key   string
}

func (self CrdtId) Uid() Uid {
	return Uid{
		Table: self.Table,
		Key:   self.Key,
	}
}

// OpPacket is one CRDT operation in transit: a registered op kind plus its
// msgpack-encoded body. The crdts package owns the kind registry.
type OpPacket struct {
	Kind string             `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// OpsGroupPacket is the wire form of a per-object atomic group of operations
// from one transaction.
type OpsGroupPacket struct {
	Target     CrdtId            `msgpack:"target"`
	Mapping    *TimestampMapping `msgpack:"mapping"`
	Dependency *CausalClock      `msgpack:"dependency"`
	// Creation marks the group that brought the object into existence.
	Creation bool       `msgpack:"creation"`
	Ops      []OpPacket `msgpack:"ops"`
}

// CrdtPacket is the wire form of a managed CRDT: checkpoint state plus the
// log of update groups above the prune clock.
type CrdtPacket struct {
	Id         CrdtId             `msgpack:"id"`
	Clock      *CausalClock       `msgpack:"clock"`
	PruneClock *CausalClock       `msgpack:"prune_clock"`
	Registered bool               `msgpack:"registered"`
	Checkpoint msgpack.RawMessage `msgpack:"checkpoint"`
	Log        []*OpsGroupPacket  `msgpack:"log"`
}

type Auth struct {
	ScoutId string `msgpack:"scout_id"`
	ByJwt   string `msgpack:"by_jwt"`
}

type LatestKnownClockRequest struct {
	ScoutId      string `msgpack:"scout_id"`
	DisasterSafe bool   `msgpack:"disaster_safe"`
}

type LatestKnownClockReply struct {
	Clock                *CausalClock `msgpack:"clock"`
	DisasterDurableClock *CausalClock `msgpack:"disaster_durable_clock"`
}

type FetchStatus uint8

const (
	FetchStatusOk FetchStatus = iota
	FetchStatusUpToDate
	FetchStatusObjectNotFound
	FetchStatusVersionMissing
	FetchStatusVersionPruned
)

func (self FetchStatus) String() string {
	switch self {
	case FetchStatusOk:
		return "OK"
	case FetchStatusUpToDate:
		return "UP_TO_DATE"
	case FetchStatusObjectNotFound:
		return "OBJECT_NOT_FOUND"
	case FetchStatusVersionMissing:
		return "VERSION_MISSING"
	case FetchStatusVersionPruned:
		return "VERSION_PRUNED"
	}
	return fmt.Sprintf("FetchStatus(%d)", uint8(self))
}

type BatchFetchObjectVersionRequest struct {
	ScoutId      string `msgpack:"scout_id"`
	DisasterSafe bool   `msgpack:"disaster_safe"`
	// KnownVersion optionally tells the store what the scout already holds,
	// allowing a delta or UP_TO_DATE reply.
	KnownVersion *CausalClock `msgpack:"known_version"`
	// Version is the requested version, with the scout's own entry dropped.
	Version               *CausalClock `msgpack:"version"`
	SendMoreRecentUpdates bool         `msgpack:"send_more_recent_updates"`
	SubscribeUpdates      bool         `msgpack:"subscribe_updates"`
	LightMode             bool         `msgpack:"light_mode"`
	Ids                   []CrdtId     `msgpack:"ids"`
}

type BatchFetchObjectVersionReply struct {
	// Statuses and Crdts are indexed like the request's Ids; Crdts entries
	// are nil for replies without payload.
	Statuses                                 []FetchStatus `msgpack:"statuses"`
	Crdts                                    []*CrdtPacket `msgpack:"crdts"`
	EstimatedCommittedVersion                *CausalClock  `msgpack:"estimated_committed_version"`
	EstimatedDisasterDurableCommittedVersion *CausalClock  `msgpack:"estimated_disaster_durable_committed_version"`
}

type CommitUpdatesRequest struct {
	ClientTimestamp Timestamp         `msgpack:"client_timestamp"`
	Dependency      *CausalClock      `msgpack:"dependency"`
	OpsGroups       []*OpsGroupPacket `msgpack:"ops_groups"`
	KStability      int               `msgpack:"k_stability"`
}

type BatchCommitUpdatesRequest struct {
	ScoutId      string                  `msgpack:"scout_id"`
	DisasterSafe bool                    `msgpack:"disaster_safe"`
	Requests     []*CommitUpdatesRequest `msgpack:"requests"`
}

type CommitStatus uint8

const (
	CommitStatusCommittedWithKnownTimestamps CommitStatus = iota
	CommitStatusCommittedWithKnownClockRange
	CommitStatusInvalidOperation
)

func (self CommitStatus) String() string {
	switch self {
	case CommitStatusCommittedWithKnownTimestamps:
		return "COMMITTED_WITH_KNOWN_TIMESTAMPS"
	case CommitStatusCommittedWithKnownClockRange:
		return "COMMITTED_WITH_KNOWN_CLOCK_RANGE"
	case CommitStatusInvalidOperation:
		return "INVALID_OPERATION"
	}
	return fmt.Sprintf("CommitStatus(%d)", uint8(self))
}

type CommitUpdatesReply struct {
	Status           CommitStatus `msgpack:"status"`
	SystemTimestamps []Timestamp  `msgpack:"system_timestamps"`
	// CommitClock bounds the assigned timestamps when the store replies
	// with a clock range instead of explicit timestamps.
	CommitClock *CausalClock `msgpack:"commit_clock"`
}

type BatchCommitUpdatesReply struct {
	Replies []*CommitUpdatesReply `msgpack:"replies"`
}

// ObjectUpdatesPacket pairs an object with the update groups of one
// notification batch.
type ObjectUpdatesPacket struct {
	Id     CrdtId            `msgpack:"id"`
	Groups []*OpsGroupPacket `msgpack:"groups"`
}

// BatchUpdatesNotification is pushed by the surrogate over the scout's
// update subscription channel.
type BatchUpdatesNotification struct {
	ScoutId        string                 `msgpack:"scout_id"`
	NewVersion     *CausalClock           `msgpack:"new_version"`
	DisasterSafe   bool                   `msgpack:"disaster_safe"`
	ObjectsUpdates []*ObjectUpdatesPacket `msgpack:"objects_updates"`
}

func (self *BatchUpdatesNotification) Ids() []CrdtId {
	ids := make([]CrdtId, 0, len(self.ObjectsUpdates))
	for _, objectUpdates := range self.ObjectsUpdates {
		ids = append(ids, objectUpdates.Id)
	}
	return ids
}

type UnsubscribeUpdatesRequest struct {
	ScoutId string   `msgpack:"scout_id"`
	Ids     []CrdtId `msgpack:"ids"`
}

type UnsubscribeUpdatesReply struct {
}
