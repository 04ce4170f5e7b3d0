package crdts

import (
	"slices"

	"github.com/swiftcloud/scout/protocol"
)

// OpsGroup is the per-object atomic group of operations produced by one
// transaction. The mapping is shared with the owning transaction so that
// system timestamps spliced in after global commit become visible to every
// copy of the group already sitting in CRDT logs.
type OpsGroup struct {
	Target     protocol.CrdtId
	Mapping    *protocol.TimestampMapping
	Dependency *protocol.CausalClock
	// Creation marks the group that brought the object into existence in
	// the store.
	Creation bool
	Ops      []Op
}

func NewOpsGroup(target protocol.CrdtId, mapping *protocol.TimestampMapping) *OpsGroup {
	return &OpsGroup{
		Target:  target,
		Mapping: mapping,
	}
}

func (self *OpsGroup) ClientTimestamp() protocol.Timestamp {
	return self.Mapping.ClientTimestamp
}

func (self *OpsGroup) Append(op Op) {
	self.Ops = append(self.Ops, op)
}

// WithDependency returns a shallow copy of the group carrying a different
// dependency clock. Used by the committer's shared-dependency batching.
func (self *OpsGroup) WithDependency(dependency *protocol.CausalClock) *OpsGroup {
	return &OpsGroup{
		Target:     self.Target,
		Mapping:    self.Mapping,
		Dependency: dependency,
		Creation:   self.Creation,
		Ops:        self.Ops,
	}
}

func (self *OpsGroup) Copy() *OpsGroup {
	var dependency *protocol.CausalClock
	if self.Dependency != nil {
		dependency = self.Dependency.Clone()
	}
	return &OpsGroup{
		Target:     self.Target,
		Mapping:    self.Mapping.Copy(),
		Dependency: dependency,
		Creation:   self.Creation,
		Ops:        slices.Clone(self.Ops),
	}
}

func EncodeOpsGroup(group *OpsGroup) (*protocol.OpsGroupPacket, error) {
	ops := make([]protocol.OpPacket, 0, len(group.Ops))
	for _, op := range group.Ops {
		packet, err := EncodeOp(op)
		if err != nil {
			return nil, err
		}
		ops = append(ops, packet)
	}
	return &protocol.OpsGroupPacket{
		Target:     group.Target,
		Mapping:    group.Mapping.Copy(),
		Dependency: group.Dependency,
		Creation:   group.Creation,
		Ops:        ops,
	}, nil
}

func DecodeOpsGroup(packet *protocol.OpsGroupPacket) (*OpsGroup, error) {
	ops := make([]Op, 0, len(packet.Ops))
	for _, opPacket := range packet.Ops {
		op, err := DecodeOp(opPacket)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return &OpsGroup{
		Target:     packet.Target,
		Mapping:    packet.Mapping,
		Dependency: packet.Dependency,
		Creation:   packet.Creation,
		Ops:        ops,
	}, nil
}
