// Package crdts provides the CRDT value types replicated by the scout and
// the managed wrapper that versions them against causal clocks.
package crdts

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/swiftcloud/scout/protocol"
)

var (
	// ErrVersionNotFound - the requested version is outside the
	// [prune clock, clock] window of a managed CRDT.
	ErrVersionNotFound = errors.New("version not found")
	// ErrIllegalState - API misuse or states that cannot be combined.
	ErrIllegalState = errors.New("illegal state")
	// ErrWrongType - a value or operation does not match the registered
	// type of the target object.
	ErrWrongType = errors.New("wrong type")
)

// Crdt is the polymorphic value trait. A value only knows how to apply its
// own operations and copy itself; versioning, pruning and merge live in
// `Managed`.
type Crdt interface {
	Type() string
	Apply(op Op) error
	Copy() Crdt
	// Value returns the observable application value of the current state.
	Value() any
}

// Op is a single CRDT operation. Operations are associative, commutative
// and idempotent under the managed wrapper's dedup by timestamp mapping.
type Op interface {
	Kind() string
}

type crdtFactory struct {
	newValue    func() Crdt
	decodeValue func(b []byte) (Crdt, error)
}

var crdtFactories = map[string]*crdtFactory{}
var opDecoders = map[string]func(b []byte) (Op, error){}

func registerCrdt(typeTag string, factory *crdtFactory) {
	crdtFactories[typeTag] = factory
}

func registerOp(kind string, decode func(b []byte) (Op, error)) {
	opDecoders[kind] = decode
}

// New returns an empty value of the registered type.
func New(typeTag string) (Crdt, error) {
	factory, ok := crdtFactories[typeTag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown crdt type %q", ErrWrongType, typeTag)
	}
	return factory.newValue(), nil
}

func EncodeValue(value Crdt) ([]byte, error) {
	return msgpack.Marshal(value)
}

func DecodeValue(typeTag string, b []byte) (Crdt, error) {
	factory, ok := crdtFactories[typeTag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown crdt type %q", ErrWrongType, typeTag)
	}
	return factory.decodeValue(b)
}

func EncodeOp(op Op) (protocol.OpPacket, error) {
	b, err := msgpack.Marshal(op)
	if err != nil {
		return protocol.OpPacket{}, err
	}
	return protocol.OpPacket{
		Kind: op.Kind(),
		Body: b,
	}, nil
}

func DecodeOp(packet protocol.OpPacket) (Op, error) {
	decode, ok := opDecoders[packet.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown op kind %q", ErrWrongType, packet.Kind)
	}
	return decode(packet.Body)
}
