package crdts

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const TypeRegister = "lww-register"
const KindRegisterSet = "register-set"

func init() {
	registerCrdt(TypeRegister, &crdtFactory{
		newValue: func() Crdt {
			return NewRegister()
		},
		decodeValue: func(b []byte) (Crdt, error) {
			register := &Register{}
			if err := msgpack.Unmarshal(b, register); err != nil {
				return nil, err
			}
			return register, nil
		},
	})
	registerOp(KindRegisterSet, func(b []byte) (Op, error) {
		op := &RegisterSet{}
		if err := msgpack.Unmarshal(b, op); err != nil {
			return nil, err
		}
		return op, nil
	})
}

// Register is a last-writer-wins register. Writes are ordered by
// (lamport, site); ties are broken lexicographically on the site id so
// every replica resolves concurrent writes the same way.
type Register struct {
	Val     any    `msgpack:"val"`
	Lamport int64  `msgpack:"lamport"`
	Site    string `msgpack:"site"`
}

func NewRegister() *Register {
	return &Register{}
}

func (self *Register) Type() string {
	return TypeRegister
}

func (self *Register) Apply(op Op) error {
	switch v := op.(type) {
	case *RegisterSet:
		if self.Lamport < v.Lamport || (self.Lamport == v.Lamport && self.Site < v.Site) {
			self.Val = v.Val
			self.Lamport = v.Lamport
			self.Site = v.Site
		}
		return nil
	default:
		return fmt.Errorf("%w: register cannot apply %q", ErrWrongType, op.Kind())
	}
}

func (self *Register) Copy() Crdt {
	return &Register{
		Val:     self.Val,
		Lamport: self.Lamport,
		Site:    self.Site,
	}
}

func (self *Register) Value() any {
	return self.Val
}

type RegisterSet struct {
	Val     any    `msgpack:"val"`
	Lamport int64  `msgpack:"lamport"`
	Site    string `msgpack:"site"`
}

func (self *RegisterSet) Kind() string {
	return KindRegisterSet
}
