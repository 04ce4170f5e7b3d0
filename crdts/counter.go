package crdts

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const TypeCounter = "counter"
const KindCounterAdd = "counter-add"

func init() {
	registerCrdt(TypeCounter, &crdtFactory{
		newValue: func() Crdt {
			return NewCounter()
		},
		decodeValue: func(b []byte) (Crdt, error) {
			counter := &Counter{}
			if err := msgpack.Unmarshal(b, counter); err != nil {
				return nil, err
			}
			return counter, nil
		},
	})
	registerOp(KindCounterAdd, func(b []byte) (Op, error) {
		op := &CounterAdd{}
		if err := msgpack.Unmarshal(b, op); err != nil {
			return nil, err
		}
		return op, nil
	})
}

// Counter is an op-based integer counter. Increments and decrements commute.
type Counter struct {
	Total int64 `msgpack:"total"`
}

func NewCounter() *Counter {
	return &Counter{}
}

func (self *Counter) Type() string {
	return TypeCounter
}

func (self *Counter) Apply(op Op) error {
	switch v := op.(type) {
	case *CounterAdd:
		self.Total += v.Delta
		return nil
	default:
		return fmt.Errorf("%w: counter cannot apply %q", ErrWrongType, op.Kind())
	}
}

func (self *Counter) Copy() Crdt {
	return &Counter{
		Total: self.Total,
	}
}

func (self *Counter) Value() any {
	return self.Total
}

type CounterAdd struct {
	Delta int64 `msgpack:"delta"`
}

func (self *CounterAdd) Kind() string {
	return KindCounterAdd
}
