package crdts

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const TypeSet = "aww-set"
const KindSetAdd = "set-add"
const KindSetRemove = "set-remove"

func init() {
	registerCrdt(TypeSet, &crdtFactory{
		newValue: func() Crdt {
			return NewAddWinsSet()
		},
		decodeValue: func(b []byte) (Crdt, error) {
			set := &AddWinsSet{}
			if err := msgpack.Unmarshal(b, set); err != nil {
				return nil, err
			}
			if set.Elems == nil {
				set.Elems = map[string][]string{}
			}
			return set, nil
		},
	})
	registerOp(KindSetAdd, func(b []byte) (Op, error) {
		op := &SetAdd{}
		if err := msgpack.Unmarshal(b, op); err != nil {
			return nil, err
		}
		return op, nil
	})
	registerOp(KindSetRemove, func(b []byte) (Op, error) {
		op := &SetRemove{}
		if err := msgpack.Unmarshal(b, op); err != nil {
			return nil, err
		}
		return op, nil
	})
}

// AddWinsSet is an observed-remove set. Every add carries a unique tag;
// a remove only cancels the tags it observed, so a concurrent add wins.
type AddWinsSet struct {
	// element -> live add tags
	Elems map[string][]string `msgpack:"elems"`
}

func NewAddWinsSet() *AddWinsSet {
	return &AddWinsSet{
		Elems: map[string][]string{},
	}
}

func (self *AddWinsSet) Type() string {
	return TypeSet
}

func (self *AddWinsSet) Apply(op Op) error {
	switch v := op.(type) {
	case *SetAdd:
		tags := self.Elems[v.Elem]
		if !slices.Contains(tags, v.Tag) {
			self.Elems[v.Elem] = append(tags, v.Tag)
		}
		return nil
	case *SetRemove:
		tags := self.Elems[v.Elem]
		live := []string{}
		for _, tag := range tags {
			if !slices.Contains(v.Tags, tag) {
				live = append(live, tag)
			}
		}
		if len(live) == 0 {
			delete(self.Elems, v.Elem)
		} else {
			self.Elems[v.Elem] = live
		}
		return nil
	default:
		return fmt.Errorf("%w: set cannot apply %q", ErrWrongType, op.Kind())
	}
}

func (self *AddWinsSet) Copy() Crdt {
	elems := map[string][]string{}
	for elem, tags := range self.Elems {
		elems[elem] = slices.Clone(tags)
	}
	return &AddWinsSet{
		Elems: elems,
	}
}

func (self *AddWinsSet) Value() any {
	elems := maps.Keys(self.Elems)
	sort.Strings(elems)
	return elems
}

// Tags returns the live add tags observed for an element. A subsequent
// remove must carry these to take effect.
func (self *AddWinsSet) Tags(elem string) []string {
	return slices.Clone(self.Elems[elem])
}

type SetAdd struct {
	Elem string `msgpack:"elem"`
	Tag  string `msgpack:"tag"`
}

func (self *SetAdd) Kind() string {
	return KindSetAdd
}

type SetRemove struct {
	Elem string   `msgpack:"elem"`
	Tags []string `msgpack:"tags"`
}

func (self *SetRemove) Kind() string {
	return KindSetRemove
}
