package crdts

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const TypeDirectory = "directory"
const KindDirPut = "dir-put"
const KindDirRemove = "dir-remove"

func init() {
	registerCrdt(TypeDirectory, &crdtFactory{
		newValue: func() Crdt {
			return NewDirectory()
		},
		decodeValue: func(b []byte) (Crdt, error) {
			directory := &Directory{}
			if err := msgpack.Unmarshal(b, directory); err != nil {
				return nil, err
			}
			if directory.Entries == nil {
				directory.Entries = map[string]*DirEntry{}
			}
			return directory, nil
		},
	})
	registerOp(KindDirPut, func(b []byte) (Op, error) {
		op := &DirPut{}
		if err := msgpack.Unmarshal(b, op); err != nil {
			return nil, err
		}
		return op, nil
	})
	registerOp(KindDirRemove, func(b []byte) (Op, error) {
		op := &DirRemove{}
		if err := msgpack.Unmarshal(b, op); err != nil {
			return nil, err
		}
		return op, nil
	})
}

// Directory maps names to last-writer-wins entries. Removes leave a
// tombstone so that a later concurrent put with a higher (lamport, site)
// still wins deterministically.
type Directory struct {
	Entries map[string]*DirEntry `msgpack:"entries"`
}

type DirEntry struct {
	Val       any    `msgpack:"val"`
	Lamport   int64  `msgpack:"lamport"`
	Site      string `msgpack:"site"`
	Tombstone bool   `msgpack:"tombstone"`
}

func NewDirectory() *Directory {
	return &Directory{
		Entries: map[string]*DirEntry{},
	}
}

func (self *Directory) Type() string {
	return TypeDirectory
}

func (self *Directory) update(name string, entry *DirEntry) {
	current, ok := self.Entries[name]
	if !ok || current.Lamport < entry.Lamport || (current.Lamport == entry.Lamport && current.Site < entry.Site) {
		self.Entries[name] = entry
	}
}

func (self *Directory) Apply(op Op) error {
	switch v := op.(type) {
	case *DirPut:
		self.update(v.Name, &DirEntry{
			Val:     v.Val,
			Lamport: v.Lamport,
			Site:    v.Site,
		})
		return nil
	case *DirRemove:
		self.update(v.Name, &DirEntry{
			Lamport:   v.Lamport,
			Site:      v.Site,
			Tombstone: true,
		})
		return nil
	default:
		return fmt.Errorf("%w: directory cannot apply %q", ErrWrongType, op.Kind())
	}
}

func (self *Directory) Copy() Crdt {
	entries := map[string]*DirEntry{}
	for name, entry := range self.Entries {
		cloned := *entry
		entries[name] = &cloned
	}
	return &Directory{
		Entries: entries,
	}
}

func (self *Directory) Value() any {
	live := map[string]any{}
	for name, entry := range self.Entries {
		if !entry.Tombstone {
			live[name] = entry.Val
		}
	}
	return live
}

// Get returns the live value for a name.
func (self *Directory) Get(name string) (any, bool) {
	entry, ok := self.Entries[name]
	if !ok || entry.Tombstone {
		return nil, false
	}
	return entry.Val, true
}

type DirPut struct {
	Name    string `msgpack:"name"`
	Val     any    `msgpack:"val"`
	Lamport int64  `msgpack:"lamport"`
	Site    string `msgpack:"site"`
}

func (self *DirPut) Kind() string {
	return KindDirPut
}

type DirRemove struct {
	Name    string `msgpack:"name"`
	Lamport int64  `msgpack:"lamport"`
	Site    string `msgpack:"site"`
}

func (self *DirRemove) Kind() string {
	return KindDirRemove
}
