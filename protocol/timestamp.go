package protocol

import (
	"fmt"
	"slices"
)

// Timestamp is a (source, counter) event identifier. Client timestamps use
// the scout id as source; system timestamps use a data center id.
type Timestamp struct {
	Source  string `msgpack:"source"`
	Counter int64  `msgpack:"counter"`
}

func (self Timestamp) IsZero() bool {
	return self.Source == "" && self.Counter == 0
}

func (self Timestamp) String() string {
	return fmt.Sprintf("%s:%d", self.Source, self.Counter)
}

// TimestampMapping binds one client timestamp to the system timestamps the
// store eventually assigned to it. System timestamps are only ever added.
type TimestampMapping struct {
	ClientTimestamp  Timestamp   `msgpack:"client"`
	SystemTimestamps []Timestamp `msgpack:"system"`
}

func NewTimestampMapping(clientTimestamp Timestamp) *TimestampMapping {
	return &TimestampMapping{
		ClientTimestamp: clientTimestamp,
	}
}

// AddSystemTimestamp appends a store-assigned timestamp. Duplicates are
// ignored; existing timestamps are never removed.
func (self *TimestampMapping) AddSystemTimestamp(ts Timestamp) {
	if !slices.Contains(self.SystemTimestamps, ts) {
		self.SystemTimestamps = append(self.SystemTimestamps, ts)
	}
}

func (self *TimestampMapping) HasSystemTimestamp() bool {
	return len(self.SystemTimestamps) > 0
}

// SelectedSystemTimestamp returns the preferred system timestamp
// (the first one assigned). Zero when none is known yet.
func (self *TimestampMapping) SelectedSystemTimestamp() Timestamp {
	if len(self.SystemTimestamps) == 0 {
		return Timestamp{}
	}
	return self.SystemTimestamps[0]
}

// Timestamps returns the client timestamp followed by all system timestamps.
func (self *TimestampMapping) Timestamps() []Timestamp {
	out := make([]Timestamp, 0, 1+len(self.SystemTimestamps))
	out = append(out, self.ClientTimestamp)
	out = append(out, self.SystemTimestamps...)
	return out
}

// AnyIncluded reports whether any member of the mapping is in the clock.
func (self *TimestampMapping) AnyIncluded(clock *CausalClock) bool {
	for _, ts := range self.Timestamps() {
		if clock.Includes(ts) {
			return true
		}
	}
	return false
}

// AllSystemIncluded reports whether every known system timestamp is in the
// clock. False when no system timestamp is known yet.
func (self *TimestampMapping) AllSystemIncluded(clock *CausalClock) bool {
	if len(self.SystemTimestamps) == 0 {
		return false
	}
	for _, ts := range self.SystemTimestamps {
		if !clock.Includes(ts) {
			return false
		}
	}
	return true
}

func (self *TimestampMapping) Copy() *TimestampMapping {
	return &TimestampMapping{
		ClientTimestamp:  self.ClientTimestamp,
		SystemTimestamps: slices.Clone(self.SystemTimestamps),
	}
}

func (self *TimestampMapping) String() string {
	if self == nil {
		return "<read-only>"
	}
	return fmt.Sprintf("%s%v", self.ClientTimestamp, self.SystemTimestamps)
}
