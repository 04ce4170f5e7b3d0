package scout

import (
	"github.com/swiftcloud/scout/protocol"
)

// returnableTimestampSource issues strictly increasing client timestamps
// scoped to the scout id. The most recently issued timestamp can be returned
// for reuse if it was never consumed, so discarded and read-only
// transactions do not leave permanent holes in the scout's vector.
//
// Callers synchronize externally (the scout lock).
type returnableTimestampSource struct {
	source string

	counter  int64
	returned bool
}

func newReturnableTimestampSource(source string) *returnableTimestampSource {
	return &returnableTimestampSource{
		source: source,
	}
}

func (self *returnableTimestampSource) generateNew() protocol.Timestamp {
	if self.returned {
		self.returned = false
	} else {
		self.counter += 1
	}
	return protocol.Timestamp{
		Source:  self.source,
		Counter: self.counter,
	}
}

// returnLastTimestamp hands the last issued timestamp back. The counter is
// only rewound when no newer timestamp has been issued since.
func (self *returnableTimestampSource) returnLastTimestamp() {
	self.returned = true
}

// advancePast moves the counter beyond a replayed timestamp so that
// restarted scouts never reissue logged client timestamps.
func (self *returnableTimestampSource) advancePast(ts protocol.Timestamp) {
	if ts.Source == self.source && self.counter < ts.Counter {
		self.counter = ts.Counter
		self.returned = false
	}
}
