package scout

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/swiftcloud/scout/protocol"
)

func TestTimestampSourceReturn(t *testing.T) {
	source := newReturnableTimestampSource("s0")

	first := source.generateNew()
	assert.Equal(t, first, protocol.Timestamp{Source: "s0", Counter: 1})

	// returned timestamps are reissued, leaving no hole
	source.returnLastTimestamp()
	assert.Equal(t, source.generateNew(), protocol.Timestamp{Source: "s0", Counter: 1})

	// consumed timestamps are not rewound past
	assert.Equal(t, source.generateNew(), protocol.Timestamp{Source: "s0", Counter: 2})

	// returning twice without generating in between is idempotent
	source.returnLastTimestamp()
	source.returnLastTimestamp()
	assert.Equal(t, source.generateNew(), protocol.Timestamp{Source: "s0", Counter: 2})
}

func TestTimestampSourceAdvancePast(t *testing.T) {
	source := newReturnableTimestampSource("s0")

	source.advancePast(protocol.Timestamp{Source: "s0", Counter: 7})
	assert.Equal(t, source.generateNew(), protocol.Timestamp{Source: "s0", Counter: 8})

	// foreign sources and stale counters are ignored
	source.advancePast(protocol.Timestamp{Source: "other", Counter: 100})
	source.advancePast(protocol.Timestamp{Source: "s0", Counter: 3})
	assert.Equal(t, source.generateNew(), protocol.Timestamp{Source: "s0", Counter: 9})
}
