package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCausalClockRecord(t *testing.T) {
	clock := NewCausalClock()

	assert.Equal(t, clock.IsEmpty(), true)
	assert.Equal(t, clock.Record(Timestamp{Source: "a", Counter: 1}), true)
	assert.Equal(t, clock.Record(Timestamp{Source: "a", Counter: 1}), false)
	assert.Equal(t, clock.Record(Timestamp{Source: "a", Counter: 3}), true)

	// hole at 2
	assert.Equal(t, clock.Includes(Timestamp{Source: "a", Counter: 1}), true)
	assert.Equal(t, clock.Includes(Timestamp{Source: "a", Counter: 2}), false)
	assert.Equal(t, clock.Includes(Timestamp{Source: "a", Counter: 3}), true)
	assert.Equal(t, clock.LatestCounter("a"), int64(3))

	// filling the hole coalesces intervals
	clock.Record(Timestamp{Source: "a", Counter: 2})
	assert.Equal(t, clock.Entries["a"], []Interval{{From: 1, To: 3}})
}

func TestCausalClockRecordAllUntil(t *testing.T) {
	clock := NewCausalClock()
	clock.Record(Timestamp{Source: "a", Counter: 5})
	clock.RecordAllUntil(Timestamp{Source: "a", Counter: 3})

	assert.Equal(t, clock.Entries["a"], []Interval{{From: 1, To: 3}, {From: 5, To: 5}})
	assert.Equal(t, clock.Includes(Timestamp{Source: "a", Counter: 4}), false)
}

func TestCausalClockCompare(t *testing.T) {
	empty := NewCausalClock()
	a := NewCausalClock()
	a.RecordAllUntil(Timestamp{Source: "x", Counter: 3})
	b := NewCausalClock()
	b.RecordAllUntil(Timestamp{Source: "x", Counter: 3})

	assert.Equal(t, empty.Compare(NewCausalClock()), OrderingEqual)
	assert.Equal(t, empty.Compare(a), OrderingDominated)
	assert.Equal(t, a.Compare(empty), OrderingDominates)
	assert.Equal(t, a.Compare(b), OrderingEqual)

	b.Record(Timestamp{Source: "y", Counter: 1})
	assert.Equal(t, a.Compare(b), OrderingDominated)
	assert.Equal(t, b.Compare(a), OrderingDominates)

	a.Record(Timestamp{Source: "z", Counter: 1})
	assert.Equal(t, a.Compare(b), OrderingConcurrent)
	assert.Equal(t, b.Compare(a), OrderingConcurrent)

	// a hole makes a partially-overlapping clock concurrent, not dominated
	holed := NewCausalClock()
	holed.Record(Timestamp{Source: "x", Counter: 1})
	holed.Record(Timestamp{Source: "x", Counter: 3})
	holed.Record(Timestamp{Source: "x", Counter: 5})
	dense := NewCausalClock()
	dense.RecordAllUntil(Timestamp{Source: "x", Counter: 4})
	assert.Equal(t, holed.Compare(dense), OrderingConcurrent)
}

func TestCausalClockMergeIntersect(t *testing.T) {
	a := NewCausalClock()
	a.RecordAllUntil(Timestamp{Source: "x", Counter: 4})
	a.Record(Timestamp{Source: "y", Counter: 2})

	b := NewCausalClock()
	b.RecordAllUntil(Timestamp{Source: "x", Counter: 2})
	b.Record(Timestamp{Source: "x", Counter: 6})
	b.RecordAllUntil(Timestamp{Source: "z", Counter: 1})

	merged := a.Clone()
	ordering := merged.Merge(b)
	assert.Equal(t, ordering, OrderingConcurrent)
	assert.Equal(t, merged.Entries["x"], []Interval{{From: 1, To: 4}, {From: 6, To: 6}})
	assert.Equal(t, merged.Includes(Timestamp{Source: "y", Counter: 2}), true)
	assert.Equal(t, merged.Includes(Timestamp{Source: "z", Counter: 1}), true)

	// merge is idempotent and monotonic
	again := merged.Clone()
	assert.Equal(t, again.Merge(b), OrderingDominates)
	assert.Equal(t, again.Compare(merged), OrderingEqual)

	intersected := a.Clone()
	intersected.Intersect(b)
	assert.Equal(t, intersected.Entries["x"], []Interval{{From: 1, To: 2}})
	assert.Equal(t, intersected.HasEventFrom("y"), false)
	assert.Equal(t, intersected.HasEventFrom("z"), false)
}

func TestCausalClockDrop(t *testing.T) {
	clock := NewCausalClock()
	clock.RecordAllUntil(Timestamp{Source: "x", Counter: 2})
	clock.RecordAllUntil(Timestamp{Source: "y", Counter: 1})
	clock.Drop("x")

	assert.Equal(t, clock.HasEventFrom("x"), false)
	assert.Equal(t, clock.Latest("x"), Timestamp{})
	assert.Equal(t, clock.HasEventFrom("y"), true)
}

func TestTimestampMappingInclusion(t *testing.T) {
	mapping := NewTimestampMapping(Timestamp{Source: "scout", Counter: 1})

	clock := NewCausalClock()
	assert.Equal(t, mapping.AnyIncluded(clock), false)
	assert.Equal(t, mapping.AllSystemIncluded(clock), false)

	mapping.AddSystemTimestamp(Timestamp{Source: "dc0", Counter: 7})
	mapping.AddSystemTimestamp(Timestamp{Source: "dc0", Counter: 7})
	mapping.AddSystemTimestamp(Timestamp{Source: "dc1", Counter: 3})
	assert.Equal(t, len(mapping.SystemTimestamps), 2)
	assert.Equal(t, mapping.SelectedSystemTimestamp(), Timestamp{Source: "dc0", Counter: 7})

	clock.Record(Timestamp{Source: "dc0", Counter: 7})
	assert.Equal(t, mapping.AnyIncluded(clock), true)
	assert.Equal(t, mapping.AllSystemIncluded(clock), false)

	clock.Record(Timestamp{Source: "dc1", Counter: 3})
	assert.Equal(t, mapping.AllSystemIncluded(clock), true)
}
