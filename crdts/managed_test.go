package crdts

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/swiftcloud/scout/protocol"
)

var testId = protocol.CrdtId{Table: "t", Key: "k", Type: TypeCounter}

func testGroup(counter int64, delta int64, dependency *protocol.CausalClock) *OpsGroup {
	group := NewOpsGroup(testId, protocol.NewTimestampMapping(protocol.Timestamp{
		Source:  "scout",
		Counter: counter,
	}))
	group.Dependency = dependency
	group.Append(&CounterAdd{Delta: delta})
	return group
}

func TestManagedExecuteDedup(t *testing.T) {
	managed := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)

	group := testGroup(1, 5, nil)
	applied, err := managed.Execute(group, DependencyIgnore)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, true)

	applied, err = managed.Execute(group, DependencyIgnore)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, false)

	value, err := managed.LatestVersion()
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(5))
}

func TestManagedExecuteDependencyCheck(t *testing.T) {
	managed := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)

	dependency := protocol.NewCausalClock()
	dependency.Record(protocol.Timestamp{Source: "dc0", Counter: 1})

	_, err := managed.Execute(testGroup(1, 5, dependency), DependencyCheck)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)

	// IGNORE tolerates the missing dependency
	applied, err := managed.Execute(testGroup(1, 5, dependency), DependencyIgnore)
	assert.Equal(t, err, nil)
	assert.Equal(t, applied, true)
}

func TestManagedGetVersionBounds(t *testing.T) {
	base := protocol.NewCausalClock()
	base.Record(protocol.Timestamp{Source: "dc0", Counter: 1})
	managed := NewManaged(testId, NewCounter(), base, true)

	group := testGroup(1, 5, nil)
	_, err := managed.Execute(group, DependencyIgnore)
	assert.Equal(t, err, nil)

	// a fresh object serves any version up to its clock
	value, err := managed.GetVersion(protocol.NewCausalClock())
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(0))

	// above the clock
	above := managed.Clock().Clone()
	above.Record(protocol.Timestamp{Source: "dc0", Counter: 9})
	_, err = managed.GetVersion(above)
	assert.Equal(t, errors.Is(err, ErrVersionNotFound), true)

	// snapshot excluding the update
	value, err = managed.GetVersion(base)
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(0))

	// snapshot including the update
	query := base.Clone()
	query.Record(protocol.Timestamp{Source: "scout", Counter: 1})
	value, err = managed.GetVersion(query)
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(5))
}

func TestManagedPrune(t *testing.T) {
	managed := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)

	for counter := int64(1); counter <= 3; counter++ {
		_, err := managed.Execute(testGroup(counter, 1, nil), DependencyIgnore)
		assert.Equal(t, err, nil)
	}

	point := protocol.NewCausalClock()
	point.RecordAllUntil(protocol.Timestamp{Source: "scout", Counter: 2})
	clockBefore := managed.Clock().Clone()
	assert.Equal(t, managed.Prune(point, true), nil)

	// clock unchanged, prune clock covers the point
	assert.Equal(t, managed.Clock().Compare(clockBefore), protocol.OrderingEqual)
	assert.Equal(t, managed.PruneClock().Compare(point), protocol.OrderingEqual)
	assert.Equal(t, managed.Clock().Compare(managed.PruneClock()), protocol.OrderingDominates)

	// pruned history is no longer enumerable
	_, err := managed.UpdatesSince(protocol.NewCausalClock())
	assert.Equal(t, errors.Is(err, ErrVersionNotFound), true)

	mappings, err := managed.UpdatesSince(point)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(mappings), 1)
	assert.Equal(t, mappings[0].ClientTimestamp.Counter, int64(3))

	// snapshots below the prune point fail, at and above succeed
	low := protocol.NewCausalClock()
	low.RecordAllUntil(protocol.Timestamp{Source: "scout", Counter: 1})
	_, err = managed.GetVersion(low)
	assert.Equal(t, errors.Is(err, ErrVersionNotFound), true)

	value, err := managed.GetVersion(point)
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(2))

	value, err = managed.LatestVersion()
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(3))

	// prune above the clock is rejected when checking versions
	high := protocol.NewCausalClock()
	high.RecordAllUntil(protocol.Timestamp{Source: "scout", Counter: 10})
	assert.Equal(t, errors.Is(managed.Prune(high, true), ErrIllegalState), true)
}

func TestManagedReplayEquivalence(t *testing.T) {
	// applying a transaction's ops log to a fresh object and pruning at its
	// dependency clock gives the same value as the original object, both
	// read at a clock that includes the transaction
	managed := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)
	group := testGroup(1, 7, protocol.NewCausalClock())
	_, err := managed.Execute(group, DependencyIgnore)
	assert.Equal(t, err, nil)

	fresh := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), false)
	_, err = fresh.Execute(group.Copy(), DependencyIgnore)
	assert.Equal(t, err, nil)
	assert.Equal(t, fresh.Prune(group.Dependency, true), nil)

	query := protocol.NewCausalClock()
	query.Record(group.ClientTimestamp())
	expected, err := managed.GetVersion(query)
	assert.Equal(t, err, nil)
	actual, err := fresh.GetVersion(query)
	assert.Equal(t, err, nil)
	assert.Equal(t, actual.Value(), expected.Value())
}

func TestManagedMerge(t *testing.T) {
	base := protocol.NewCausalClock()
	a := NewManaged(testId, NewCounter(), base, true)
	b := NewManaged(testId, NewCounter(), base, true)

	_, err := a.Execute(testGroup(1, 5, nil), DependencyIgnore)
	assert.Equal(t, err, nil)

	remote := NewOpsGroup(testId, protocol.NewTimestampMapping(protocol.Timestamp{
		Source:  "other",
		Counter: 1,
	}))
	remote.Append(&CounterAdd{Delta: 3})
	_, err = b.Execute(remote, DependencyIgnore)
	assert.Equal(t, err, nil)

	assert.Equal(t, a.Merge(b), nil)
	value, err := a.LatestVersion()
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(8))
	assert.Equal(t, a.Clock().Includes(protocol.Timestamp{Source: "other", Counter: 1}), true)
}

func TestManagedMergeWithoutOverlap(t *testing.T) {
	farClock := protocol.NewCausalClock()
	farClock.RecordAllUntil(protocol.Timestamp{Source: "dc0", Counter: 10})

	// d collapsed its whole history: prune clock = clock, far beyond c
	d := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)
	remote := NewOpsGroup(testId, protocol.NewTimestampMapping(protocol.Timestamp{
		Source:  "other",
		Counter: 4,
	}))
	remote.Append(&CounterAdd{Delta: 1})
	_, err := d.Execute(remote, DependencyIgnore)
	assert.Equal(t, err, nil)
	d.AugmentWithDCClock(farClock)
	assert.Equal(t, d.Prune(d.Clock().Clone(), true), nil)

	c := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)
	_, err = c.Execute(testGroup(1, 5, nil), DependencyIgnore)
	assert.Equal(t, err, nil)
	cPrune := protocol.NewCausalClock()
	cPrune.RecordAllUntil(protocol.Timestamp{Source: "scout", Counter: 1})
	assert.Equal(t, c.Prune(cPrune, true), nil)

	// disjoint windows in both directions cannot be merged: the caller
	// must drop the cached copy and refetch
	assert.Equal(t, errors.Is(c.Merge(d), ErrIllegalState), true)
}

func TestManagedAugment(t *testing.T) {
	managed := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)

	dcClock := protocol.NewCausalClock()
	dcClock.RecordAllUntil(protocol.Timestamp{Source: "dc0", Counter: 3})
	managed.AugmentWithDCClock(dcClock)
	assert.Equal(t, managed.Clock().Includes(protocol.Timestamp{Source: "dc0", Counter: 3}), true)

	managed.AugmentWithScoutTimestamp(protocol.Timestamp{Source: "scout", Counter: 1})
	assert.Equal(t, managed.Clock().Includes(protocol.Timestamp{Source: "scout", Counter: 1}), true)

	// no operation evidence was imported
	value, err := managed.LatestVersion()
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(0))
}

func TestManagedCodecRoundTrip(t *testing.T) {
	managed := NewManaged(testId, NewCounter(), protocol.NewCausalClock(), true)
	_, err := managed.Execute(testGroup(1, 5, nil), DependencyIgnore)
	assert.Equal(t, err, nil)

	packet, err := EncodeManaged(managed)
	assert.Equal(t, err, nil)

	decoded, err := DecodeManaged(packet)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Id(), testId)
	assert.Equal(t, decoded.Registered(), true)
	value, err := decoded.LatestVersion()
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Value(), int64(5))
}
