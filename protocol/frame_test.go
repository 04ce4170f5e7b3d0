package protocol

import (
	"bytes"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	version := NewCausalClock()
	version.RecordAllUntil(Timestamp{Source: "dc0", Counter: 12})

	request := &BatchFetchObjectVersionRequest{
		ScoutId:               "s0",
		Version:               version,
		SendMoreRecentUpdates: true,
		SubscribeUpdates:      true,
		Ids:                   []CrdtId{{Table: "t", Key: "k", Type: "counter"}},
	}

	frame := RequireToFrame(request)
	frame.RequestId = "r1"
	b, err := EncodeFrame(frame)
	assert.Equal(t, err, nil)

	decodedFrame, err := DecodeFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, decodedFrame.Type, MessageTypeBatchFetchObjectVersionRequest)
	assert.Equal(t, decodedFrame.RequestId, "r1")

	message, err := FromFrame(decodedFrame)
	assert.Equal(t, err, nil)
	decoded := message.(*BatchFetchObjectVersionRequest)
	assert.Equal(t, decoded.ScoutId, "s0")
	assert.Equal(t, decoded.Ids, request.Ids)
	assert.Equal(t, decoded.Version.Compare(version), OrderingEqual)
}

func TestFrameUnknownType(t *testing.T) {
	_, err := ToFrame(&struct{}{})
	assert.NotEqual(t, err, nil)

	_, err = FromFrame(&Frame{Type: MessageType(200)})
	assert.NotEqual(t, err, nil)
}

func TestFrameStream(t *testing.T) {
	buf := &bytes.Buffer{}

	first := RequireToFrame(&LatestKnownClockRequest{ScoutId: "s0"})
	second := RequireToFrame(&UnsubscribeUpdatesRequest{
		ScoutId: "s0",
		Ids:     []CrdtId{{Table: "t", Key: "k", Type: "set"}},
	})
	assert.Equal(t, WriteFrame(buf, first), nil)
	assert.Equal(t, WriteFrame(buf, second), nil)

	frame, err := ReadFrame(buf)
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, MessageTypeLatestKnownClockRequest)

	frame, err = ReadFrame(buf)
	assert.Equal(t, err, nil)
	message, err := FromFrame(frame)
	assert.Equal(t, err, nil)
	assert.Equal(t, message.(*UnsubscribeUpdatesRequest).Ids[0].Key, "k")
}
