package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// All scout<->surrogate messages travel as frames: the message type, an
// optional request id matching replies to requests, and the msgpack-encoded
// message body. On stream transports frames are length-prefixed.

type MessageType uint8

const (
	MessageTypeAuth MessageType = iota + 1
	MessageTypeLatestKnownClockRequest
	MessageTypeLatestKnownClockReply
	MessageTypeBatchFetchObjectVersionRequest
	MessageTypeBatchFetchObjectVersionReply
	MessageTypeBatchCommitUpdatesRequest
	MessageTypeBatchCommitUpdatesReply
	MessageTypeBatchUpdatesNotification
	MessageTypeUnsubscribeUpdatesRequest
	MessageTypeUnsubscribeUpdatesReply
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeAuth:
		return "Auth"
	case MessageTypeLatestKnownClockRequest:
		return "LatestKnownClockRequest"
	case MessageTypeLatestKnownClockReply:
		return "LatestKnownClockReply"
	case MessageTypeBatchFetchObjectVersionRequest:
		return "BatchFetchObjectVersionRequest"
	case MessageTypeBatchFetchObjectVersionReply:
		return "BatchFetchObjectVersionReply"
	case MessageTypeBatchCommitUpdatesRequest:
		return "BatchCommitUpdatesRequest"
	case MessageTypeBatchCommitUpdatesReply:
		return "BatchCommitUpdatesReply"
	case MessageTypeBatchUpdatesNotification:
		return "BatchUpdatesNotification"
	case MessageTypeUnsubscribeUpdatesRequest:
		return "UnsubscribeUpdatesRequest"
	case MessageTypeUnsubscribeUpdatesReply:
		return "UnsubscribeUpdatesReply"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(self))
}

type Frame struct {
	Type      MessageType        `msgpack:"type"`
	RequestId string             `msgpack:"request_id"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
}

func ToFrame(message any) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *Auth:
		messageType = MessageTypeAuth
	case *LatestKnownClockRequest:
		messageType = MessageTypeLatestKnownClockRequest
	case *LatestKnownClockReply:
		messageType = MessageTypeLatestKnownClockReply
	case *BatchFetchObjectVersionRequest:
		messageType = MessageTypeBatchFetchObjectVersionRequest
	case *BatchFetchObjectVersionReply:
		messageType = MessageTypeBatchFetchObjectVersionReply
	case *BatchCommitUpdatesRequest:
		messageType = MessageTypeBatchCommitUpdatesRequest
	case *BatchCommitUpdatesReply:
		messageType = MessageTypeBatchCommitUpdatesReply
	case *BatchUpdatesNotification:
		messageType = MessageTypeBatchUpdatesNotification
	case *UnsubscribeUpdatesRequest:
		messageType = MessageTypeUnsubscribeUpdatesRequest
	case *UnsubscribeUpdatesReply:
		messageType = MessageTypeUnsubscribeUpdatesReply
	default:
		return nil, fmt.Errorf("unknown message type: %T", v)
	}
	b, err := msgpack.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:    messageType,
		Payload: b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.Type {
	case MessageTypeAuth:
		message = &Auth{}
	case MessageTypeLatestKnownClockRequest:
		message = &LatestKnownClockRequest{}
	case MessageTypeLatestKnownClockReply:
		message = &LatestKnownClockReply{}
	case MessageTypeBatchFetchObjectVersionRequest:
		message = &BatchFetchObjectVersionRequest{}
	case MessageTypeBatchFetchObjectVersionReply:
		message = &BatchFetchObjectVersionReply{}
	case MessageTypeBatchCommitUpdatesRequest:
		message = &BatchCommitUpdatesRequest{}
	case MessageTypeBatchCommitUpdatesReply:
		message = &BatchCommitUpdatesReply{}
	case MessageTypeBatchUpdatesNotification:
		message = &BatchUpdatesNotification{}
	case MessageTypeUnsubscribeUpdatesRequest:
		message = &UnsubscribeUpdatesRequest{}
	case MessageTypeUnsubscribeUpdatesReply:
		message = &UnsubscribeUpdatesReply{}
	default:
		return nil, fmt.Errorf("unknown message type: %d", frame.Type)
	}
	if err := msgpack.Unmarshal(frame.Payload, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return msgpack.Marshal(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := msgpack.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

const maxFrameByteCount = 1 << 26

// WriteFrame writes one length-prefixed frame to a byte stream.
func WriteFrame(w io.Writer, frame *Frame) error {
	b, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(b)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed frame from a byte stream.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	byteCount := binary.BigEndian.Uint32(header[:])
	if maxFrameByteCount < byteCount {
		return nil, fmt.Errorf("frame too large: %d", byteCount)
	}
	b := make([]byte, byteCount)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return DecodeFrame(b)
}
