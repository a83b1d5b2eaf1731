// Package frame implements the relay wire format: a fixed 16 bytes
// big-endian header followed by an opaque payload.
//
//	+-----------+---------+-------------+------+--------+---------+
//	| signature | version | instance id | type | length | payload |
//	|  uint16   | uint16  |    int32    | int32|  int32 | length  |
//	+-----------+---------+-------------+------+--------+---------+
//
// The signature is always 0x4850 ("HP") and the version 1. The
// instance id correlates a response with its request, -1 marks an
// unsolicited notification.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

const (
	Signature uint16 = 0x4850
	Version   uint16 = 1

	// HeaderSize is also the smallest possible frame.
	HeaderSize = 16

	DefaultMaxLength = 64 * 1024 * 1024

	NotificationID int32 = -1
)

var (
	ErrCorrupted        = errors.New("frame: garbage or corrupted data received")
	ErrBadSignature     = errors.New("frame: protocol signature error")
	ErrBadVersion       = errors.New("frame: unsupported protocol version")
	ErrLengthOutOfRange = errors.New("frame: payload length out of range")
	ErrUnknownType      = errors.New("frame: unknown message type")
	ErrDuplicateType    = errors.New("frame: message type already registered")
	ErrTooLargeFrame    = errors.New("frame: frame was too large could not send")
	ErrNotProto         = errors.New("frame: payload is not a proto.Message")
	ErrPayload          = errors.New("frame: could not process payload")
	ErrInvalidCfg       = errors.New("frame: invalid options")
)

var (
	MetricFrameInCount          = []string{"relay", "frame", "in", "count"}
	MetricFrameOutCount         = []string{"relay", "frame", "out", "count"}
	MetricFrameDecodeErrorCount = []string{"relay", "frame", "decode", "error", "count"}
	MetricFrameCorruptedCount   = []string{"relay", "frame", "corrupted", "count"}
)

// Header is the fixed part of every frame.
type Header struct {
	Signature  uint16
	Version    uint16
	InstanceID int32
	Type       int32
	Length     int32
}

// AppendTo appends the big-endian encoding of the header to b.
func (h Header) AppendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, h.Signature)
	b = binary.BigEndian.AppendUint16(b, h.Version)
	b = binary.BigEndian.AppendUint32(b, uint32(h.InstanceID))
	b = binary.BigEndian.AppendUint32(b, uint32(h.Type))
	b = binary.BigEndian.AppendUint32(b, uint32(h.Length))
	return b
}

// ParseHeader reads a header from the first `HeaderSize` bytes of b.
// It does not validate it.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("frame: header needs %d bytes, got %d", HeaderSize, len(b))
	}
	return Header{
		Signature:  binary.BigEndian.Uint16(b[0:2]),
		Version:    binary.BigEndian.Uint16(b[2:4]),
		InstanceID: int32(binary.BigEndian.Uint32(b[4:8])),
		Type:       int32(binary.BigEndian.Uint32(b[8:12])),
		Length:     int32(binary.BigEndian.Uint32(b[12:16])),
	}, nil
}

// Validate checks the header against the protocol constants. Any
// failure is a `*CorruptedError`.
func (h Header) Validate(maxLength int) error {
	switch {
	case h.Length < 0 || int64(h.Length) > int64(maxLength):
		return &CorruptedError{Header: h, Err: ErrLengthOutOfRange}
	case h.Signature != Signature:
		return &CorruptedError{Header: h, Err: ErrBadSignature}
	case h.Version != Version:
		return &CorruptedError{Header: h, Err: ErrBadVersion}
	}
	return nil
}

// CorruptedError means the stream can no longer be trusted: the
// connection carrying it must be closed.
type CorruptedError struct {
	Header Header
	Err    error
}

func (cerr *CorruptedError) Error() string {
	switch cerr.Err {
	case ErrBadSignature:
		return fmt.Sprintf("%s: got 0x%04x", cerr.Err, cerr.Header.Signature)
	case ErrBadVersion:
		return fmt.Sprintf("%s: %d", cerr.Err, cerr.Header.Version)
	case ErrLengthOutOfRange:
		return fmt.Sprintf("%s: %d", cerr.Err, cerr.Header.Length)
	}
	return fmt.Sprintf("%s: %s", ErrCorrupted, cerr.Err)
}

func (cerr *CorruptedError) Unwrap() []error {
	return []error{ErrCorrupted, cerr.Err}
}

// Envelope is a decoded message along with its correlation data.
type Envelope struct {
	InstanceID int32

	// Type is filled on decode, on encode it is resolved from the
	// `Registry` using the Go type of the payload.
	Type    int32
	Payload any
}

// Notification wraps a payload with the notification instance id.
func Notification(payload any) Envelope {
	return Envelope{InstanceID: NotificationID, Payload: payload}
}

func (env Envelope) IsNotification() bool {
	return env.InstanceID == NotificationID
}

func (env Envelope) LogValue() slog.Value {
	payloadType := "nil"
	if env.Payload != nil {
		payloadType = reflect.TypeOf(env.Payload).String()
	}
	return slog.GroupValue(
		slog.Int("instance_id", int(env.InstanceID)),
		slog.Int("type", int(env.Type)),
		slog.String("payload", payloadType),
	)
}
