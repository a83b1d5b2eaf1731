package frame

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// PayloadCodec turns a message into the payload bytes of a frame
// and back.
type PayloadCodec interface {
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into v, a pointer allocated by the
	// `Registry`.
	Unmarshal(data []byte, v any) error
}

// ProtoCodec uses the protobuf binary encoding.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotProto, reflect.TypeOf(v))
	}
	return proto.Marshal(msg)
}

func (ProtoCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotProto, reflect.TypeOf(v))
	}
	return proto.Unmarshal(data, msg)
}

// ProtoJSONCodec uses the canonical protobuf JSON mapping, handy to
// debug a stream with a network sniffer.
type ProtoJSONCodec struct {
	MarshalOptions   protojson.MarshalOptions
	UnmarshalOptions protojson.UnmarshalOptions
}

func (codec ProtoJSONCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotProto, reflect.TypeOf(v))
	}
	return codec.MarshalOptions.Marshal(msg)
}

func (codec ProtoJSONCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotProto, reflect.TypeOf(v))
	}
	return codec.UnmarshalOptions.Unmarshal(data, msg)
}

// CBORCodec encodes plain Go values with CBOR (RFC 8949).
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec returns a codec producing deterministic encodings.
func NewCBORCodec() (CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CBORCodec{}, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return CBORCodec{}, err
	}
	return CBORCodec{enc: enc, dec: dec}, nil
}

func (codec CBORCodec) Marshal(v any) ([]byte, error) {
	if codec.enc == nil {
		return cbor.Marshal(v)
	}
	return codec.enc.Marshal(v)
}

func (codec CBORCodec) Unmarshal(data []byte, v any) error {
	if codec.dec == nil {
		return cbor.Unmarshal(data, v)
	}
	return codec.dec.Unmarshal(data, v)
}
