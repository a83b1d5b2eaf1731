package frame

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	typeString int32 = 1
	typeStruct int32 = 2
)

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	reg := NewRegistry().
		MustRegister(typeString, &wrapperspb.StringValue{}).
		MustRegister(typeStruct, &structpb.Struct{})
	codec, err := NewCodec(reg, ProtoCodec{}, opts...)
	require.NoError(t, err)
	return codec
}

func TestEncoder(t *testing.T) {
	codec := newTestCodec(t)
	enc := codec.NewEncoder()

	t.Run("header layout", func(t *testing.T) {
		payload := wrapperspb.String("hello")
		raw, err := enc.Encode(Envelope{InstanceID: 7, Payload: payload})
		require.NoError(t, err)

		data, err := proto.Marshal(payload)
		require.NoError(t, err)
		require.Len(t, raw, HeaderSize+len(data))

		require.Equal(t, []byte{0x48, 0x50, 0x00, 0x01}, raw[:4])
		require.Equal(t, uint32(7), binary.BigEndian.Uint32(raw[4:8]))
		require.Equal(t, uint32(typeString), binary.BigEndian.Uint32(raw[8:12]))
		require.Equal(t, uint32(len(data)), binary.BigEndian.Uint32(raw[12:16]))
		require.Equal(t, data, raw[HeaderSize:])
	})

	t.Run("notification id", func(t *testing.T) {
		raw, err := enc.Encode(Notification(wrapperspb.String("event")))
		require.NoError(t, err)
		hdr, err := ParseHeader(raw)
		require.NoError(t, err)
		require.Equal(t, NotificationID, hdr.InstanceID)
	})

	t.Run("nothing to encode", func(t *testing.T) {
		raw, err := enc.Encode(Envelope{InstanceID: 1})
		require.NoError(t, err)
		require.Empty(t, raw)

		raw, err = enc.Encode(Envelope{InstanceID: 1, Payload: wrapperspb.Int64(3)})
		require.NoError(t, err)
		require.Empty(t, raw)
	})

	t.Run("too large", func(t *testing.T) {
		small := newTestCodec(t, WithMaxLength(4))
		_, err := small.NewEncoder().Encode(Envelope{Payload: wrapperspb.String("way too long")})
		require.ErrorIs(t, err, ErrTooLargeFrame)
	})
}

func encodeAll(t *testing.T, codec *Codec, envs ...Envelope) []byte {
	t.Helper()
	enc := codec.NewEncoder()
	var stream []byte
	for _, env := range envs {
		raw, err := enc.Encode(env)
		require.NoError(t, err)
		stream = append(stream, raw...)
	}
	return stream
}

func TestDecoder(t *testing.T) {
	t.Run("byte by byte", func(t *testing.T) {
		codec := newTestCodec(t)
		fields, err := structpb.NewStruct(map[string]any{"altitude": 120.5})
		require.NoError(t, err)

		stream := encodeAll(t, codec,
			Envelope{InstanceID: 1, Payload: wrapperspb.String("a")},
			Envelope{InstanceID: 2, Payload: fields},
			Notification(wrapperspb.String("c")),
		)

		dec := codec.NewDecoder()
		var got []Envelope
		for i := range stream {
			envs, err := dec.Decode(stream[i : i+1])
			require.NoError(t, err)
			got = append(got, envs...)
		}
		require.Len(t, got, 3)
		require.Zero(t, dec.Buffered())

		require.Equal(t, int32(1), got[0].InstanceID)
		require.Equal(t, typeString, got[0].Type)
		require.Equal(t, "a", got[0].Payload.(*wrapperspb.StringValue).GetValue())

		require.Equal(t, int32(2), got[1].InstanceID)
		require.Equal(t, 120.5, got[1].Payload.(*structpb.Struct).GetFields()["altitude"].GetNumberValue())

		require.True(t, got[2].IsNotification())
	})

	t.Run("header ahead of its payload stays buffered", func(t *testing.T) {
		codec := newTestCodec(t)
		stream := encodeAll(t, codec, Envelope{InstanceID: 3, Payload: wrapperspb.String("payload")})
		dec := codec.NewDecoder()

		for _, n := range []int{HeaderSize, HeaderSize + 2} {
			envs, err := dec.Decode(stream[dec.Buffered():n])
			require.NoError(t, err)
			require.Empty(t, envs)
			require.Equal(t, n, dec.Buffered(), "checking the length must not consume")
		}

		envs, err := dec.Decode(stream[dec.Buffered():])
		require.NoError(t, err)
		require.Len(t, envs, 1)
		require.Equal(t, "payload", envs[0].Payload.(*wrapperspb.StringValue).GetValue())
	})

	t.Run("whole stream at once", func(t *testing.T) {
		codec := newTestCodec(t)
		var envs []Envelope
		for i := 0; i < 50; i++ {
			envs = append(envs, Envelope{InstanceID: int32(i), Payload: wrapperspb.String("x")})
		}
		got, err := codec.NewDecoder().Decode(encodeAll(t, codec, envs...))
		require.NoError(t, err)
		require.Len(t, got, 50)
		for i, env := range got {
			require.Equal(t, int32(i), env.InstanceID)
		}
	})

	t.Run("unknown type is skipped", func(t *testing.T) {
		sink := metrics.NewInmemSink(time.Second, time.Minute)
		codec := newTestCodec(t, WithMetricSink(sink))

		unknown := Header{Signature: Signature, Version: Version, InstanceID: 5, Type: 99, Length: 3}.
			AppendTo(nil)
		unknown = append(unknown, 1, 2, 3)

		stream := encodeAll(t, codec, Envelope{InstanceID: 4, Payload: wrapperspb.String("before")})
		stream = append(stream, unknown...)
		stream = append(stream, encodeAll(t, codec, Envelope{InstanceID: 6, Payload: wrapperspb.String("after")})...)

		got, err := codec.NewDecoder().Decode(stream)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, int32(4), got[0].InstanceID)
		require.Equal(t, int32(6), got[1].InstanceID)
		requireCounter(t, sink, "relay.frame.decode.error.count", 1)
	})

	t.Run("bad signature is fatal", func(t *testing.T) {
		codec := newTestCodec(t)
		stream := encodeAll(t, codec,
			Envelope{InstanceID: 1, Payload: wrapperspb.String("ok")},
			Envelope{InstanceID: 2, Payload: wrapperspb.String("ko")},
		)
		second := len(stream) / 2
		stream[second] = 0x00

		dec := codec.NewDecoder()
		got, err := dec.Decode(stream)
		require.ErrorIs(t, err, ErrCorrupted)
		require.ErrorIs(t, err, ErrBadSignature)
		require.Len(t, got, 1)

		_, err = dec.Decode(encodeAll(t, codec, Envelope{Payload: wrapperspb.String("late")}))
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("bad version is fatal", func(t *testing.T) {
		codec := newTestCodec(t)
		stream := encodeAll(t, codec, Envelope{Payload: wrapperspb.String("v2")})
		binary.BigEndian.PutUint16(stream[2:4], 2)

		_, err := codec.NewDecoder().Decode(stream)
		require.ErrorIs(t, err, ErrBadVersion)
	})

	t.Run("length out of range is fatal", func(t *testing.T) {
		codec := newTestCodec(t)
		hdr := Header{Signature: Signature, Version: Version, Length: -1}.AppendTo(nil)

		_, err := codec.NewDecoder().Decode(hdr)
		var cerr *CorruptedError
		require.ErrorAs(t, err, &cerr)
		require.ErrorIs(t, err, ErrLengthOutOfRange)

		hdr = Header{Signature: Signature, Version: Version, Length: DefaultMaxLength + 1}.AppendTo(nil)
		_, err = codec.NewDecoder().Decode(hdr)
		require.ErrorIs(t, err, ErrLengthOutOfRange)
	})

	t.Run("empty payload", func(t *testing.T) {
		codec := newTestCodec(t)
		got, err := codec.NewDecoder().Decode(encodeAll(t, codec, Envelope{InstanceID: 3, Payload: wrapperspb.String("")}))
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "", got[0].Payload.(*wrapperspb.StringValue).GetValue())
	})
}

type position struct {
	Lat float64 `cbor:"1,keyasint"`
	Lon float64 `cbor:"2,keyasint"`
}

func TestPayloadCodecs(t *testing.T) {
	t.Run("protojson", func(t *testing.T) {
		reg := NewRegistry().MustRegister(typeString, &wrapperspb.StringValue{})
		codec, err := NewCodec(reg, ProtoJSONCodec{})
		require.NoError(t, err)

		raw := encodeAll(t, codec, Envelope{InstanceID: 9, Payload: wrapperspb.String("json")})
		require.Equal(t, `"json"`, string(raw[HeaderSize:]))

		got, err := codec.NewDecoder().Decode(raw)
		require.NoError(t, err)
		require.Equal(t, "json", got[0].Payload.(*wrapperspb.StringValue).GetValue())
	})

	t.Run("cbor", func(t *testing.T) {
		cbor, err := NewCBORCodec()
		require.NoError(t, err)
		reg := NewRegistry().MustRegister(10, &position{})
		codec, err := NewCodec(reg, cbor)
		require.NoError(t, err)

		got, err := codec.NewDecoder().Decode(encodeAll(t, codec, Envelope{InstanceID: 1, Payload: &position{Lat: 48.85, Lon: 2.35}}))
		require.NoError(t, err)
		require.Equal(t, &position{Lat: 48.85, Lon: 2.35}, got[0].Payload)
	})

	t.Run("proto codec refuses plain structs", func(t *testing.T) {
		_, err := ProtoCodec{}.Marshal(&position{})
		require.ErrorIs(t, err, ErrNotProto)
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(1, &wrapperspb.StringValue{}))
	require.ErrorIs(t, reg.Register(1, &wrapperspb.Int64Value{}), ErrDuplicateType)
	require.ErrorIs(t, reg.Register(2, &wrapperspb.StringValue{}), ErrDuplicateType)
	require.ErrorIs(t, reg.Register(3, wrapperspb.StringValue{}), ErrInvalidCfg)

	_, err := reg.New(42)
	require.ErrorIs(t, err, ErrUnknownType)

	code, ok := reg.TypeOf(wrapperspb.String("x"))
	require.True(t, ok)
	require.Equal(t, int32(1), code)
}

func requireCounter(t *testing.T, sink *metrics.InmemSink, name string, expected float64) {
	t.Helper()
	var total float64
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, sample := range interval.Counters {
			if sample.Name == name {
				total += sample.Sum
			}
		}
		interval.RUnlock()
	}
	require.Equal(t, expected, total)
}
