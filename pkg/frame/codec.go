package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/relay/pkg/ring"
)

// Codec builds the `Encoder` and `Decoder` of every session.
// It is safe to share a Codec between sessions, encoders and decoders
// are not.
type Codec struct {
	reg       *Registry
	payload   PayloadCodec
	maxLength int
	logger    *slog.Logger
	msink     metrics.MetricSink
	labels    []metrics.Label
}

// Option to pass to `NewCodec`.
type Option func(*Codec) error

// WithMaxLength bounds the payload length accepted in both
// directions.
func WithMaxLength(n int) Option {
	return func(c *Codec) error {
		if n < 0 || n > DefaultMaxLength {
			return fmt.Errorf("max length must be within [0, %d]", DefaultMaxLength)
		}
		c.maxLength = n
		return nil
	}
}

// WithLogger specifies where skipped frames are reported.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMetricSink allows you to collect frame counters.
func WithMetricSink(ms metrics.MetricSink, labels ...metrics.Label) Option {
	return func(c *Codec) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.labels = labels
		return nil
	}
}

func NewCodec(reg *Registry, payload PayloadCodec, opts ...Option) (*Codec, error) {
	if reg == nil || payload == nil {
		return nil, fmt.Errorf("%w: registry and payload codec are required", ErrInvalidCfg)
	}

	c := &Codec{
		reg:       reg,
		payload:   payload,
		maxLength: DefaultMaxLength,
		logger:    slog.Default(),
		msink:     &metrics.BlackholeSink{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	return c, nil
}

func (c *Codec) Registry() *Registry {
	return c.reg
}

func (c *Codec) NewEncoder() *Encoder {
	return &Encoder{codec: c}
}

func (c *Codec) NewDecoder() *Decoder {
	return &Decoder{
		codec: c,
		buf:   ring.New(ring.DefaultCapacity),
	}
}

// Encoder serializes envelopes into frames.
type Encoder struct {
	codec *Codec
}

// Encode returns the frame of env. A nil payload, or a payload of a
// type unknown to the registry, encodes to nothing.
func (enc *Encoder) Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, nil
	}

	code, ok := enc.codec.reg.TypeOf(env.Payload)
	if !ok {
		enc.codec.logger.Debug("payload type is not registered, nothing encoded", "envelope", env)
		return nil, nil
	}

	data, err := enc.codec.payload.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	if len(data) > enc.codec.maxLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(data))
	}

	out := make([]byte, 0, HeaderSize+len(data))
	out = Header{
		Signature:  Signature,
		Version:    Version,
		InstanceID: env.InstanceID,
		Type:       code,
		Length:     int32(len(data)),
	}.AppendTo(out)
	out = append(out, data...)

	enc.codec.msink.IncrCounterWithLabels(MetricFrameOutCount, 1.0, enc.codec.labels)
	return out, nil
}

// Decoder reassembles frames out of arbitrarily chunked reads.
//
// Once a `*CorruptedError` has been returned, the decoder keeps
// returning it.
type Decoder struct {
	codec *Codec
	buf   *ring.Buffer
	err   error
}

// Buffered returns the number of bytes waiting for the rest of their
// frame.
func (dec *Decoder) Buffered() int {
	return dec.buf.Len()
}

// Decode feeds p to the decoder and returns every frame completed by
// it. Frames whose payload cannot be decoded are logged and skipped.
// A non-nil error is always a `*CorruptedError`, envelopes decoded
// before the corruption are still returned.
func (dec *Decoder) Decode(p []byte) ([]Envelope, error) {
	if dec.err != nil {
		return nil, dec.err
	}
	_, _ = dec.buf.Write(p)

	var out []Envelope
	for {
		ok, err := dec.decodable()
		if err != nil {
			return out, dec.fail(err)
		}
		if !ok {
			return out, nil
		}

		env, err := dec.decodeFirst()
		if err != nil {
			var cerr *CorruptedError
			if errors.As(err, &cerr) {
				return out, dec.fail(err)
			}
			dec.codec.logger.Warn("decoder error, frame skipped", "error", err, "envelope", env)
			dec.codec.msink.IncrCounterWithLabels(MetricFrameDecodeErrorCount, 1.0, dec.codec.labels)
			continue
		}
		dec.codec.msink.IncrCounterWithLabels(MetricFrameInCount, 1.0, dec.codec.labels)
		out = append(out, env)
	}
}

func (dec *Decoder) fail(err error) error {
	dec.err = err
	dec.codec.msink.IncrCounterWithLabels(MetricFrameCorruptedCount, 1.0, dec.codec.labels)
	return err
}

// decodable reports whether a whole frame is buffered. Only the
// length field is inspected, the read position is left untouched.
func (dec *Decoder) decodable() (bool, error) {
	if dec.buf.Len() < HeaderSize {
		return false, nil
	}

	var raw [HeaderSize]byte
	dec.buf.Peek(raw[:])
	hdr := Header{Length: int32(binary.BigEndian.Uint32(raw[12:16]))}
	if hdr.Length < 0 || int(hdr.Length) > dec.codec.maxLength {
		return false, &CorruptedError{Header: hdr, Err: ErrLengthOutOfRange}
	}
	return dec.buf.Len() >= HeaderSize+int(hdr.Length), nil
}

func (dec *Decoder) decodeFirst() (Envelope, error) {
	var raw [HeaderSize]byte
	_, _ = dec.buf.Read(raw[:])
	hdr, _ := ParseHeader(raw[:])

	data := make([]byte, hdr.Length)
	if len(data) > 0 {
		_, _ = dec.buf.Read(data)
	}

	if err := hdr.Validate(dec.codec.maxLength); err != nil {
		return Envelope{}, err
	}

	env := Envelope{InstanceID: hdr.InstanceID, Type: hdr.Type}
	msg, err := dec.codec.reg.New(hdr.Type)
	if err != nil {
		return env, err
	}
	if err := dec.codec.payload.Unmarshal(data, msg); err != nil {
		return env, fmt.Errorf("%w: %w", ErrPayload, err)
	}
	env.Payload = msg
	return env, nil
}
