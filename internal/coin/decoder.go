package coin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of decoding one frame or marker. Err is nil for accepted coins.
type Outcome struct {
	Intent Intent
	Raw    []byte
	Err    error
}

// Accepted reports whether the outcome carries a credit intent.
func (o Outcome) Accepted() bool {
	return o.Err == nil
}

// Decoder turns a received chunk into outcomes in byte order. Decoders never touch the ledger.
type Decoder interface {
	Mode() Mode
	Decode(chunk []byte) []Outcome
}

// DecoderConfig configures either decoder variant.
type DecoderConfig struct {
	Header        []byte
	Denominations Denominations
	Logger        *zap.Logger
	Clock         func() time.Time
}

// NewDecoder returns the decoder for mode.
func NewDecoder(mode Mode, cfg DecoderConfig) (Decoder, error) {
	switch mode {
	case ModeStrict:
		return NewStrictDecoder(cfg)
	case ModeTolerant:
		return NewTolerantDecoder(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, mode)
	}
}

type decoderBase struct {
	denominations Denominations
	logger        *zap.Logger
	clock         func() time.Time
}

func newDecoderBase(cfg DecoderConfig) (decoderBase, error) {
	denominations := cfg.Denominations
	if denominations == (Denominations{}) {
		denominations = DefaultDenominations()
	}
	if err := denominations.Validate(); err != nil {
		return decoderBase{}, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return decoderBase{denominations: denominations, logger: logger, clock: clock}, nil
}

func (d decoderBase) accept(mode Mode, raw []byte, command byte, credits int, receivedAt time.Time) Outcome {
	d.logger.Info("coin frame accepted",
		zap.String("mode", string(mode)),
		zap.Time("received_at", receivedAt),
		zap.String("raw", hex.EncodeToString(raw)),
		zap.Int("command", int(command)),
		zap.Int("credits", credits))
	return Outcome{
		Intent: Intent{Command: command, Credits: credits, Mode: mode, ReceivedAt: receivedAt},
		Raw:    raw,
	}
}

func (d decoderBase) reject(mode Mode, raw []byte, err error, receivedAt time.Time) Outcome {
	d.logger.Warn("coin frame rejected",
		zap.String("mode", string(mode)),
		zap.Time("received_at", receivedAt),
		zap.String("raw", hex.EncodeToString(raw)),
		zap.Error(err))
	return Outcome{Raw: raw, Err: err}
}

// StrictDecoder validates header + command + checksum frames. A chunk may hold several
// back-to-back frames; bytes outside a frame are reported as malformed.
type StrictDecoder struct {
	decoderBase
	header []byte
}

// NewStrictDecoder constructs a checksumming decoder.
func NewStrictDecoder(cfg DecoderConfig) (*StrictDecoder, error) {
	base, err := newDecoderBase(cfg)
	if err != nil {
		return nil, err
	}
	header := cfg.Header
	if len(header) == 0 {
		header = DefaultHeader
	}
	return &StrictDecoder{decoderBase: base, header: append([]byte(nil), header...)}, nil
}

// Mode implements Decoder.
func (d *StrictDecoder) Mode() Mode {
	return ModeStrict
}

// Header returns a copy of the expected frame header.
func (d *StrictDecoder) Header() []byte {
	return append([]byte(nil), d.header...)
}

// DecodeFrame validates a single frame.
func (d *StrictDecoder) DecodeFrame(frame Frame) (Intent, error) {
	receivedAt := d.clock().UTC()
	outcome := d.decodeFrame(frame, frame.Bytes(), receivedAt)
	return outcome.Intent, outcome.Err
}

// Decode implements Decoder.
func (d *StrictDecoder) Decode(chunk []byte) []Outcome {
	if len(chunk) == 0 {
		return nil
	}
	receivedAt := d.clock().UTC()
	frameLength := len(d.header) + 2
	var outcomes []Outcome
	for offset := 0; offset < len(chunk); {
		remaining := chunk[offset:]
		start := bytes.Index(remaining, d.header)
		if start != 0 {
			garbage := remaining
			if start > 0 {
				garbage = remaining[:start]
			}
			raw := append([]byte(nil), garbage...)
			outcomes = append(outcomes, d.reject(ModeStrict, raw,
				fmt.Errorf("%w: %d bytes outside a frame", ErrMalformedFrame, len(raw)), receivedAt))
			offset += len(garbage)
			continue
		}
		if len(remaining) < frameLength {
			raw := append([]byte(nil), remaining...)
			outcomes = append(outcomes, d.reject(ModeStrict, raw,
				fmt.Errorf("%w: truncated frame of %d bytes", ErrMalformedFrame, len(raw)), receivedAt))
			break
		}
		raw := append([]byte(nil), remaining[:frameLength]...)
		frame, err := ParseFrame(raw, d.header)
		if err != nil {
			outcomes = append(outcomes, d.reject(ModeStrict, raw, err, receivedAt))
		} else {
			outcomes = append(outcomes, d.decodeFrame(frame, raw, receivedAt))
		}
		offset += frameLength
	}
	return outcomes
}

func (d *StrictDecoder) decodeFrame(frame Frame, raw []byte, receivedAt time.Time) Outcome {
	if !bytes.Equal(frame.Header, d.header) {
		return d.reject(ModeStrict, raw, fmt.Errorf("%w: unexpected header", ErrMalformedFrame), receivedAt)
	}
	if expected := Checksum(frame.Header, frame.Command); frame.Checksum != expected {
		return d.reject(ModeStrict, raw,
			fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksumMismatch, frame.Checksum, expected), receivedAt)
	}
	credits, ok := d.denominations.Lookup(frame.Command)
	if !ok {
		return d.reject(ModeStrict, raw, fmt.Errorf("%w: 0x%02x", ErrInvalidCommand, frame.Command), receivedAt)
	}
	return d.accept(ModeStrict, raw, frame.Command, credits, receivedAt)
}

// TolerantDecoder scans raw bytes and treats each command byte as a standalone coin.
// Other bytes are ignored.
type TolerantDecoder struct {
	decoderBase
}

// NewTolerantDecoder constructs a byte-scanning decoder.
func NewTolerantDecoder(cfg DecoderConfig) (*TolerantDecoder, error) {
	base, err := newDecoderBase(cfg)
	if err != nil {
		return nil, err
	}
	return &TolerantDecoder{decoderBase: base}, nil
}

// Mode implements Decoder.
func (d *TolerantDecoder) Mode() Mode {
	return ModeTolerant
}

// Decode implements Decoder.
func (d *TolerantDecoder) Decode(chunk []byte) []Outcome {
	if len(chunk) == 0 {
		return nil
	}
	receivedAt := d.clock().UTC()
	var outcomes []Outcome
	ignored := 0
	for _, value := range chunk {
		credits, ok := d.denominations.Lookup(value)
		if !ok {
			ignored++
			continue
		}
		outcomes = append(outcomes, d.accept(ModeTolerant, []byte{value}, value, credits, receivedAt))
	}
	if ignored > 0 {
		d.logger.Debug("coin stream bytes ignored",
			zap.Time("received_at", receivedAt),
			zap.Int("count", ignored))
	}
	return outcomes
}
