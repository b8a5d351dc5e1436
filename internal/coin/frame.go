package coin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultCodeA is the command byte for the small coin.
	DefaultCodeA byte = 'A'
	// DefaultCodeB is the command byte for the large coin.
	DefaultCodeB byte = 'B'
	// DefaultCodeACredits is the credit value of DefaultCodeA.
	DefaultCodeACredits = 1
	// DefaultCodeBCredits is the credit value of DefaultCodeB.
	DefaultCodeBCredits = 3
)

// DefaultHeader prefixes every strict frame unless configured otherwise.
var DefaultHeader = []byte{0xAA, 0x55}

var (
	ErrChecksumMismatch = errors.New("coin: checksum mismatch")
	ErrInvalidCommand   = errors.New("coin: invalid command")
	ErrMalformedFrame   = errors.New("coin: malformed frame")
	ErrDeviceNotFound   = errors.New("coin: device not found")
	ErrConnectionFailed = errors.New("coin: connection failed")
	ErrNotConnected     = errors.New("coin: not connected")
	ErrInvalidConfig    = errors.New("coin: invalid configuration")
)

// Mode names a decoding generation of the acceptor protocol.
type Mode string

const (
	// ModeStrict decodes header + command + XOR checksum frames.
	ModeStrict Mode = "strict"
	// ModeTolerant treats every command byte in the stream as a coin.
	ModeTolerant Mode = "tolerant"
)

// ParseMode validates a configured mode string.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModeTolerant, "":
		return ModeTolerant, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, value)
	}
}

// Frame is a single strict protocol message.
type Frame struct {
	Header   []byte
	Command  byte
	Checksum byte
}

// NewFrame builds a frame with a correct checksum.
func NewFrame(header []byte, command byte) Frame {
	return Frame{
		Header:   append([]byte(nil), header...),
		Command:  command,
		Checksum: Checksum(header, command),
	}
}

// Bytes returns the wire encoding of the frame.
func (f Frame) Bytes() []byte {
	encoded := make([]byte, 0, len(f.Header)+2)
	encoded = append(encoded, f.Header...)
	return append(encoded, f.Command, f.Checksum)
}

// Valid reports whether the checksum matches header and command.
func (f Frame) Valid() bool {
	return f.Checksum == Checksum(f.Header, f.Command)
}

// Checksum is the XOR reduction of header followed by command.
func Checksum(header []byte, command byte) byte {
	var sum byte
	for _, value := range header {
		sum ^= value
	}
	return sum ^ command
}

// ParseFrame splits raw bytes into a frame using the expected header length.
func ParseFrame(raw []byte, header []byte) (Frame, error) {
	if len(raw) != len(header)+2 {
		return Frame{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedFrame, len(header)+2, len(raw))
	}
	if !bytes.Equal(raw[:len(header)], header) {
		return Frame{}, fmt.Errorf("%w: unexpected header %s", ErrMalformedFrame, hex.EncodeToString(raw[:len(header)]))
	}
	return Frame{
		Header:   append([]byte(nil), raw[:len(header)]...),
		Command:  raw[len(header)],
		Checksum: raw[len(header)+1],
	}, nil
}

// ParseHeader decodes a hex header such as "aa55".
func ParseHeader(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty header", ErrInvalidConfig)
	}
	header, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: header %q: %v", ErrInvalidConfig, value, err)
	}
	return header, nil
}

// Denomination maps one command byte to its credit value.
type Denomination struct {
	Command byte
	Credits int
}

// Denominations is the two-entry command whitelist.
type Denominations struct {
	A Denomination
	B Denomination
}

// DefaultDenominations returns 'A' → 1 credit and 'B' → 3 credits.
func DefaultDenominations() Denominations {
	return Denominations{
		A: Denomination{Command: DefaultCodeA, Credits: DefaultCodeACredits},
		B: Denomination{Command: DefaultCodeB, Credits: DefaultCodeBCredits},
	}
}

// Validate ensures both codes are distinct and worth at least one credit.
func (d Denominations) Validate() error {
	if d.A.Command == d.B.Command {
		return fmt.Errorf("%w: command codes must differ", ErrInvalidConfig)
	}
	if d.A.Credits <= 0 || d.B.Credits <= 0 {
		return fmt.Errorf("%w: denominations must be positive", ErrInvalidConfig)
	}
	return nil
}

// Lookup returns the credit value for command.
func (d Denominations) Lookup(command byte) (int, bool) {
	switch command {
	case d.A.Command:
		return d.A.Credits, true
	case d.B.Command:
		return d.B.Credits, true
	default:
		return 0, false
	}
}

// Intent is a validated "add N credits" request produced by a decoder.
type Intent struct {
	Command    byte
	Credits    int
	Mode       Mode
	ReceivedAt time.Time
}

// ErrorCode maps decoder and transport errors to hardware-error codes.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "hardware_failure"
	}
}
