package coin

import (
	"errors"
	"testing"
)

func mustStrictDecoder(t *testing.T) *StrictDecoder {
	t.Helper()
	decoder, err := NewStrictDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("unexpected decoder error: %v", err)
	}
	return decoder
}

func TestChecksumIsXORReduction(t *testing.T) {
	if got := Checksum([]byte{0xAA, 0x55}, 'A'); got != 0xBE {
		t.Fatalf("expected checksum 0xbe, got 0x%02x", got)
	}
	if got := Checksum(nil, 0x42); got != 0x42 {
		t.Fatalf("expected checksum of bare command to equal the command, got 0x%02x", got)
	}
}

func TestStrictDecoderCreditsPerCommand(t *testing.T) {
	decoder := mustStrictDecoder(t)
	tests := []struct {
		name    string
		command byte
		credits int
	}{
		{name: "code A", command: DefaultCodeA, credits: 1},
		{name: "code B", command: DefaultCodeB, credits: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := decoder.DecodeFrame(NewFrame(DefaultHeader, tt.command))
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if intent.Credits != tt.credits {
				t.Fatalf("expected %d credits, got %d", tt.credits, intent.Credits)
			}
			if intent.Mode != ModeStrict {
				t.Fatalf("expected strict mode, got %s", intent.Mode)
			}
		})
	}
}

func TestStrictDecoderRejectsBadFrames(t *testing.T) {
	decoder := mustStrictDecoder(t)
	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{
			name:  "checksum mismatch",
			frame: Frame{Header: DefaultHeader, Command: DefaultCodeA, Checksum: 0x00},
			want:  ErrChecksumMismatch,
		},
		{
			name:  "unknown command",
			frame: NewFrame(DefaultHeader, 'Z'),
			want:  ErrInvalidCommand,
		},
		{
			name:  "foreign header",
			frame: NewFrame([]byte{0x01, 0x02}, DefaultCodeA),
			want:  ErrMalformedFrame,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := decoder.DecodeFrame(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if intent.Credits != 0 {
				t.Fatalf("expected no credits from rejected frame, got %d", intent.Credits)
			}
		})
	}
}

func TestStrictDecoderSplitsConcatenatedFrames(t *testing.T) {
	decoder := mustStrictDecoder(t)
	chunk := append(NewFrame(DefaultHeader, DefaultCodeA).Bytes(), NewFrame(DefaultHeader, DefaultCodeB).Bytes()...)
	chunk = append(chunk, 0xAA, 0x55, DefaultCodeA, 0x00)

	outcomes := decoder.Decode(chunk)

	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if !outcomes[0].Accepted() || outcomes[0].Intent.Credits != 1 {
		t.Fatalf("expected first frame to add 1 credit, got %+v", outcomes[0])
	}
	if !outcomes[1].Accepted() || outcomes[1].Intent.Credits != 3 {
		t.Fatalf("expected second frame to add 3 credits, got %+v", outcomes[1])
	}
	if !errors.Is(outcomes[2].Err, ErrChecksumMismatch) {
		t.Fatalf("expected third frame to fail checksum, got %v", outcomes[2].Err)
	}
}

func TestStrictDecoderReportsGarbageAndTruncation(t *testing.T) {
	decoder := mustStrictDecoder(t)
	chunk := []byte{0x10, 0x20}
	chunk = append(chunk, NewFrame(DefaultHeader, DefaultCodeA).Bytes()...)
	chunk = append(chunk, 0xAA, 0x55, DefaultCodeB)

	outcomes := decoder.Decode(chunk)

	if len(outcomes) != 3 {
		t.Fatalf("expected garbage, frame and truncated outcomes, got %d", len(outcomes))
	}
	if !errors.Is(outcomes[0].Err, ErrMalformedFrame) {
		t.Fatalf("expected leading garbage to be malformed, got %v", outcomes[0].Err)
	}
	if !outcomes[1].Accepted() {
		t.Fatalf("expected embedded frame to be accepted, got %v", outcomes[1].Err)
	}
	if !errors.Is(outcomes[2].Err, ErrMalformedFrame) {
		t.Fatalf("expected truncated tail to be malformed, got %v", outcomes[2].Err)
	}
}

func TestTolerantDecoderTriggersPerMarker(t *testing.T) {
	decoder, err := NewTolerantDecoder(DecoderConfig{})
	if err != nil {
		t.Fatalf("unexpected decoder error: %v", err)
	}

	outcomes := decoder.Decode([]byte("xxAB\r\nA"))

	total := 0
	for _, outcome := range outcomes {
		if !outcome.Accepted() {
			t.Fatalf("tolerant decoder must not reject, got %v", outcome.Err)
		}
		total += outcome.Intent.Credits
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 coin markers, got %d", len(outcomes))
	}
	if total != 5 {
		t.Fatalf("expected 5 credits, got %d", total)
	}
}

func TestDecodersHonourConfiguredDenominations(t *testing.T) {
	denominations := Denominations{
		A: Denomination{Command: '1', Credits: 2},
		B: Denomination{Command: '5', Credits: 10},
	}
	decoder, err := NewDecoder(ModeTolerant, DecoderConfig{Denominations: denominations})
	if err != nil {
		t.Fatalf("unexpected decoder error: %v", err)
	}

	outcomes := decoder.Decode([]byte("15A"))

	if len(outcomes) != 2 {
		t.Fatalf("expected only the configured codes to count, got %d outcomes", len(outcomes))
	}
	if outcomes[0].Intent.Credits != 2 || outcomes[1].Intent.Credits != 10 {
		t.Fatalf("unexpected credits %+v", outcomes)
	}
}

func TestDenominationsValidate(t *testing.T) {
	duplicate := Denominations{A: Denomination{Command: 'A', Credits: 1}, B: Denomination{Command: 'A', Credits: 3}}
	if err := duplicate.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected duplicate codes to be rejected, got %v", err)
	}
	zero := Denominations{A: Denomination{Command: 'A', Credits: 0}, B: Denomination{Command: 'B', Credits: 3}}
	if err := zero.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected zero credits to be rejected, got %v", err)
	}
}

func TestParseHeaderAndMode(t *testing.T) {
	header, err := ParseHeader("0xAA55")
	if err != nil {
		t.Fatalf("unexpected header error: %v", err)
	}
	if len(header) != 2 || header[0] != 0xAA || header[1] != 0x55 {
		t.Fatalf("unexpected header %x", header)
	}
	if _, err := ParseHeader("zz"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid hex to fail, got %v", err)
	}
	if mode, err := ParseMode("STRICT"); err != nil || mode != ModeStrict {
		t.Fatalf("expected strict mode, got %s (%v)", mode, err)
	}
	if _, err := ParseMode("lenient"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected unknown mode to fail, got %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	if code := ErrorCode(ErrChecksumMismatch); code != "checksum_mismatch" {
		t.Fatalf("unexpected code %s", code)
	}
	if code := ErrorCode(errors.New("other")); code != "hardware_failure" {
		t.Fatalf("unexpected code %s", code)
	}
}
