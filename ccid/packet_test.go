package ccid

import (
	"bytes"
	"testing"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name string
		ext  []byte
		want Command
		err  bool
	}{
		{
			name: "power on",
			ext:  []byte{0x62, 0, 0, 0, 0, 0, 0x07, 0, 0, 0},
			want: Command{Kind: CmdPowerOn, Slot: 0, Seq: 0x07},
		},
		{
			name: "get slot status",
			ext:  []byte{0x65, 0, 0, 0, 0, 0, 0x11, 0, 0, 0},
			want: Command{Kind: CmdGetSlotStatus, Slot: 0, Seq: 0x11},
		},
		{
			name: "short",
			ext:  []byte{0x62, 0, 0},
			err:  true,
		},
		{
			name: "unknown",
			ext:  []byte{0xAA, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			err:  true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseCommand(c.ext)
			if c.err {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Fatalf("got %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestParseChain(t *testing.T) {
	ext := make([]byte, CCIDHeaderLen)

	for _, c := range []Chain{ChainBeginsAndEnds, ChainBegins, ChainEnds, ChainContinues, ChainExpectingMore} {
		ext[8] = byte(c)
		ext[9] = byte(uint16(c) >> 8)

		got, err := ParseChain(ext)
		if err != nil {
			t.Fatalf("chain %#x: unexpected error: %v", c, err)
		}
		if got != c {
			t.Fatalf("chain %#x: got %#x", c, got)
		}
	}

	ext[8], ext[9] = 0xff, 0xff
	if _, err := ParseChain(ext); err == nil {
		t.Fatalf("expected error for invalid chain parameter")
	}
}

func TestPayloadSliceClamps(t *testing.T) {
	// declared length lies about how much data actually follows
	ext := make([]byte, CCIDHeaderLen+5)
	ext[1] = 200 // declared dwLength far exceeds buffer

	got := PayloadSlice(ext)
	if len(got) != 5 {
		t.Fatalf("got payload len %d, want 5 (clamped)", len(got))
	}
}

func TestDataBlock(t *testing.T) {
	packet, err := DataBlock(0x33, ChainBeginsAndEnds, []byte{0x90, 0x00})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []byte{0x80, 0x02, 0, 0, 0, 0, 0x33, 0, 0, 0, 0x90, 0x00}
	if !bytes.Equal(packet, want) {
		t.Fatalf("got % x, want % x", packet, want)
	}
}

func TestDataBlockOversized(t *testing.T) {
	data := make([]byte, PacketSize)
	if _, err := DataBlock(0, ChainBeginsAndEnds, data); err == nil {
		t.Fatalf("expected error for data exceeding packet size")
	}
}

func TestSlotStatusOK(t *testing.T) {
	got := SlotStatusOK(0x11)
	want := []byte{0x81, 0, 0, 0, 0, 0, 0x11, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

// TestSlotStatusError pins bMessageType at 0x6c, not 0x81: SlotStatusOK and
// SlotStatusError share the RDR_to_PC_SlotStatus shape but disagree on the
// leading byte, a detail easy to get wrong by copy-pasting SlotStatusOK.
func TestSlotStatusError(t *testing.T) {
	got := SlotStatusError(0x09, ErrCmdAborted)
	want := []byte{0x6c, 0, 0, 0, 0, 0, 0x09, 1 << 6, 0xff, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestParameters(t *testing.T) {
	got := Parameters(0x22)
	want := []byte{0x82, 0x07, 0, 0, 0, 0, 0x22, 0, 0, 0x01, 0x11, 0x10, 0, 0x15, 0, 0xfe, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

func TestBuildATRNoIssuerData(t *testing.T) {
	atr, err := buildATR(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []byte{0x3B, 0x80, 0x01, 0x81}
	if !bytes.Equal(atr, want) {
		t.Fatalf("got % x, want % x", atr, want)
	}
}

func TestBuildATRWithIssuerData(t *testing.T) {
	issuer := []byte{0xAA, 0xBB, 0xCC}
	atr, err := buildATR(issuer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// TS, T0=0x80|(2+3)=0x85, T=1, tag 0x80, len 0x53, issuer..., checksum
	want := []byte{0x3B, 0x85, 0x01, 0x80, 0x53, 0xAA, 0xBB, 0xCC}
	var checksum byte
	for _, b := range want[1:] {
		checksum ^= b
	}
	want = append(want, checksum)

	if !bytes.Equal(atr, want) {
		t.Fatalf("got % x, want % x", atr, want)
	}
}

func TestBuildATROversizedIssuerData(t *testing.T) {
	issuer := make([]byte, maxCardIssuerData+1)
	if _, err := buildATR(issuer); err == nil {
		t.Fatalf("expected error for oversized card issuer data")
	}
}
