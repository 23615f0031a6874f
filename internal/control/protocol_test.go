package control

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []Packet{
		{Command: VERBOSE, Payload: []byte{3}},
		{Command: TERMINATE_CHILDREN, Payload: []byte("some-tag")},
		{Command: NOP},
	}
	data := EncodeDatagram(in...)

	out, err := DecodeDatagram(data)
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d packets, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Command != in[i].Command {
			t.Errorf("packet %d: Command = %v, want %v", i, out[i].Command, in[i].Command)
		}
		if string(out[i].Payload) != string(in[i].Payload) {
			t.Errorf("packet %d: Payload = %q, want %q", i, out[i].Payload, in[i].Payload)
		}
	}
}

func TestEncodeDecodeOddLengthPayloadIsPadded(t *testing.T) {
	// A 3-byte payload forces one byte of padding; the decoder must
	// still land exactly on the next packet/end of buffer.
	data := EncodeDatagram(Packet{Command: VERBOSE, Payload: []byte{1, 2, 3}})
	if len(data)%4 != 0 {
		t.Fatalf("encoded datagram length %d is not a multiple of 4", len(data))
	}

	out, err := DecodeDatagram(data)
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if len(out) != 1 || string(out[0].Payload) != "\x01\x02\x03" {
		t.Fatalf("got %+v", out)
	}
}

func TestDecodeDatagramRejectsBadMagic(t *testing.T) {
	data := EncodeDatagram(Packet{Command: NOP})
	data[0] ^= 0xff
	if _, err := DecodeDatagram(data); err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func TestDecodeDatagramRejectsBadCRC(t *testing.T) {
	data := EncodeDatagram(Packet{Command: VERBOSE, Payload: []byte{1}})
	data[len(data)-1] ^= 0xff
	if _, err := DecodeDatagram(data); err == nil {
		t.Fatal("expected error for corrupted payload/CRC mismatch")
	}
}

func TestDecodeDatagramRejectsShortHeader(t *testing.T) {
	if _, err := DecodeDatagram([]byte{0, 0, 0}); err == nil {
		t.Fatal("expected error for datagram shorter than the envelope header")
	}
}

// TestDecodeDatagramRejectsNonMultipleOfFourLength covers the
// datagram-level framing check: the whole datagram, header included,
// must be a multiple of 4 bytes.
func TestDecodeDatagramRejectsNonMultipleOfFourLength(t *testing.T) {
	data := EncodeDatagram(Packet{Command: NOP})
	data = append(data, 0) // one stray trailing byte breaks the %4 invariant
	if _, err := DecodeDatagram(data); err == nil {
		t.Fatal("expected error for datagram length not a multiple of 4")
	}
}

// TestDecodeDatagramRejectsTruncatedPacketPayload covers the
// already-existing payload-length check: a packet header claiming
// more payload than remains in the buffer is a framing error.
func TestDecodeDatagramRejectsTruncatedPacketPayload(t *testing.T) {
	// Hand-built datagram: a packet header claiming a 4-byte payload
	// (VERBOSE), but with no payload bytes following it. The payload
	// region is itself a multiple of 4 (just the header), so this
	// exercises the payload-length check rather than the datagram
	// length-modulo check.
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], 4)
	binary.BigEndian.PutUint16(payload[2:4], uint16(VERBOSE))

	data := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(data[0:4], Magic)
	binary.BigEndian.PutUint32(data[4:8], crc32.ChecksumIEEE(payload))
	copy(data[8:], payload)

	if _, err := DecodeDatagram(data); err == nil {
		t.Fatal("expected error for truncated packet payload")
	}
}

func TestCommandString(t *testing.T) {
	cases := map[Command]string{
		NOP:                "nop",
		VERBOSE:            "verbose",
		DISABLE_QUEUE:      "disable-queue",
		ENABLE_QUEUE:       "enable-queue",
		TERMINATE_CHILDREN: "terminate-children",
		Command(999):       "command(999)",
	}
	for cmd, want := range cases {
		if got := cmd.String(); got != want {
			t.Errorf("Command(%d).String() = %q, want %q", cmd, got, want)
		}
	}
}
