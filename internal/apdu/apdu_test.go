package apdu

import (
	"bytes"
	"testing"
)

func TestWrapUnwrapNativeCommand(t *testing.T) {
	t.Parallel()

	frame, err := Wrap(InsReadData, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if frame[0] != ClaNative || frame[1] != InsReadData {
		t.Fatalf("unexpected header % x", frame[:4])
	}

	ins, data, err := Unwrap(frame)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if ins != InsReadData {
		t.Fatalf("expected ins %x, got %x", InsReadData, ins)
	}
	if !bytes.Equal(data, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("unexpected data % x", data)
	}
}

func TestParseResponseKeepsStatus(t *testing.T) {
	t.Parallel()

	frame, err := Respond([]byte{0xAA, 0xBB}, StatusMoreFrames)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	data, sw, err := ParseResponse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sw != StatusMoreFrames || !sw.MoreFrames() || sw.Success() {
		t.Fatalf("unexpected status %s", sw)
	}
	if !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Fatalf("unexpected data % x", data)
	}

	raw, err := StatusOf(frame)
	if err != nil || raw != StatusMoreFrames {
		t.Fatalf("StatusOf: %s %v", raw, err)
	}
}

func TestParseResponseRejectsShortFrame(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseResponse([]byte{0x91}); err == nil {
		t.Fatal("expected error for one byte frame")
	}
}
