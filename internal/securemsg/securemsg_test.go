package securemsg

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode hex: %v", err)
	}
	return b
}

func TestCMACVectors(t *testing.T) {
	t.Parallel()

	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	cases := []struct {
		msg  string
		want string
	}{
		{"", "bb1d6929e95937287fa37d129b756746"},
		{"6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411", "dfa66747de9ae63030ca32611497c827"},
		{"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411e5fbc1191a0a52eff69f2445df4f9b17ad2b417be66c3710", "51f0bebf7e3b9d92fc49741779363cfe"},
	}

	for _, tc := range cases {
		got, err := CMAC(key, mustHex(t, tc.msg))
		if err != nil {
			t.Fatalf("cmac: %v", err)
		}
		if hex.EncodeToString(got) != tc.want {
			t.Fatalf("cmac(%q): expected %s, got %x", tc.msg, tc.want, got)
		}
	}
}

func TestPadRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 15, 16, 17, 31} {
		data := bytes.Repeat([]byte{0x42}, n)
		padded := Pad(data)
		if len(padded)%16 != 0 || len(padded) <= n {
			t.Fatalf("pad(%d): unexpected length %d", n, len(padded))
		}
		plain, err := Unpad(padded)
		if err != nil {
			t.Fatalf("unpad(%d): %v", n, err)
		}
		if !bytes.Equal(plain, data) {
			t.Fatalf("unpad(%d): data changed", n)
		}
	}
}

func TestRotateLeft(t *testing.T) {
	t.Parallel()

	got := RotateLeft([]byte{1, 2, 3, 4})
	if !bytes.Equal(got, []byte{2, 3, 4, 1}) {
		t.Fatalf("unexpected rotation % x", got)
	}
}

func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	key := bytes.Repeat([]byte{0x11}, KeySize)
	rndA := bytes.Repeat([]byte{0xA0}, RndSize)
	rndB := bytes.Repeat([]byte{0xB0}, RndSize)
	ti := []byte{1, 2, 3, 4}

	reader, err := NewChannel(key, rndA, rndB, ti)
	if err != nil {
		t.Fatalf("reader channel: %v", err)
	}
	card, err := NewChannel(key, rndA, rndB, ti)
	if err != nil {
		t.Fatalf("card channel: %v", err)
	}
	return reader, card
}

func TestFullModeExchange(t *testing.T) {
	t.Parallel()

	reader, card := newPair(t)
	hdr := []byte{0x01, 0, 0, 0, 5, 0, 0}
	payload := []byte("hello")

	cmd, err := reader.ProtectCommand(ModeFull, 0x8D, hdr, payload)
	if err != nil {
		t.Fatalf("protect command: %v", err)
	}
	reader.Advance()

	gotHdr, gotData, err := card.OpenCommand(ModeFull, 0x8D, len(hdr), cmd)
	if err != nil {
		t.Fatalf("open command: %v", err)
	}
	if !bytes.Equal(gotHdr, hdr) || !bytes.Equal(gotData, payload) {
		t.Fatalf("command mangled: % x / % x", gotHdr, gotData)
	}
	card.Advance()

	rsp, err := card.ProtectResponse(ModeFull, 0x00, []byte("world"))
	if err != nil {
		t.Fatalf("protect response: %v", err)
	}
	plain, err := reader.OpenResponse(ModeFull, 0x00, rsp)
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	if string(plain) != "world" {
		t.Fatalf("unexpected response %q", plain)
	}
}

func TestResponseMACBoundToCounter(t *testing.T) {
	t.Parallel()

	reader, card := newPair(t)
	card.Advance()
	card.Advance()

	rsp, err := card.ProtectResponse(ModeMAC, 0x00, []byte{0x01})
	if err != nil {
		t.Fatalf("protect response: %v", err)
	}

	reader.Advance()
	if _, err := reader.OpenResponse(ModeMAC, 0x00, rsp); !errors.Is(err, ErrMAC) {
		t.Fatalf("expected ErrMAC for counter drift, got %v", err)
	}
}

func TestAuthenticationTokens(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x22}, KeySize)
	rndA := bytes.Repeat([]byte{0x01}, RndSize)
	rndB := bytes.Repeat([]byte{0x02}, RndSize)
	rndB[0] = 0x09

	readerToken, err := ReaderToken(key, rndA, rndB)
	if err != nil {
		t.Fatalf("reader token: %v", err)
	}
	gotA, err := OpenReaderToken(key, rndB, readerToken)
	if err != nil {
		t.Fatalf("open reader token: %v", err)
	}
	if !bytes.Equal(gotA, rndA) {
		t.Fatal("rndA not recovered")
	}

	cardToken, err := CardToken(key, []byte{9, 9, 9, 9}, rndA)
	if err != nil {
		t.Fatalf("card token: %v", err)
	}
	ti, err := OpenCardToken(key, rndA, cardToken)
	if err != nil {
		t.Fatalf("open card token: %v", err)
	}
	if !bytes.Equal(ti, []byte{9, 9, 9, 9}) {
		t.Fatalf("unexpected ti % x", ti)
	}

	wrongA := bytes.Repeat([]byte{0x03}, RndSize)
	if _, err := OpenCardToken(key, wrongA, cardToken); !errors.Is(err, ErrChallenge) {
		t.Fatalf("expected ErrChallenge, got %v", err)
	}
}
