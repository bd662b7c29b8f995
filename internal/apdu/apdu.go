package apdu

import (
	"errors"
	"fmt"

	"github.com/skythen/apdu"
)

// ClaNative is the class byte of ISO 7816 wrapped native commands.
const ClaNative = 0x90

// Native instruction bytes.
const (
	InsSelectApplication byte = 0x5A
	InsAuthenticateFirst byte = 0x71
	InsAdditionalFrame   byte = 0xAF
	InsCreateApplication byte = 0xCA
	InsCreateStdDataFile byte = 0xCD
	InsReadData          byte = 0xAD
	InsWriteData         byte = 0x8D
	InsChangeKey         byte = 0xC4
	InsReadSignature     byte = 0x3C
)

// MaxFrameData is the largest data field a single command frame carries. Longer payloads are
// chained with additional frames.
const MaxFrameData = 48

var ErrShortFrame = errors.New("frame shorter than status word")

// Wrap builds the ISO 7816 C-APDU for a native command.
func Wrap(ins byte, data []byte) ([]byte, error) {

	capdu := apdu.Capdu{Cla: ClaNative, Ins: ins, Data: data, Ne: 256}

	return capdu.Bytes()

}

// Unwrap parses a C-APDU built by Wrap and returns its instruction and data field.
func Unwrap(frame []byte) (byte, []byte, error) {

	capdu, err := apdu.ParseCapdu(frame)

	if err != nil {
		return 0, nil, err
	}

	if capdu.Cla != ClaNative {
		return 0, nil, fmt.Errorf("unexpected class byte: %x", capdu.Cla)
	}

	return capdu.Ins, capdu.Data, nil

}

// ParseResponse splits an R-APDU into its data field and status word. The status is returned
// as reported by the card; interpreting it is up to the caller.
func ParseResponse(frame []byte) ([]byte, Status, error) {

	if len(frame) < 2 {
		return nil, 0, ErrShortFrame
	}

	rapdu, err := apdu.ParseRapdu(frame)

	if err != nil {
		return nil, 0, err
	}

	return rapdu.Data, Status(uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)), nil

}

// Respond builds an R-APDU. Used by card side implementations.
func Respond(data []byte, sw Status) ([]byte, error) {

	rapdu := apdu.Rapdu{Data: data, SW1: byte(sw >> 8), SW2: byte(sw)}

	return rapdu.Bytes()

}

// StatusOf reads the trailing status word of a raw response without parsing the data field.
func StatusOf(frame []byte) (Status, error) {
	if len(frame) < 2 {
		return 0, ErrShortFrame
	}
	return Status(uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])), nil
}
