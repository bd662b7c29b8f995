package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/schjonhaug/tapcustody/internal/apdu"
	"github.com/schjonhaug/tapcustody/internal/securemsg"
)

// COMMANDS

// Command is one native card command. The set is closed: every command type lives in this file
// and must say how it is framed, so adding one without framing it fails to compile.
type Command interface {
	ins() byte
	mode() securemsg.Mode
	// header is the plain part of the data field, covered by the MAC but never encrypted.
	header() []byte
	payload() []byte
	name() string
}

// TransferAID is the application holding the transfer file.
var TransferAID = [3]byte{0xC7, 0x5D, 0x01}

const (
	TransferFileNo   byte = 0x01
	TransferFileSize      = 128
	maxReadLength         = TransferFileSize
	maxFileNo        byte = 0x1F
)

type selectApplication struct {
	aid [3]byte
}

func (c selectApplication) ins() byte            { return apdu.InsSelectApplication }
func (c selectApplication) mode() securemsg.Mode { return securemsg.ModePlain }
func (c selectApplication) header() []byte       { return c.aid[:] }
func (c selectApplication) payload() []byte      { return nil }
func (c selectApplication) name() string         { return "selectApplication" }

type authenticateFirst struct {
	keyNo byte
}

func (c authenticateFirst) ins() byte            { return apdu.InsAuthenticateFirst }
func (c authenticateFirst) mode() securemsg.Mode { return securemsg.ModePlain }
func (c authenticateFirst) header() []byte       { return []byte{c.keyNo, 0x00} }
func (c authenticateFirst) payload() []byte      { return nil }
func (c authenticateFirst) name() string         { return "authenticateFirst" }

// additionalFrame carries the second message of the authentication exchange.
type additionalFrame struct {
	data []byte
}

func (c additionalFrame) ins() byte            { return apdu.InsAdditionalFrame }
func (c additionalFrame) mode() securemsg.Mode { return securemsg.ModePlain }
func (c additionalFrame) header() []byte       { return nil }
func (c additionalFrame) payload() []byte      { return c.data }
func (c additionalFrame) name() string         { return "additionalFrame" }

type createApplication struct {
	aid         [3]byte
	keySettings byte
	numKeys     byte
}

func (c createApplication) ins() byte            { return apdu.InsCreateApplication }
func (c createApplication) mode() securemsg.Mode { return securemsg.ModeMAC }
func (c createApplication) header() []byte {
	return []byte{c.aid[0], c.aid[1], c.aid[2], c.keySettings, c.numKeys}
}
func (c createApplication) payload() []byte { return nil }
func (c createApplication) name() string    { return "createApplication" }

type createStdDataFile struct {
	fileNo byte
	size   int
}

func (c createStdDataFile) ins() byte            { return apdu.InsCreateStdDataFile }
func (c createStdDataFile) mode() securemsg.Mode { return securemsg.ModePlain }
func (c createStdDataFile) header() []byte {
	// file number, full comm mode, access rights (key 0 for everything), size.
	h := []byte{c.fileNo, 0x03, 0x00, 0x00}
	return append(h, le24(c.size)...)
}
func (c createStdDataFile) payload() []byte { return nil }
func (c createStdDataFile) name() string    { return "createStdDataFile" }

type readData struct {
	fileNo byte
	offset int
	length int
}

func (c readData) ins() byte            { return apdu.InsReadData }
func (c readData) mode() securemsg.Mode { return securemsg.ModeFull }
func (c readData) header() []byte       { return fileHeader(c.fileNo, c.offset, c.length) }
func (c readData) payload() []byte      { return nil }
func (c readData) name() string         { return "readData" }

type writeData struct {
	fileNo byte
	offset int
	data   []byte
}

func (c writeData) ins() byte            { return apdu.InsWriteData }
func (c writeData) mode() securemsg.Mode { return securemsg.ModeFull }
func (c writeData) header() []byte       { return fileHeader(c.fileNo, c.offset, len(c.data)) }
func (c writeData) payload() []byte      { return c.data }
func (c writeData) name() string         { return "writeData" }

type changeKey struct {
	keyNo   byte
	key     []byte
	version byte
}

func (c changeKey) ins() byte            { return apdu.InsChangeKey }
func (c changeKey) mode() securemsg.Mode { return securemsg.ModeFull }
func (c changeKey) header() []byte       { return []byte{c.keyNo} }
func (c changeKey) payload() []byte      { return append(append([]byte(nil), c.key...), c.version) }
func (c changeKey) name() string         { return "changeKey" }

type readSignature struct{}

func (c readSignature) ins() byte            { return apdu.InsReadSignature }
func (c readSignature) mode() securemsg.Mode { return securemsg.ModePlain }
func (c readSignature) header() []byte       { return []byte{0x00} }
func (c readSignature) payload() []byte      { return nil }
func (c readSignature) name() string         { return "readSignature" }

// build frames cmd. Commands in MAC or full mode need a channel; the channel counter is
// advanced once for the whole command. Data fields longer than one frame are continued with
// additional frames, numbered by their position.
func build(ch *securemsg.Channel, cmd Command) ([][]byte, error) {

	var data []byte

	if cmd.mode() == securemsg.ModePlain {
		data = append(append([]byte(nil), cmd.header()...), cmd.payload()...)
		if ch != nil {
			ch.Advance()
		}
	} else {
		if ch == nil {
			return nil, fmt.Errorf("%s requires an authenticated channel", cmd.name())
		}
		protected, err := ch.ProtectCommand(cmd.mode(), cmd.ins(), cmd.header(), cmd.payload())
		if err != nil {
			return nil, err
		}
		ch.Advance()
		data = protected
	}

	var frames [][]byte
	ins := cmd.ins()
	for {
		n := len(data)
		if n > apdu.MaxFrameData {
			n = apdu.MaxFrameData
		}
		frame, err := apdu.Wrap(ins, data[:n])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		data = data[n:]
		if len(data) == 0 {
			break
		}
		ins = apdu.InsAdditionalFrame
	}

	return frames, nil

}

func fileHeader(fileNo byte, offset, length int) []byte {
	h := []byte{fileNo}
	h = append(h, le24(offset)...)
	return append(h, le24(length)...)
}

func le24(v int) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:3]
}
