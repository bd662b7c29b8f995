package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// transferRecord is what a receiver writes into the transfer file to prove possession. It binds
// the card to one link of the token's hash chain.
type transferRecord struct {
	TransferID string `cbor:"1,keyasint"`
	Counter    uint64 `cbor:"2,keyasint"`
	ChainHash  []byte `cbor:"3,keyasint"`
	Secret     []byte `cbor:"4,keyasint,omitempty"`
}

var errRecordLength = errors.New("transfer record does not fit the transfer file")

// encodeRecord frames the record with a two byte length so the remainder of the file is
// ignored on read.
func encodeRecord(r transferRecord) ([]byte, error) {
	body, err := cbor.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(body)+2 > TransferFileSize {
		return nil, errRecordLength
	}
	out := make([]byte, 2, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	return append(out, body...), nil
}

func decodeRecord(file []byte) (transferRecord, error) {
	var r transferRecord
	if len(file) < 2 {
		return r, errRecordLength
	}
	n := int(binary.BigEndian.Uint16(file[:2]))
	if n == 0 || n+2 > len(file) {
		return r, errRecordLength
	}
	decMode, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		return r, err
	}
	if err := decMode.Unmarshal(file[2:2+n], &r); err != nil {
		return r, err
	}
	return r, nil
}
