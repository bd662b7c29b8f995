package apdu

import "fmt"

// Status is the two byte status word trailing every response.
type Status uint16

const (
	StatusOK             Status = 0x9000
	StatusOKNative       Status = 0x9100
	StatusMoreFrames     Status = 0x91AF
	StatusDuplicate      Status = 0x91DE
	StatusAuthError      Status = 0x91AE
	StatusLengthError    Status = 0x917E
	StatusIllegalCommand Status = 0x911C
	StatusPermission     Status = 0x919D
	StatusAppNotFound    Status = 0x91A0
	StatusFileNotFound   Status = 0x91F0
	StatusBoundaryError  Status = 0x91BE
	StatusIntegrity      Status = 0x911E
	StatusAborted        Status = 0x91CA
)

var statusNames = map[Status]string{
	StatusOK:             "ok",
	StatusOKNative:       "ok",
	StatusMoreFrames:     "additional frame",
	StatusDuplicate:      "duplicate",
	StatusAuthError:      "authentication error",
	StatusLengthError:    "length error",
	StatusIllegalCommand: "illegal command",
	StatusPermission:     "permission denied",
	StatusAppNotFound:    "application not found",
	StatusFileNotFound:   "file not found",
	StatusBoundaryError:  "boundary error",
	StatusIntegrity:      "integrity error",
	StatusAborted:        "command aborted",
}

func (s Status) Success() bool {
	return s == StatusOK || s == StatusOKNative
}

func (s Status) MoreFrames() bool {
	return s == StatusMoreFrames
}

// Continues reports whether a chain may proceed past a frame answered with s.
func (s Status) Continues() bool {
	return s.Success() || s.MoreFrames()
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%04X (%s)", uint16(s), name)
	}
	return fmt.Sprintf("%04X", uint16(s))
}
