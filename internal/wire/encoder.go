// file: internal/wire/encoder.go
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fastproto/fastrpc/internal/ferrors"
	"github.com/fastproto/fastrpc/internal/message"
)

// Encoder serializes Message values into framed wire bytes under a fixed
// CRC mode. It holds no per-call state and is safe for concurrent use.
type Encoder struct {
	crcMode CRCMode
}

// NewEncoder builds an Encoder that computes/emits CRCs under mode.
func NewEncoder(mode CRCMode) *Encoder {
	return &Encoder{crcMode: mode}
}

// Encode serializes m into exactly one contiguous frame, validating each
// field per spec.md §4.1's Encoder steps 1-4 before assembling the header.
func (e *Encoder) Encode(m message.Message) ([]byte, error) {
	if m.Msgid > message.MsgidMax {
		return nil, ferrors.NewProtocolError(ferrors.CodeInvalidArgument,
			fmt.Sprintf("msgid is not an integer between 0 and %d (MSGID_MAX)", message.MsgidMax), nil)
	}
	if !m.Status.IsValid() {
		return nil, ferrors.NewProtocolError(ferrors.CodeBadStatus,
			"unsupported fast message status", nil)
	}
	if m.Data.D == nil && m.Data.M.Name == "" {
		return nil, ferrors.NewProtocolError(ferrors.CodeInvalidArgument,
			"data is required and must be a mapping", nil)
	}

	payload, err := json.Marshal(m.Data)
	if err != nil {
		return nil, ferrors.NewEncodeError("failed to serialize message data", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	crc := computeCRC(e.crcMode, payload)

	frame := make([]byte, HeaderLen+len(payload))
	frame[versionOffset] = ProtocolVersion
	frame[typeOffset] = FrameTypeJSON
	frame[statusOffset] = byte(m.Status)
	putUint32(frame[msgidOffset:], m.Msgid)
	putUint32(frame[crcOffset:], uint32(crc))
	putUint32(frame[datalenOffset:], uint32(len(payload)))
	copy(frame[HeaderLen:], payload)

	return frame, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
