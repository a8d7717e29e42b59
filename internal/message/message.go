// Package message defines the validated Message value that the wire codec
// produces and the client/server engines exchange: msgid, status, and the
// structured data.{m,d} mapping described by spec.md §3.
// file: internal/message/message.go
package message

import (
	"github.com/fastproto/fastrpc/internal/ferrors"
)

// Status tags the kind of a frame. Messages form a tagged variant over
// Status — spec.md §9 asks that this be represented as a sum type, not via
// dynamic dispatch, so callers switch on Status rather than type-asserting
// Data.
type Status uint8

const (
	// StatusData carries zero-or-more payload values, either client
	// arguments (client→server) or emitted values (server→client).
	StatusData Status = 0x1
	// StatusEnd terminates a request stream successfully.
	StatusEnd Status = 0x2
	// StatusError terminates a request stream with a server-side failure.
	StatusError Status = 0x3
)

// IsValid reports whether s is one of the three recognized statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusData, StatusEnd, StatusError:
		return true
	default:
		return false
	}
}

// String renders the status the way it appears in log fields and error text.
func (s Status) String() string {
	switch s {
	case StatusData:
		return "DATA"
	case StatusEnd:
		return "END"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MsgidMax is the highest legal msgid (2^31 - 1); the high bit of the
// 32-bit wire field must always be clear.
const MsgidMax uint32 = 1<<31 - 1

// Meta is data.m: the RPC method name and an optional opaque timestamp.
type Meta struct {
	Name string `json:"name,omitempty"`
	// UTS is preserved opaquely when present; spec.md §9 leaves its
	// semantics unspecified, so this package never interprets it.
	UTS *int64 `json:"uts,omitempty"`
}

// Data is the message's structured payload: data.m and data.d.
type Data struct {
	M Meta `json:"m"`
	// D is the payload: an ordered argument/value sequence for DATA/END,
	// or a map[string]interface{} {name,message,info?,context?,ase_errors?}
	// for ERROR. Left as interface{} because its shape depends on Status.
	D interface{} `json:"d"`
}

// Message is one decoded frame: msgid + status + data.
type Message struct {
	Msgid  uint32
	Status Status
	Data   Data
}

// Validate checks the structural invariants spec.md §3/§4.1 require of a
// message independent of how it was produced (decoded or constructed for
// encoding).
func (m Message) Validate() error {
	if m.Msgid > MsgidMax {
		return ferrors.NewProtocolError(ferrors.CodeBadMsgid,
			"msgid exceeds MsgidMax", nil)
	}
	if !m.Status.IsValid() {
		return ferrors.NewProtocolError(ferrors.CodeBadStatus,
			"unsupported fast message status", nil)
	}
	if m.Status == StatusError {
		errMap, ok := m.Data.D.(map[string]interface{})
		if !ok {
			return ferrors.NewProtocolError(ferrors.CodeBadErrorShape,
				"data.d for ERROR messages must have name and message", nil)
		}
		name, hasName := errMap["name"]
		msg, hasMessage := errMap["message"]
		if !hasName || !hasMessage {
			return ferrors.NewProtocolError(ferrors.CodeBadErrorShape,
				"data.d for ERROR messages must have name and message", nil)
		}
		if _, ok := name.(string); !ok {
			return ferrors.NewProtocolError(ferrors.CodeBadErrorShape,
				"data.d for ERROR messages must have name and message", nil)
		}
		if _, ok := msg.(string); !ok {
			return ferrors.NewProtocolError(ferrors.CodeBadErrorShape,
				"data.d for ERROR messages must have name and message", nil)
		}
	}
	return nil
}

// ErrorShape extracts the {name, message, info?, context?, ase_errors?}
// mapping from a StatusError message's Data.D, assuming Validate already
// passed.
func (m Message) ErrorShape() (name, msg string, info, ctx map[string]interface{}, aseErrors interface{}) {
	errMap, _ := m.Data.D.(map[string]interface{})
	name, _ = errMap["name"].(string)
	msg, _ = errMap["message"].(string)
	info, _ = errMap["info"].(map[string]interface{})
	ctx, _ = errMap["context"].(map[string]interface{})
	aseErrors = errMap["ase_errors"]
	return
}

// Values returns Data.D as an ordered slice of payload items, for DATA and
// END messages whose d is an array. An absent/nil d is treated as empty.
func (m Message) Values() []interface{} {
	if m.Data.D == nil {
		return nil
	}
	if values, ok := m.Data.D.([]interface{}); ok {
		return values
	}
	return nil
}
