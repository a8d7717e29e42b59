// file: internal/wire/decoder.go
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fastproto/fastrpc/internal/ferrors"
	"github.com/fastproto/fastrpc/internal/message"
)

// decoderState names the Decoder's position in the header/payload
// accumulation cycle, mirroring the explicit state machine spec.md §4.1
// describes. Grounded on the accumulate-until-complete style of
// golang-tools/internal/jsonrpc2_v2/frame.go's headerReader, generalized
// from a textual header to this protocol's fixed 15-byte binary one.
type decoderState int

const (
	stateReadHeader decoderState = iota
	stateReadPayload
	stateFailed
)

// Decoder is a stateful, chunk-boundary-agnostic frame decoder. Feed
// arbitrary byte slices to it in arrival order; it returns every message
// fully assembled so far. Once it fails, it stays failed — it emits no
// further messages, and every subsequent Feed call returns the first error
// again.
type Decoder struct {
	crcMode    CRCMode
	maxDataLen uint32

	state   decoderState
	buf     []byte // accumulator for the piece currently being read
	datalen uint32 // valid once state == stateReadPayload

	version    uint8
	status     message.Status
	msgid      uint32
	pendingCRC uint32

	failure error
}

// NewDecoder builds a Decoder that verifies CRCs under mode and rejects
// payloads over maxDataLen (0 selects DefaultMaxDataLen).
func NewDecoder(mode CRCMode, maxDataLen uint32) *Decoder {
	if maxDataLen == 0 {
		maxDataLen = DefaultMaxDataLen
	}
	return &Decoder{crcMode: mode, maxDataLen: maxDataLen, state: stateReadHeader}
}

// Feed appends chunk to the decoder's accumulator and returns every message
// that became complete as a result. It never emits a partially-built
// message (spec.md §8's quantified invariant).
func (d *Decoder) Feed(chunk []byte) ([]message.Message, error) {
	if d.state == stateFailed {
		return nil, d.failure
	}

	d.buf = append(d.buf, chunk...)
	var out []message.Message

	for {
		switch d.state {
		case stateReadHeader:
			if len(d.buf) < HeaderLen {
				return out, nil
			}
			if err := d.parseHeader(d.buf[:HeaderLen]); err != nil {
				return out, d.fail(err)
			}
			d.buf = d.buf[HeaderLen:]
			d.state = stateReadPayload

		case stateReadPayload:
			if uint32(len(d.buf)) < d.datalen {
				return out, nil
			}
			payload := d.buf[:d.datalen]
			d.buf = d.buf[d.datalen:]

			msg, err := d.parsePayload(payload)
			if err != nil {
				return out, d.fail(err)
			}
			out = append(out, msg)
			d.state = stateReadHeader

		default:
			return out, nil
		}
	}
}

// parseHeader validates the 15-byte header and records its fields, per
// spec.md §4.1's READ_HEADER transition.
func (d *Decoder) parseHeader(h []byte) error {
	version := h[versionOffset]
	if version != ProtocolVersion {
		return ferrors.NewProtocolError(ferrors.CodeBadVersion,
			fmt.Sprintf("fast protocol: unsupported frame version %d", version), nil)
	}
	typ := h[typeOffset]
	if typ != FrameTypeJSON {
		return ferrors.NewProtocolError(ferrors.CodeBadType,
			fmt.Sprintf("fast protocol: unsupported frame type %d", typ), nil)
	}
	status := message.Status(h[statusOffset])
	if !status.IsValid() {
		return ferrors.NewProtocolError(ferrors.CodeBadStatus,
			"fast protocol: unsupported fast message status", nil)
	}
	msgid := getUint32(h[msgidOffset:])
	if msgid > message.MsgidMax {
		return ferrors.NewProtocolError(ferrors.CodeBadMsgid,
			"fast protocol: msgid high bit must be clear", nil)
	}
	datalen := getUint32(h[datalenOffset:])
	if datalen > d.maxDataLen {
		return ferrors.NewProtocolError(ferrors.CodeDataTooLong,
			fmt.Sprintf("fast protocol: datalen %d exceeds max %d", datalen, d.maxDataLen), nil)
	}

	d.version = version
	d.status = status
	d.msgid = msgid
	d.datalen = datalen
	// crc is verified at parsePayload time; store it now since buf is about
	// to be sliced.
	d.pendingCRC = getUint32(h[crcOffset:])
	return nil
}

// parsePayload verifies the CRC, unmarshals JSON, and validates structural
// shape, per spec.md §4.1's READ_PAYLOAD transition.
func (d *Decoder) parsePayload(payload []byte) (message.Message, error) {
	if !verifyCRC(d.crcMode, payload, uint16(d.pendingCRC)) {
		return message.Message{}, ferrors.NewProtocolError(ferrors.CodeChecksumMismatch,
			"fast protocol: checksum mismatch", nil)
	}

	var data message.Data
	if err := json.Unmarshal(payload, &data); err != nil {
		return message.Message{}, ferrors.NewProtocolError(ferrors.CodeInvalidJSON,
			fmt.Sprintf("fast protocol: invalid JSON payload: %v", err), err)
	}

	msg := message.Message{Msgid: d.msgid, Status: d.status, Data: data}
	if err := msg.Validate(); err != nil {
		return message.Message{}, err
	}
	return msg, nil
}

// fail transitions the decoder to its terminal state and records err as the
// failure every subsequent Feed call will return.
func (d *Decoder) fail(err error) error {
	d.state = stateFailed
	d.failure = err
	d.buf = nil
	return err
}

// Close signals end-of-stream. A clean stream is one with no partially
// accumulated header or payload bytes; otherwise IncompleteMessage is
// reported per spec.md §4.1.
func (d *Decoder) Close() error {
	if d.state == stateFailed {
		return d.failure
	}
	if len(d.buf) > 0 || d.state == stateReadPayload {
		return d.fail(ferrors.NewProtocolError(ferrors.CodeIncompleteMessage,
			"fast protocol: incomplete message at end-of-stream", nil))
	}
	return nil
}
