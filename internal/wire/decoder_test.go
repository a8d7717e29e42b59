// file: internal/wire/decoder_test.go
package wire

import (
	"reflect"
	"testing"

	"github.com/fastproto/fastrpc/internal/message"
)

func buildMessage(msgid uint32, status message.Status, d interface{}) message.Message {
	return message.Message{
		Msgid:  msgid,
		Status: status,
		Data: message.Data{
			M: message.Meta{Name: "testmethod"},
			D: d,
		},
	}
}

func TestRoundTrip(t *testing.T) {
	enc := NewEncoder(CRCOldNew)
	msg := buildMessage(42, message.StatusData, []interface{}{"hello", "world"})

	frame, err := enc.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(CRCOldNew, 0)
	out, err := dec.Feed(frame)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if out[0].Msgid != msg.Msgid || out[0].Status != msg.Status {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", out[0], msg)
	}
	if !reflect.DeepEqual(out[0].Data.M, msg.Data.M) {
		t.Fatalf("meta mismatch: got %+v, want %+v", out[0].Data.M, msg.Data.M)
	}
}

func TestChunkedDecodeIsChunkingInvariant(t *testing.T) {
	enc := NewEncoder(CRCOld)
	var frames []byte
	var want []message.Message
	for i := uint32(1); i <= 5; i++ {
		msg := buildMessage(i, message.StatusData, []interface{}{"a", "b", "c"})
		f, err := enc.Encode(msg)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		frames = append(frames, f...)
		want = append(want, msg)
	}

	for boundary := 1; boundary < len(frames); boundary++ {
		dec := NewDecoder(CRCOld, 0)
		var got []message.Message
		for _, chunk := range [][]byte{frames[:boundary], frames[boundary:]} {
			msgs, err := dec.Feed(chunk)
			if err != nil {
				t.Fatalf("boundary %d: Feed: %v", boundary, err)
			}
			got = append(got, msgs...)
		}
		if len(got) != len(want) {
			t.Fatalf("boundary %d: got %d messages, want %d", boundary, len(got), len(want))
		}
		for i := range want {
			if got[i].Msgid != want[i].Msgid || got[i].Status != want[i].Status {
				t.Fatalf("boundary %d message %d mismatch: got %+v, want %+v", boundary, i, got[i], want[i])
			}
		}
	}
}

func TestDecoderRejectsBadVersion(t *testing.T) {
	enc := NewEncoder(CRCOld)
	frame, err := enc.Encode(buildMessage(1, message.StatusData, []interface{}{}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame[versionOffset] = 0x9

	dec := NewDecoder(CRCOld, 0)
	if _, err := dec.Feed(frame); err == nil {
		t.Fatal("expected BadVersion error")
	}
}

func TestDecoderRejectsChecksumMismatch(t *testing.T) {
	enc := NewEncoder(CRCOld)
	frame, err := enc.Encode(buildMessage(1, message.StatusData, []interface{}{"x"}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame[crcOffset+3] ^= 0xFF

	dec := NewDecoder(CRCOld, 0)
	if _, err := dec.Feed(frame); err == nil {
		t.Fatal("expected ChecksumMismatch error")
	}
}

func TestDecoderRejectsOversizedDatalen(t *testing.T) {
	dec := NewDecoder(CRCOldNew, 4)
	enc := NewEncoder(CRCOldNew)
	frame, err := enc.Encode(buildMessage(1, message.StatusData, []interface{}{"too long for four bytes"}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := dec.Feed(frame); err == nil {
		t.Fatal("expected DataTooLong error")
	}
}

func TestDecoderIncompleteAtEOS(t *testing.T) {
	enc := NewEncoder(CRCOld)
	frame, err := enc.Encode(buildMessage(1, message.StatusData, []interface{}{"x"}))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := NewDecoder(CRCOld, 0)
	if _, err := dec.Feed(frame[:len(frame)-1]); err != nil {
		t.Fatalf("unexpected Feed error: %v", err)
	}
	if err := dec.Close(); err == nil {
		t.Fatal("expected IncompleteMessage error on Close")
	}
}

func TestDecoderCleanEOS(t *testing.T) {
	dec := NewDecoder(CRCOldNew, 0)
	if err := dec.Close(); err != nil {
		t.Fatalf("clean EOS should not fail: %v", err)
	}
}

func TestDecoderStaysFailed(t *testing.T) {
	dec := NewDecoder(CRCOld, 0)
	bad := make([]byte, HeaderLen)
	bad[versionOffset] = 0x9
	if _, err := dec.Feed(bad); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := dec.Feed([]byte("more")); err == nil {
		t.Fatal("decoder should stay failed and keep returning the first error")
	}
}
