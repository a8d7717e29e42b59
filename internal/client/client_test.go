// file: internal/client/client_test.go
package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fastproto/fastrpc/internal/message"
	"github.com/fastproto/fastrpc/internal/transport"
	"github.com/fastproto/fastrpc/internal/wire"
)

// fakeServer reads raw frames from its side of an in-memory stream pair and
// lets the test script encode/send arbitrary reply frames, standing in for
// internal/server in these client-only seed-scenario tests.
type fakeServer struct {
	t       *testing.T
	stream  transport.Stream
	encoder *wire.Encoder
	decoder *wire.Decoder
}

func newFakeServer(t *testing.T, stream transport.Stream) *fakeServer {
	return &fakeServer{
		t:       t,
		stream:  stream,
		encoder: wire.NewEncoder(wire.CRCOldNew),
		decoder: wire.NewDecoder(wire.CRCOldNew, 0),
	}
}

// recvRequest reads and decodes the next client DATA frame.
func (s *fakeServer) recvRequest(ctx context.Context) message.Message {
	for {
		chunk, err := s.stream.Read(ctx)
		if len(chunk) > 0 {
			msgs, decErr := s.decoder.Feed(chunk)
			if decErr != nil {
				s.t.Fatalf("server decode: %v", decErr)
			}
			if len(msgs) > 0 {
				return msgs[0]
			}
		}
		if err != nil {
			s.t.Fatalf("server read: %v", err)
		}
	}
}

func (s *fakeServer) send(ctx context.Context, msg message.Message) {
	frame, err := s.encoder.Encode(msg)
	if err != nil {
		s.t.Fatalf("server encode: %v", err)
	}
	if err := s.stream.Write(ctx, frame); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	pair := transport.NewInMemoryStreamPair()
	c := NewClient(nil, pair.ClientStream, wire.CRCOldNew, 0, 10)
	srv := newFakeServer(t, pair.ServerStream)
	return c, srv
}

// drain reads every event off a request until Done, returning the
// collected data values and the terminal error (nil on success).
func drain(t *testing.T, req *Request) ([]interface{}, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var values []interface{}
	for {
		ev, ok := req.Recv(ctx)
		if !ok {
			t.Fatal("timed out waiting for request event")
		}
		if ev.Done {
			return values, ev.Err
		}
		values = append(values, ev.Data)
	}
}

// Scenario 1: empty end.
func TestEmptyEnd(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", []interface{}{"val"}, 0)
	sent := srv.recvRequest(ctx)
	srv.send(ctx, message.Message{
		Msgid:  sent.Msgid,
		Status: message.StatusEnd,
		Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: []interface{}{}},
	})

	values, err := drain(t, req)
	if err != nil {
		t.Fatalf("expected clean end, got error: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("expected zero data events, got %v", values)
	}
}

// Scenario 2: five DATA frames with 0..4 items each, then END.
func TestFiveDataFramesThenEnd(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", nil, 0)
	sent := srv.recvRequest(ctx)

	want := []string{}
	for i := 0; i <= 4; i++ {
		items := []interface{}{}
		for j := 0; j < i; j++ {
			s := itoaPrefix(i, j)
			items = append(items, s)
			want = append(want, s)
		}
		srv.send(ctx, message.Message{
			Msgid:  sent.Msgid,
			Status: message.StatusData,
			Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: items},
		})
	}
	srv.send(ctx, message.Message{
		Msgid:  sent.Msgid,
		Status: message.StatusEnd,
		Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: []interface{}{}},
	})

	values, err := drain(t, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != len(want) {
		t.Fatalf("got %d values, want %d: %v", len(values), len(want), values)
	}
	for i, v := range values {
		if v.(string) != want[i] {
			t.Fatalf("value %d = %v, want %v", i, v, want[i])
		}
	}
}

func itoaPrefix(i, j int) string {
	digits := "0123456789"
	return "string " + string(digits[i]) + "_" + string(digits[j])
}

// Scenario 3: server error.
func TestServerError(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", nil, 0)
	sent := srv.recvRequest(ctx)

	srv.send(ctx, message.Message{
		Msgid:  sent.Msgid,
		Status: message.StatusError,
		Data: message.Data{
			M: message.Meta{Name: "testmethod"},
			D: map[string]interface{}{
				"name":    "DummyError",
				"message": "dummy error message",
				"info":    map[string]interface{}{"dummyProp": "dummyVal"},
			},
		},
	})

	_, err := drain(t, req)
	if err == nil {
		t.Fatal("expected an error")
	}
	wantMsg := "request failed: server error: dummy error message"
	if err.Error() != wantMsg {
		t.Fatalf("error message = %q, want %q", err.Error(), wantMsg)
	}
}

// Scenario 4: transport closed before any reply.
func TestTransportClosedBeforeReply(t *testing.T) {
	pair := transport.NewInMemoryStreamPair()
	c := NewClient(nil, pair.ClientStream, wire.CRCOldNew, 0, 10)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", nil, 0)
	// Drain the request that the fake server would otherwise have read, then
	// close the pair's channels to signal end-of-stream to the client.
	_, _ = pair.ServerStream.Read(ctx)
	pair.CloseChannels()

	_, err := drain(t, req)
	if err == nil {
		t.Fatal("expected a fatal protocol error")
	}
	wantMsg := "request failed: unexpected end of transport stream"
	if err.Error() != wantMsg {
		t.Fatalf("error message = %q, want %q", err.Error(), wantMsg)
	}
}

// Scenario 5: unknown msgid reply.
func TestUnknownMsgidReply(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", nil, 0)
	sent := srv.recvRequest(ctx)
	_ = sent

	srv.send(ctx, message.Message{
		Msgid:  47,
		Status: message.StatusEnd,
		Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: []interface{}{}},
	})

	_, err := drain(t, req)
	if err == nil {
		t.Fatal("expected a protocol error from the unknown-msgid fan-out")
	}
	wantMsg := "request failed: fast protocol: received message with unknown msgid 47"
	if err.Error() != wantMsg {
		t.Fatalf("error message = %q, want %q", err.Error(), wantMsg)
	}
}

// Scenario 6: 10,000 DATA frames followed by an END carrying "lastmessage".
func TestTenThousandDataFramesThenEnd(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", nil, 0)
	sent := srv.recvRequest(ctx)

	const n = 10000
	go func() {
		for i := 0; i < n; i++ {
			srv.send(ctx, message.Message{
				Msgid:  sent.Msgid,
				Status: message.StatusData,
				Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: []interface{}{fmt.Sprintf("string_%d", i)}},
			})
		}
		srv.send(ctx, message.Message{
			Msgid:  sent.Msgid,
			Status: message.StatusEnd,
			Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: []interface{}{"lastmessage"}},
		})
	}()

	values, err := drain(t, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != n+1 {
		t.Fatalf("got %d values, want %d", len(values), n+1)
	}
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("string_%d", i)
		if values[i].(string) != want {
			t.Fatalf("value %d = %v, want %v", i, values[i], want)
		}
	}
	if values[n].(string) != "lastmessage" {
		t.Fatalf("final value = %v, want %q", values[n], "lastmessage")
	}
}

// allocateMsgidLocked must never issue 0 and must wrap to 1 at MsgidMax,
// per spec.md §8's quantified invariants.
func TestMsgidWraparound(t *testing.T) {
	c, _ := newTestClient(t)

	c.mu.Lock()
	c.nextMsgid = message.MsgidMax - 2
	c.mu.Unlock()

	c.mu.Lock()
	first := c.allocateMsgidLocked()
	c.mu.Unlock()
	if first != message.MsgidMax-1 {
		t.Fatalf("msgid = %d, want %d", first, message.MsgidMax-1)
	}

	c.mu.Lock()
	second := c.allocateMsgidLocked()
	c.mu.Unlock()
	if second != 1 {
		t.Fatalf("msgid after wrap = %d, want 1", second)
	}
}

func TestMsgidNeverZero(t *testing.T) {
	c, _ := newTestClient(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < 1000000; i++ {
		if msgid := c.allocateMsgidLocked(); msgid == 0 {
			t.Fatalf("allocateMsgidLocked returned 0 after %d allocations", i)
		}
	}
}

// Scenario: local abort discards subsequent server frames until END.
func TestAbortDiscardsUntilEnd(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", nil, 0)
	sent := srv.recvRequest(ctx)
	req.Abort()

	_, err := drain(t, req)
	if err == nil {
		t.Fatal("expected RequestAbortedError")
	}

	srv.send(ctx, message.Message{
		Msgid:  sent.Msgid,
		Status: message.StatusData,
		Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: []interface{}{"ignored"}},
	})
	srv.send(ctx, message.Message{
		Msgid:  sent.Msgid,
		Status: message.StatusEnd,
		Data:   message.Data{M: message.Meta{Name: "testmethod"}, D: []interface{}{}},
	})

	// Give the read loop time to process the absorbed frames, then check
	// that the END removed the aborted-table entry.
	time.Sleep(50 * time.Millisecond)
	c.mu.Lock()
	_, stillAborted := c.aborted[sent.Msgid]
	c.mu.Unlock()
	if stillAborted {
		t.Fatal("aborted-table entry should be cleared once END arrives")
	}
}

func TestTimeout(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	req := c.RPC(ctx, "testmethod", nil, 20*time.Millisecond)
	_ = srv.recvRequest(ctx)

	_, err := drain(t, req)
	if err == nil {
		t.Fatal("expected TimeoutError")
	}
}
