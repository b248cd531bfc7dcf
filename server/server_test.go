package server

import (
	"net"
	"testing"
	"time"

	"github.com/pascaldekloe/respkv/command"
	"github.com/pascaldekloe/respkv/resp"
)

// testClient is a minimal RESP round-tripper used to drive a
// Supervisor from the outside, matching how cmd/respkv-cli talks to a
// server.
type testClient struct {
	nc net.Conn
	r  *resp.Reader
	w  *resp.Writer
}

func dialTest(t *testing.T, s *Supervisor) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial got error %q", err)
	}
	t.Cleanup(func() { nc.Close() })
	return &testClient{nc: nc, r: resp.NewReader(nc), w: resp.NewWriter(nc)}
}

func (c *testClient) do(t *testing.T, cmd command.Command) resp.Frame {
	t.Helper()
	if err := c.w.WriteFrame(command.Encode(cmd)); err != nil {
		t.Fatalf("write got error %q", err)
	}
	f, err := c.r.ReadFrame()
	if err != nil {
		t.Fatalf("read got error %q", err)
	}
	return f
}

func startTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New(Config{Addr: "127.0.0.1:0", DrainTimeout: 2 * time.Second})
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	// wait for the listener to bind
	deadline := time.Now().Add(time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not bind in time")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		s.Shutdown()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Fatal("ListenAndServe did not return after Shutdown")
		}
	})
	return s
}

func TestBasicGetSet(t *testing.T) {
	s := startTestSupervisor(t)
	c := dialTest(t, s)

	reply := c.do(t, command.Command{Kind: command.KindSet, Key: []byte("foo"), Value: []byte("123")})
	if reply.Kind != resp.KindSimple || reply.Str != "OK" {
		t.Errorf("SET reply = %v, want +OK", reply)
	}

	reply = c.do(t, command.Command{Kind: command.KindGet, Key: []byte("foo")})
	if reply.Kind != resp.KindBulk || string(reply.Bulk) != "123" {
		t.Errorf("GET foo = %v, want bulk 123", reply)
	}

	reply = c.do(t, command.Command{Kind: command.KindGet, Key: []byte("missing")})
	if reply.Kind != resp.KindNull {
		t.Errorf("GET missing = %v, want null", reply)
	}
}

func TestPing(t *testing.T) {
	s := startTestSupervisor(t)
	c := dialTest(t, s)

	reply := c.do(t, command.Command{Kind: command.KindPing})
	if reply.Kind != resp.KindSimple || reply.Str != "PONG" {
		t.Errorf("PING = %v, want +PONG", reply)
	}

	reply = c.do(t, command.Command{Kind: command.KindPing, Message: []byte("hi")})
	if reply.Kind != resp.KindBulk || string(reply.Bulk) != "hi" {
		t.Errorf("PING hi = %v, want bulk hi", reply)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := startTestSupervisor(t)
	c := dialTest(t, s)

	c.do(t, command.Command{Kind: command.KindSet, Key: []byte("foo"), Value: []byte("123"), Expire: 200 * time.Millisecond})

	time.Sleep(50 * time.Millisecond)
	reply := c.do(t, command.Command{Kind: command.KindGet, Key: []byte("foo")})
	if reply.Kind != resp.KindBulk || string(reply.Bulk) != "123" {
		t.Errorf("GET before expiry = %v, want bulk 123", reply)
	}

	time.Sleep(300 * time.Millisecond)
	reply = c.do(t, command.Command{Kind: command.KindGet, Key: []byte("foo")})
	if reply.Kind != resp.KindNull {
		t.Errorf("GET after expiry = %v, want null", reply)
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	s := startTestSupervisor(t)
	c := dialTest(t, s)

	reply := c.do(t, command.Command{Kind: command.KindPublish, Channel: []byte("ch1"), Value: []byte("hi")})
	if reply.Kind != resp.KindInt || reply.Int != 0 {
		t.Errorf("PUBLISH with no subscribers = %v, want integer 0", reply)
	}
}

func TestPubSubFanOut(t *testing.T) {
	s := startTestSupervisor(t)

	const n = 3
	subs := make([]*testClient, n)
	for i := range subs {
		subs[i] = dialTest(t, s)
		reply := subs[i].do(t, command.Command{Kind: command.KindSubscribe, Channels: [][]byte{[]byte("ch1")}})
		if reply.Kind != resp.KindArray || len(reply.Array) != 3 {
			t.Fatalf("SUBSCRIBE reply = %v", reply)
		}
	}

	pub := dialTest(t, s)
	reply := pub.do(t, command.Command{Kind: command.KindPublish, Channel: []byte("ch1"), Value: []byte("hello")})
	if reply.Kind != resp.KindInt || reply.Int != n {
		t.Fatalf("PUBLISH = %v, want integer %d", reply, n)
	}

	for i, c := range subs {
		f, err := c.r.ReadFrame()
		if err != nil {
			t.Fatalf("subscriber %d read got error %q", i, err)
		}
		if f.Kind != resp.KindArray || len(f.Array) != 3 ||
			string(f.Array[0].Bulk) != "message" || string(f.Array[1].Bulk) != "ch1" || string(f.Array[2].Bulk) != "hello" {
			t.Errorf("subscriber %d delivery = %v", i, f)
		}
	}
}

func TestSubscriptionModeRestriction(t *testing.T) {
	s := startTestSupervisor(t)
	c := dialTest(t, s)

	c.do(t, command.Command{Kind: command.KindSubscribe, Channels: [][]byte{[]byte("ch1")}})

	reply := c.do(t, command.Command{Kind: command.KindGet, Key: []byte("foo")})
	if reply.Kind != resp.KindError {
		t.Errorf("GET while subscribed = %v, want an error frame", reply)
	}
}

func TestUnknownCommand(t *testing.T) {
	s := startTestSupervisor(t)
	c := dialTest(t, s)

	if err := c.w.WriteFrame(resp.ArrayOfBulk("FROBNICATE")); err != nil {
		t.Fatalf("write got error %q", err)
	}
	reply, err := c.r.ReadFrame()
	if err != nil {
		t.Fatalf("read got error %q", err)
	}
	if reply.Kind != resp.KindError {
		t.Errorf("FROBNICATE reply = %v, want an error frame", reply)
	}
}

func TestConnResetReachesErrs(t *testing.T) {
	s := startTestSupervisor(t)

	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial got error %q", err)
	}
	// A bulk header promising 5 bytes, followed by only 2 and an abrupt
	// close, forces a mid-frame EOF on the server's read side.
	if _, err := nc.Write([]byte("$5\r\nhi")); err != nil {
		t.Fatalf("write got error %q", err)
	}
	nc.Close()

	select {
	case err := <-s.Errs:
		if err == nil {
			t.Fatal("got nil error on Errs")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error observed on Errs after abrupt disconnect")
	}
}

func TestGracefulShutdownClosesConnections(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", DrainTimeout: 2 * time.Second})
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	deadline := time.Now().Add(time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not bind in time")
		}
		time.Sleep(time.Millisecond)
	}

	const n = 4
	conns := make([]net.Conn, n)
	for i := range conns {
		nc, err := net.Dial("tcp", s.Addr().String())
		if err != nil {
			t.Fatalf("dial %d got error %q", i, err)
		}
		conns[i] = nc
	}

	s.Shutdown()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return after Shutdown")
	}

	for i, nc := range conns {
		nc.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		if _, err := nc.Read(buf); err == nil {
			t.Errorf("connection %d still readable after shutdown", i)
		}
		nc.Close()
	}
}
