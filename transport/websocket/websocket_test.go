package websocket

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func connect(t *testing.T, d *Driver) <-chan bool {
	t.Helper()
	ch := make(chan bool, 1)
	d.Connect(func(ok bool) { ch <- ok })
	return ch
}

func wait(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
		return false
	}
}

// dialPair connects a dialer to a server driver through an in-process
// HTTP test server.
func dialPair(t *testing.T) (*Driver, *Driver) {
	t.Helper()
	server := NewServer(nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	accepted := connect(t, server)
	client := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if !wait(t, connect(t, client)) {
		t.Fatal("client dial failed")
	}
	if !wait(t, accepted) {
		t.Fatal("server accept failed")
	}
	return server, client
}

func TestWebSocketSendAndReceive(t *testing.T) {
	server, client := dialPair(t)
	defer client.Disconnect(func(bool) {})
	defer server.Disconnect(func(bool) {})

	if _, err := client.Send([]byte("hello over websocket")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	buf := make([]byte, len("hello over websocket"))
	if _, err := io.ReadFull(readerFunc(server.Receive), buf); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(buf) != "hello over websocket" {
		t.Errorf("unexpected payload %q", buf)
	}
}

func TestWebSocketCleanCloseIsEOF(t *testing.T) {
	server, client := dialPair(t)
	defer server.Disconnect(func(bool) {})

	client.Disconnect(func(bool) {})

	done := make(chan error, 1)
	go func() {
		_, err := server.Receive(make([]byte, 1))
		done <- err
	}()
	select {
	case err := <-done:
		if err != io.EOF {
			t.Errorf("expected io.EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/", nil)
	if wait(t, connect(t, d)) {
		t.Error("expected dial to fail")
	}
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
