// ABOUTME: Tests for transport implementations
// ABOUTME: Covers pipe ordering/closing and websocket round-trips
package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	msgs := []string{"one", "two", "three"}
	for _, m := range msgs {
		if err := a.Send([]byte(m)); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	for _, want := range msgs {
		got, err := b.Receive()
		if err != nil {
			t.Fatalf("receive failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestPipeCloseUnblocksBothSides(t *testing.T) {
	a, b := Pipe()

	errs := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		errs <- err
	}()

	a.Close()

	select {
	case err := <-errs:
		if err != ErrClosed {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}

	if err := a.Send([]byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed on send after close, got %v", err)
	}
}

func TestPipeCopiesFrames(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	buf := []byte("hello")
	if err := a.Send(buf); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	buf[0] = 'X' // mutation after send must not leak into the frame

	got, err := b.Receive()
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("frame aliased sender buffer: %q", got)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(http.StripPrefix("", Handler(func(ws *WebSocket) {
		accepted <- ws
	})))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	client, err := Dial(addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	var server *WebSocket
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	defer server.Close()

	if err := client.Send([]byte(`{"type":"disconnect"}`)); err != nil {
		t.Fatalf("client send failed: %v", err)
	}
	got, err := server.Receive()
	if err != nil {
		t.Fatalf("server receive failed: %v", err)
	}
	if string(got) != `{"type":"disconnect"}` {
		t.Errorf("unexpected frame: %q", got)
	}

	if err := server.Send([]byte("reply")); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	got, err = client.Receive()
	if err != nil {
		t.Fatalf("client receive failed: %v", err)
	}
	if string(got) != "reply" {
		t.Errorf("unexpected frame: %q", got)
	}
}
