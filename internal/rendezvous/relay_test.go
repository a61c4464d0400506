// ABOUTME: Tests for the rendezvous relay store, handler and client
// ABOUTME: Covers validation, atomic drain, capping and TTL expiry
package rendezvous

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAppendAndDrain(t *testing.T) {
	s := NewStore(time.Minute)

	if err := s.Append("conv", "hello"); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append("conv", "world"); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	msgs, err := s.Drain("conv")
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0] != "hello" || msgs[1] != "world" {
		t.Errorf("unexpected messages: %v", msgs)
	}

	// Drain is destructive.
	msgs, err = s.Drain("conv")
	if err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty list after drain, got %v", msgs)
	}
}

func TestIDValidation(t *testing.T) {
	s := NewStore(time.Minute)

	if err := s.Append("", "x"); err == nil {
		t.Error("expected error for empty id")
	}
	// The id length check is exclusive: 64 characters is too long.
	long := strings.Repeat("a", 64)
	if err := s.Append(long, "x"); err == nil {
		t.Error("expected error for 64-char id")
	}
	if err := s.Append(strings.Repeat("a", 63), "x"); err != nil {
		t.Errorf("63-char id should be accepted: %v", err)
	}
}

func TestMessageSizeLimit(t *testing.T) {
	s := NewStore(time.Minute)

	if err := s.Append("conv", strings.Repeat("x", 1024)); err != nil {
		t.Errorf("1024-byte message should be accepted: %v", err)
	}
	if err := s.Append("conv", strings.Repeat("x", 1025)); err == nil {
		t.Error("expected error for 1025-byte message")
	}
}

func TestListIsCapped(t *testing.T) {
	s := NewStore(time.Minute)

	for i := 0; i < maxMessagesPerConversation+10; i++ {
		if err := s.Append("conv", "m"); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	msgs, _ := s.Drain("conv")
	if len(msgs) != maxMessagesPerConversation {
		t.Errorf("expected capped list of %d, got %d", maxMessagesPerConversation, len(msgs))
	}
}

func TestSweepExpiresUntouchedConversations(t *testing.T) {
	s := NewStore(time.Minute)
	s.Append("stale", "x")
	s.Append("fresh", "y")

	// Age only the stale conversation.
	s.mu.Lock()
	s.convs["stale"].touched = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	s.sweep(time.Now())

	s.mu.Lock()
	_, staleOK := s.convs["stale"]
	_, freshOK := s.convs["fresh"]
	s.mu.Unlock()

	if staleOK {
		t.Error("stale conversation survived the sweep")
	}
	if !freshOK {
		t.Error("fresh conversation was swept")
	}
}

func TestHandlerAndClientEndToEnd(t *testing.T) {
	s := NewStore(time.Minute)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	if err := c.Post(ctx, "boot", "offer:abc"); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if err := c.Post(ctx, "boot", "answer:def"); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	msgs, err := c.Fetch(ctx, "boot")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0] != "offer:abc" || msgs[1] != "answer:def" {
		t.Errorf("unexpected messages: %v", msgs)
	}

	msgs, err = c.Fetch(ctx, "boot")
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected drained conversation, got %v", msgs)
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	s := NewStore(time.Minute)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	if err := c.Post(ctx, strings.Repeat("a", 70), "x"); err == nil {
		t.Error("expected error for oversized conversation id")
	}
	if err := c.Post(ctx, "conv", strings.Repeat("x", 2000)); err == nil {
		t.Error("expected error for oversized message")
	}
}
