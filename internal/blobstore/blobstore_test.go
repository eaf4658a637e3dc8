package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestClientBootstrap(t *testing.T) {
	t.Parallel()
	c := NewClient(NewMemory(), time.Second)
	snap, err := c.Read(t.Context(), "data/chats.json")
	if err != nil {
		t.Fatalf("Read() of a missing document failed: %v", err)
	}
	if len(snap.Records) != 0 {
		t.Errorf("expected no records, got %d", len(snap.Records))
	}
	if snap.Token != "" {
		t.Errorf("expected no token, got %q", snap.Token)
	}
}

func TestClientRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	mem := NewMemory()
	c := NewClient(mem, time.Second)

	records := []json.RawMessage{raw(t, map[string]any{"id": "CHAT-AAAAAA", "n": 1})}
	token, err := c.Write(ctx, "data/chats.json", records, "", "create chats")
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}

	snap, err := c.Read(ctx, "data/chats.json")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Token != token {
		t.Errorf("token mismatch: read %q, wrote %q", snap.Token, token)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snap.Records))
	}
	var got map[string]any
	if err := json.Unmarshal(snap.Records[0], &got); err != nil {
		t.Fatal(err)
	}
	if got["id"] != "CHAT-AAAAAA" {
		t.Errorf("unexpected record: %v", got)
	}

	// Stored documents are pretty-printed arrays.
	content, _, err := mem.Get(ctx, "data/chats.json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), "[\n  {\n    \"id\"") || !strings.HasSuffix(string(content), "]\n") {
		t.Errorf("unexpected encoding:\n%s", content)
	}
}

func TestClientConflict(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	c := NewClient(NewMemory(), time.Second)
	path := "data/signups.json"

	if _, err := c.Write(ctx, path, nil, "", "create"); err != nil {
		t.Fatal(err)
	}
	snap, err := c.Read(ctx, path)
	if err != nil {
		t.Fatal(err)
	}

	// Two writers holding the same token: the first wins, the second is rejected.
	if _, err := c.Write(ctx, path, []json.RawMessage{raw(t, map[string]string{"id": "a"})}, snap.Token, "first"); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	_, err = c.Write(ctx, path, []json.RawMessage{raw(t, map[string]string{"id": "b"})}, snap.Token, "second")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Expected != snap.Token {
		t.Errorf("expected ConflictError with stale token, got %#v", err)
	}

	// Creating an existing document is a conflict too.
	if _, err := c.Write(ctx, path, nil, "", "recreate"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on create, got %v", err)
	}
	// So is updating a document that does not exist.
	if _, err := c.Write(ctx, "data/none.json", nil, "deadbeef", "update"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on missing document, got %v", err)
	}
}

func TestClientUnavailable(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	mem.Fail = func(string, string) error { return errors.New("connection reset") }
	c := NewClient(mem, time.Second)

	_, err := c.Read(t.Context(), "data/workers.json")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	_, err = c.Write(t.Context(), "data/workers.json", nil, "", "x")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()
	mem := NewMemory()
	mem.Fail = func(string, string) error { return context.DeadlineExceeded }
	c := NewClient(mem, time.Millisecond)
	_, err := c.Read(t.Context(), "data/calls.json")
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected unavailable deadline error, got %v", err)
	}
}

func TestClientCorruptDocument(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	mem := NewMemory()
	if _, err := mem.Put(ctx, "data/leads.json", []byte("{not json"), "", "bad"); err != nil {
		t.Fatal(err)
	}
	c := NewClient(mem, time.Second)
	if _, err := c.Read(ctx, "data/leads.json"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestClientHistory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	c := NewClient(NewMemory(), time.Second)
	token, err := c.Write(ctx, "data/workers.json", nil, "", "one")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write(ctx, "data/workers.json", []json.RawMessage{raw(t, 1)}, token, "two"); err != nil {
		t.Fatal(err)
	}
	h, err := c.History(ctx, "data/workers.json", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 2 || h[0].Message != "two" || h[1].Message != "one" {
		t.Errorf("unexpected history: %+v", h)
	}
}

func TestClientHistoryUnsupported(t *testing.T) {
	t.Parallel()
	// A Backend without the Historian method set.
	var b Backend = struct{ Backend }{NewMemory()}
	c := NewClient(b, 0)
	if _, err := c.History(t.Context(), "data/x.json", 10); !errors.Is(err, errors.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestContentToken(t *testing.T) {
	t.Parallel()
	// Same id git computes for an empty blob.
	if got := ContentToken(nil); got != "e69de29bb2d1d6434b8b29ae775ad8c2e48c5391" {
		t.Errorf("unexpected empty blob id: %s", got)
	}
	if ContentToken([]byte("a")) == ContentToken([]byte("b")) {
		t.Error("distinct content must give distinct tokens")
	}
}
