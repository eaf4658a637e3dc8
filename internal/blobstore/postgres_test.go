package blobstore

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

// openTestPostgres connects to MARKETBFF_TEST_DATABASE_URL, skipping the test
// when it is not set.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	u := os.Getenv("MARKETBFF_TEST_DATABASE_URL")
	if u == "" {
		t.Skip("MARKETBFF_TEST_DATABASE_URL not set")
	}
	p, err := OpenPostgres(t.Context(), u)
	if err != nil {
		t.Fatalf("OpenPostgres() failed: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestPostgres(t *testing.T) {
	p := openTestPostgres(t)
	ctx := t.Context()
	path := fmt.Sprintf("test/%d/chats.json", time.Now().UnixNano())

	if _, _, err := p.Get(ctx, path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() of a missing document = %v, want ErrNotFound", err)
	}
	v1, err := p.Put(ctx, path, []byte("[]\n"), "", "create")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Put(ctx, path, []byte("[1]\n"), "", "create again"); !errors.Is(err, ErrConflict) {
		t.Errorf("second create = %v, want ErrConflict", err)
	}
	v2, err := p.Put(ctx, path, []byte("[1]\n"), v1, "update")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Put(ctx, path, []byte("[2]\n"), v1, "stale"); !errors.Is(err, ErrConflict) {
		t.Errorf("stale update = %v, want ErrConflict", err)
	}
	content, token, err := p.Get(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "[1]\n" || token != v2 {
		t.Errorf("Get() = %q, %q; want %q, %q", content, token, "[1]\n", v2)
	}

	commits, err := p.History(ctx, path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(commits) != 2 || commits[0].Message != "update" || commits[1].Message != "create" {
		t.Errorf("History() = %+v", commits)
	}
}
