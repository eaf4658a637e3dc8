// In-memory backend with the same conditional write semantics as the remote ones.

package blobstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is a Backend kept in process memory. It is used by tests and by the
// "memory" store setting for local frontend development.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]memDoc
	history map[string][]Commit
	// Fail, when set, is called before each operation; a non-nil return is
	// reported as the operation's error.
	Fail func(op, path string) error
}

type memDoc struct {
	content []byte
	token   string
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]memDoc),
		history: make(map[string][]Commit),
	}
}

// Name implements Backend.
func (m *Memory) Name() string { return "memory" }

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, path string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if m.Fail != nil {
		if err := m.Fail("get", path); err != nil {
			return nil, "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[path]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return slices.Clone(d.content), d.token, nil
}

// Put implements Backend.
func (m *Memory) Put(ctx context.Context, path string, content []byte, token, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Fail != nil {
		if err := m.Fail("put", path); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.docs[path]
	if exists != (token != "") || (exists && cur.token != token) {
		return "", &ConflictError{Path: path, Expected: token, Current: cur.token}
	}
	newToken := ContentToken(content)
	m.docs[path] = memDoc{content: slices.Clone(content), token: newToken}
	m.history[path] = append(m.history[path], Commit{
		Hash:    newToken,
		Message: message,
		Author:  "memory",
		Date:    time.Now().UTC(),
	})
	return newToken, nil
}

// History implements Historian.
func (m *Memory) History(_ context.Context, path string, n int) ([]Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[path]
	out := make([]Commit, 0, min(len(h), max(n, 0)))
	for i := len(h) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h[i])
	}
	return out, nil
}
