// Package blobstore reads and writes JSON record collections stored as one
// versioned document per collection.
//
// Every write is conditioned on the integrity token returned by the previous
// read, so two writers racing on the same document cannot silently overwrite
// each other: the loser gets a ConflictError and must re-read.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // G505: git object ids are SHA-1, not used for security
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/maruel/marketbff/internal/metrics"
)

var (
	// ErrNotFound is returned when the document does not exist yet.
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when the integrity token no longer matches.
	ErrConflict = errors.New("document changed concurrently")
	// ErrUnavailable is returned when the store could not be reached or
	// answered with something other than the document or a clean "not found".
	ErrUnavailable = errors.New("store unavailable")
)

// ConflictError describes a rejected conditional write.
type ConflictError struct {
	Path     string
	Expected string // Token supplied by the writer; empty means "create".
	Current  string // Token currently stored, when the backend knows it.
}

func (e *ConflictError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("%s: document already exists", e.Path)
	}
	return fmt.Sprintf("%s: token %s is stale", e.Path, short(e.Expected))
}

// Is makes errors.Is(err, ErrConflict) work.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// UnavailableError wraps a failure to determine the document state.
type UnavailableError struct {
	Op     string
	Path   string
	Status int // HTTP status when the backend is remote, 0 otherwise.
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Is makes errors.Is(err, ErrUnavailable) work.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Backend is a versioned document store.
//
// Get returns ErrNotFound only when the store positively reports the document
// as absent. Put with an empty token creates the document and fails with a
// ConflictError if it already exists; with a token it replaces the document
// only if the stored version still matches.
type Backend interface {
	Name() string
	Get(ctx context.Context, path string) (content []byte, token string, err error)
	Put(ctx context.Context, path string, content []byte, token, message string) (newToken string, err error)
}

// Historian is implemented by backends that keep an inspectable version
// history of each document.
type Historian interface {
	History(ctx context.Context, path string, n int) ([]Commit, error)
}

// Checker is implemented by backends that can verify their configuration
// before serving traffic.
type Checker interface {
	Check(ctx context.Context) error
}

// Commit is one entry of a document's version history.
type Commit struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author,omitempty"`
	Email   string    `json:"email,omitempty"`
	Date    time.Time `json:"date"`
}

// Snapshot is the decoded content of a collection document.
type Snapshot struct {
	Records []json.RawMessage
	// Token is empty when the document does not exist yet.
	Token string
}

// Client reads and writes JSON array documents through a Backend.
type Client struct {
	backend Backend
	timeout time.Duration
}

// NewClient returns a client. timeout bounds each remote call; 0 disables it.
func NewClient(backend Backend, timeout time.Duration) *Client {
	return &Client{backend: backend, timeout: timeout}
}

// Backend returns the underlying backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// Read fetches the document at path.
//
// A missing document is the bootstrap case and yields an empty snapshot with
// no token. Any other failure is returned; it is never mistaken for an empty
// collection.
func (c *Client) Read(ctx context.Context, path string) (*Snapshot, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	content, token, err := c.backend.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		metrics.ObserveStoreOp(c.backend.Name(), "read", "not_found", time.Since(start))
		slog.DebugContext(ctx, "Document not found, starting empty", "path", path)
		return &Snapshot{Records: []json.RawMessage{}}, nil
	}
	if err != nil {
		metrics.ObserveStoreOp(c.backend.Name(), "read", "error", time.Since(start))
		return nil, classify("read", path, err)
	}
	metrics.ObserveStoreOp(c.backend.Name(), "read", "ok", time.Since(start))
	records, err := decodeArray(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &Snapshot{Records: records, Token: token}, nil
}

// Write replaces the document at path with records, conditioned on token.
// It returns the token of the committed version.
func (c *Client) Write(ctx context.Context, path string, records []json.RawMessage, token, message string) (string, error) {
	content, err := EncodeArray(records)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", path, err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	newToken, err := c.backend.Put(ctx, path, content, token, message)
	switch {
	case err == nil:
		metrics.ObserveStoreOp(c.backend.Name(), "write", "ok", time.Since(start))
		slog.DebugContext(ctx, "Committed document", "path", path, "token", short(newToken), "records", len(records))
		return newToken, nil
	case errors.Is(err, ErrConflict):
		metrics.ObserveStoreOp(c.backend.Name(), "write", "conflict", time.Since(start))
		return "", err
	default:
		metrics.ObserveStoreOp(c.backend.Name(), "write", "error", time.Since(start))
		return "", classify("write", path, err)
	}
}

// History returns up to n versions of the document, newest first. n is
// capped at 1000; n <= 0 means 100.
// It returns errors.ErrUnsupported when the backend keeps no history.
func (c *Client) History(ctx context.Context, path string, n int) ([]Commit, error) {
	if n <= 0 {
		n = 100
	}
	n = min(n, 1000)
	h, ok := c.backend.(Historian)
	if !ok {
		return nil, errors.ErrUnsupported
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	commits, err := h.History(ctx, path, n)
	if err != nil {
		return nil, classify("history", path, err)
	}
	return commits, nil
}

// Check verifies the backend is reachable when it supports it.
func (c *Client) Check(ctx context.Context) error {
	ch, ok := c.backend.(Checker)
	if !ok {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return ch.Check(ctx)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify wraps anything that is not already a typed store error as
// unavailable. A deadline is unavailable too: the outcome of a write that timed
// out is unknown and must not be retried blindly.
func classify(op, path string, err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &UnavailableError{Op: op, Path: path, Err: err}
}

// EncodeArray renders records as a pretty-printed JSON array with a trailing
// newline.
func EncodeArray(records []json.RawMessage) ([]byte, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeArray(content []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return []json.RawMessage{}, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(content, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	return records, nil
}

// ContentToken returns the git blob id of content. Backends without a native
// version id use it so that tokens look the same across backends.
func ContentToken(content []byte) string {
	h := sha1.New() //nolint:gosec // G401: see import
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

func short(token string) string {
	if len(token) > 12 {
		return token[:12]
	}
	return token
}
