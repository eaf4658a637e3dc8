// Implements append, update, list and remove as read-modify-write cycles.

package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/maruel/marketbff/internal/blobstore"
	"github.com/maruel/marketbff/internal/metrics"
)

// ErrRecordNotFound is returned when no record has the requested id.
var ErrRecordNotFound = errors.New("record not found")

// Options tunes the repository.
type Options struct {
	// DataDir is the document path prefix, "data" by default.
	DataDir string
	// MaxAttempts bounds the read-modify-write cycles of one operation.
	MaxAttempts uint
	// InitialInterval and MaxInterval bound the jittered exponential wait
	// between attempts.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions returns settings sized for dozens of writes per minute.
func DefaultOptions() Options {
	return Options{
		DataDir:         "data",
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Repository performs record operations on named collections.
//
// Nothing is cached: every operation re-reads its document. Writes that lose
// a race against another writer are redone from the read, up to MaxAttempts
// times. A write that fails for any other reason, timeouts included, is not
// retried because its outcome is unknown.
type Repository struct {
	store *blobstore.Client
	opts  Options
}

// New returns a repository storing documents through store.
func New(store *blobstore.Client, opts Options) *Repository {
	def := DefaultOptions()
	if opts.DataDir == "" {
		opts.DataDir = def.DataDir
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	return &Repository{store: store, opts: opts}
}

// Path returns the document path of a collection.
func (r *Repository) Path(c Collection) string {
	return path.Join(r.opts.DataDir, c.Name+".json")
}

// Append adds a record built from c.Defaults, then fields, then a fresh id and
// timestamp. The returned record is what was committed.
func (r *Repository) Append(ctx context.Context, c Collection, fields Fields) (*Record, error) {
	rec := &Record{ID: NewID(c.Prefix), Fields: make(Fields, len(c.Defaults)+len(fields))}
	for k, v := range c.Defaults {
		rec.Fields[k] = v
	}
	for k, v := range fields {
		if k == "id" || k == "timestamp" {
			continue
		}
		rec.Fields[k] = v
	}
	err := r.mutate(ctx, c.Name, r.Path(c), func(recs []*Record) ([]*Record, string, error) {
		rec.Timestamp = Now()
		return append(recs, rec), fmt.Sprintf("Add %s %s", c.Label, rec.ID), nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Appended record", "collection", c.Name, "id", rec.ID)
	return rec, nil
}

// FindAndUpdate sets the fields present in patch on the record with the given
// id. id and timestamp cannot be patched.
func (r *Repository) FindAndUpdate(ctx context.Context, c Collection, id string, patch Fields) (*Record, error) {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		if k != "id" && k != "timestamp" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var updated *Record
	err := r.mutate(ctx, c.Name, r.Path(c), func(recs []*Record) ([]*Record, string, error) {
		i := slices.IndexFunc(recs, func(rec *Record) bool { return rec.ID == id })
		if i < 0 {
			return nil, "", fmt.Errorf("%s %s: %w", c.Label, id, ErrRecordNotFound)
		}
		rec := recs[i].Clone()
		if rec.Fields == nil {
			rec.Fields = Fields{}
		}
		for _, k := range keys {
			rec.Fields[k] = patch[k]
		}
		recs[i] = rec
		updated = rec
		return recs, fmt.Sprintf("Update %s %s: %s", c.Label, id, strings.Join(keys, ", ")), nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Updated record", "collection", c.Name, "id", id, "fields", keys)
	return updated, nil
}

// List returns the records of c in insertion order, keeping those for which
// keep returns true. keep may be nil.
func (r *Repository) List(ctx context.Context, c Collection, keep func(*Record) bool) ([]*Record, error) {
	recs, _, err := r.read(ctx, r.Path(c))
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return recs, nil
	}
	out := recs[:0]
	for _, rec := range recs {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Remove deletes the record with the given id.
func (r *Repository) Remove(ctx context.Context, c Collection, id string) (bool, error) {
	err := r.mutate(ctx, c.Name, r.Path(c), func(recs []*Record) ([]*Record, string, error) {
		n := len(recs)
		recs = slices.DeleteFunc(recs, func(rec *Record) bool { return rec.ID == id })
		if len(recs) == n {
			return nil, "", fmt.Errorf("%s %s: %w", c.Label, id, ErrRecordNotFound)
		}
		return recs, fmt.Sprintf("Remove %s %s", c.Label, id), nil
	})
	if err != nil {
		return false, err
	}
	slog.InfoContext(ctx, "Removed record", "collection", c.Name, "id", id)
	return true, nil
}

// Backup copies the current content of c to a dated document under
// <data dir>/backups. A second backup on the same day replaces the first.
func (r *Repository) Backup(ctx context.Context, c Collection, day time.Time) (string, int, error) {
	recs, _, err := r.read(ctx, r.Path(c))
	if err != nil {
		return "", 0, err
	}
	date := day.UTC().Format(time.DateOnly)
	dst := path.Join(r.opts.DataDir, "backups", c.Name+"-"+date+".json")
	err = r.mutate(ctx, c.Name, dst, func([]*Record) ([]*Record, string, error) {
		return recs, fmt.Sprintf("Backup %s %s (%d records)", c.Name, date, len(recs)), nil
	})
	if err != nil {
		return "", 0, err
	}
	slog.InfoContext(ctx, "Backed up collection", "collection", c.Name, "path", dst, "records", len(recs))
	return dst, len(recs), nil
}

// History returns the version history of the collection document.
func (r *Repository) History(ctx context.Context, c Collection, n int) ([]blobstore.Commit, error) {
	return r.store.History(ctx, r.Path(c), n)
}

func (r *Repository) read(ctx context.Context, p string) ([]*Record, string, error) {
	snap, err := r.store.Read(ctx, p)
	if err != nil {
		return nil, "", err
	}
	recs := make([]*Record, len(snap.Records))
	for i, raw := range snap.Records {
		rec := &Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, "", fmt.Errorf("%s: record %d: %w", p, i, err)
		}
		recs[i] = rec
	}
	return recs, snap.Token, nil
}

// mutate runs read, fn, conditional write until the write is accepted, fn
// fails, or the attempts are exhausted. Only conflicts are retried.
func (r *Repository) mutate(ctx context.Context, name, p string, fn func([]*Record) ([]*Record, string, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.ConflictRetry(name)
			slog.WarnContext(ctx, "Document changed while writing, retrying", "path", p, "attempt", attempt)
		}
		recs, token, err := r.read(ctx, p)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		next, msg, err := fn(recs)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		raws := make([]json.RawMessage, len(next))
		for i, rec := range next {
			if raws[i], err = json.Marshal(rec); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("%s: encode %s: %w", p, rec.ID, err))
			}
		}
		if _, err := r.store.Write(ctx, p, raws, token, msg); err != nil {
			if errors.Is(err, blobstore.ErrConflict) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.opts.MaxAttempts))
	if err != nil && errors.Is(err, blobstore.ErrConflict) {
		return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
	}
	return err
}
