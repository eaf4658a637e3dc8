// Package records implements per-collection record operations on top of the
// versioned blob store.
package records

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"maps"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// TimeFormat is the timestamp layout stored in records (ISO-8601, UTC,
// millisecond precision).
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Fields is an open set of record fields.
type Fields map[string]any

// Record is one JSON object of a collection. ID and Timestamp are assigned by
// the writer; every other field, known or not, is kept in Fields and survives
// a read-write cycle unchanged.
type Record struct {
	ID        string
	Timestamp string
	Fields    Fields
}

// Get returns the named field; "id" and "timestamp" are included.
func (r *Record) Get(key string) any {
	switch {
	case key == "id" && r.ID != "":
		return r.ID
	case key == "timestamp" && r.Timestamp != "":
		return r.Timestamp
	}
	return r.Fields[key]
}

// String returns the named field formatted as a string, "" when absent.
func (r *Record) String(key string) string {
	switch v := r.Get(key).(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Time parses the timestamp. An unparsable timestamp yields the zero time, so
// such records sort last when newest come first.
func (r *Record) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a deep enough copy for in-place patching.
func (r *Record) Clone() *Record {
	return &Record{ID: r.ID, Timestamp: r.Timestamp, Fields: maps.Clone(r.Fields)}
}

// MarshalJSON flattens the record into a single object.
func (r *Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+2)
	maps.Copy(m, r.Fields)
	if r.ID != "" {
		m["id"] = r.ID
	}
	if r.Timestamp != "" {
		m["timestamp"] = r.Timestamp
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits a JSON object into ID, Timestamp and Fields. Numbers are
// kept as json.Number so they are rewritten byte for byte.
func (r *Record) UnmarshalJSON(data []byte) error {
	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber()
	var m map[string]any
	if err := d.Decode(&m); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("record is not an object: %s", data)
	}
	// Values of another type stay in Fields so they are written back as is.
	if id, ok := m["id"].(string); ok {
		r.ID = id
		delete(m, "id")
	}
	if ts, ok := m["timestamp"].(string); ok {
		r.Timestamp = ts
		delete(m, "timestamp")
	}
	r.Fields = m
	return nil
}

// IDPattern matches identifiers produced by NewID.
var IDPattern = regexp.MustCompile(`^[A-Z]+-[A-Z0-9]{6}$`)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewID returns "<prefix>-" followed by six random base36 characters.
//
// Uniqueness is probabilistic only: 36^6 is about 2.2e9, so a collection of
// ten thousand records has a collision chance near 2% over its lifetime at
// worst. Existing ids are not checked.
func NewID(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 7)
	b.WriteString(prefix)
	b.WriteByte('-')
	n := big.NewInt(int64(len(idAlphabet)))
	for range 6 {
		i, err := rand.Int(rand.Reader, n)
		if err != nil {
			// crypto/rand never fails on supported platforms.
			panic(err)
		}
		b.WriteByte(idAlphabet[i.Int64()])
	}
	return b.String()
}

// Now returns the current time formatted for a record timestamp.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}
