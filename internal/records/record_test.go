package records

import (
	"encoding/json"
	"sort"
	"testing"
)

func TestNewID(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for range 100 {
		id := NewID("CHAT")
		if !IDPattern.MatchString(id) {
			t.Fatalf("invalid id %q", id)
		}
		seen[id] = true
	}
	if len(seen) < 99 {
		t.Errorf("too many collisions: %d unique", len(seen))
	}
}

func TestRecordJSON(t *testing.T) {
	t.Parallel()
	var r Record
	if err := json.Unmarshal([]byte(`{"id":"CALL-ABC123","timestamp":"2024-05-01T10:00:00.000Z","duration":42,"extra":{"a":1}}`), &r); err != nil {
		t.Fatal(err)
	}
	if r.ID != "CALL-ABC123" || r.Timestamp != "2024-05-01T10:00:00.000Z" {
		t.Errorf("unexpected id/timestamp: %+v", r)
	}
	if _, ok := r.Fields["id"]; ok {
		t.Error("id must not be duplicated in Fields")
	}
	if n, ok := r.Fields["duration"].(json.Number); !ok || n.String() != "42" {
		t.Errorf("duration = %#v", r.Fields["duration"])
	}
	if r.Time().IsZero() {
		t.Error("timestamp not parsed")
	}
	data, err := json.Marshal(&r)
	if err != nil {
		t.Fatal(err)
	}
	const want = `{"duration":42,"extra":{"a":1},"id":"CALL-ABC123","timestamp":"2024-05-01T10:00:00.000Z"}`
	if string(data) != want {
		t.Errorf("got %s\nwant %s", data, want)
	}

	if err := json.Unmarshal([]byte(`[1]`), &r); err == nil {
		t.Error("expected error on array record")
	}
}

func TestClone(t *testing.T) {
	t.Parallel()
	r := &Record{ID: "X-000000", Fields: Fields{"status": "Pending"}}
	c := r.Clone()
	c.Fields["status"] = "Confirmed"
	if r.String("status") != "Pending" {
		t.Error("Clone() shares Fields")
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()
	for _, c := range All() {
		got, ok := Lookup(c.Name)
		if !ok || got.Prefix != c.Prefix {
			t.Errorf("Lookup(%q) = %v, %v", c.Name, got.Name, ok)
		}
		got, ok = ForID(NewID(c.Prefix))
		if !ok || got.Name != c.Name {
			t.Errorf("ForID(%s-...) = %v, %v", c.Prefix, got.Name, ok)
		}
	}
	if _, ok := Lookup("backups"); ok {
		t.Error("unexpected collection backups")
	}
	if _, ok := ForID("NOPE"); ok {
		t.Error("ForID without dash must fail")
	}
	if c, ok := ForID("chat-abc123"); !ok || c.Name != "chats" {
		t.Errorf("ForID is case insensitive on the prefix, got %v", c.Name)
	}
}

func TestFieldsOf(t *testing.T) {
	t.Parallel()
	f, err := FieldsOf(&Signup{Name: "Meera", Phone: "555-0111", Service: "Plumbing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(f) != 3 || f["name"] != "Meera" {
		t.Errorf("unexpected fields %v", f)
	}
}

func TestTimeUnparsable(t *testing.T) {
	t.Parallel()
	good := &Record{ID: "CALL-AAAAAA", Timestamp: "2024-05-01T10:00:00.000Z"}
	bad := &Record{ID: "CALL-BBBBBB", Timestamp: "yesterday"}
	if !bad.Time().IsZero() {
		t.Errorf("Time() = %v, want zero", bad.Time())
	}
	recs := []*Record{bad, good}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Time().After(recs[j].Time()) })
	if recs[1] != bad {
		t.Errorf("unparsable timestamp must sort last when newest come first")
	}
}
