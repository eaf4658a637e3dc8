package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maruel/marketbff/internal/blobstore"
	"github.com/maruel/marketbff/internal/records"
	"golang.org/x/crypto/bcrypt"
)

const adminToken = "s3cret"

type testServer struct {
	t   *testing.T
	mem *blobstore.Memory
	srv *Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	mem := blobstore.NewMemory()
	repo := records.New(blobstore.NewClient(mem, 5*time.Second), records.Options{InitialInterval: time.Millisecond})
	if cfg.Admin == nil {
		cfg.Admin = StaticToken(adminToken)
	}
	s := NewRouter(repo, cfg)
	t.Cleanup(s.Close)
	return &testServer{t: t, mem: mem, srv: s}
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return v
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, status, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	w := ts.do("GET", "/api/health", "", "")
	wantStatus(t, w, http.StatusOK)
	got := decode[map[string]any](t, w)
	if got["status"] != "ok" {
		t.Errorf("unexpected body %v", got)
	}
	if _, ok := got["uptime_seconds"]; !ok {
		t.Error("missing uptime_seconds")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestBookingLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})

	w := ts.do("POST", "/api/chats", "", `{"customerName":"Asha","customerPhone":"9990001111","service":"AC Repair"}`)
	wantStatus(t, w, http.StatusOK)
	created := decode[map[string]any](t, w)
	id, _ := created["id"].(string)
	if !records.IDPattern.MatchString(id) || !strings.HasPrefix(id, "CHAT-") {
		t.Fatalf("unexpected id %q", id)
	}
	if created["status"] != "Pending" || created["workerAssigned"] != "" || created["timestamp"] == "" {
		t.Errorf("unexpected booking %v", created)
	}

	body := `{"status":"Confirmed","workerAssigned":"Ravi"}`
	wantStatus(t, ts.do("PUT", "/api/update-status/"+id, "", body), http.StatusUnauthorized)
	wantStatus(t, ts.do("PUT", "/api/update-status/"+id, "wrong", body), http.StatusForbidden)

	w = ts.do("PUT", "/api/update-status/"+id, adminToken, body)
	wantStatus(t, w, http.StatusOK)
	updated := decode[map[string]any](t, w)
	for k, v := range map[string]any{
		"id": id, "status": "Confirmed", "workerAssigned": "Ravi",
		"customerName": "Asha", "customerPhone": "9990001111", "service": "AC Repair",
		"timestamp": created["timestamp"],
	} {
		if updated[k] != v {
			t.Errorf("%s = %v, want %v", k, updated[k], v)
		}
	}

	w = ts.do("GET", "/api/stats", adminToken, "")
	wantStatus(t, w, http.StatusOK)
	stats := decode[map[string]int](t, w)
	if stats["chats"] != 1 || stats["chatsConfirmed"] != 1 || stats["chatsPending"] != 0 {
		t.Errorf("unexpected stats %v", stats)
	}

	w = ts.do("GET", "/api/admin/data", adminToken, "")
	wantStatus(t, w, http.StatusOK)
	data := decode[map[string][]map[string]any](t, w)
	if len(data["chats"]) != 1 || data["chats"][0]["id"] != id {
		t.Errorf("unexpected dashboard %v", data)
	}
	if data["signups"] == nil {
		t.Error("empty collections must be listed")
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	w := ts.do("PUT", "/api/update-status/CHAT-ZZZZZZ", adminToken, `{"status":"Confirmed"}`)
	wantStatus(t, w, http.StatusNotFound)
	if got := decode[map[string]any](t, w); got["error"] != "NOT_FOUND" || got["message"] == "" {
		t.Errorf("unexpected error body %v", got)
	}
	wantStatus(t, ts.do("PUT", "/api/update-status/WORKER-ABCDEF", adminToken, `{"status":"busy"}`), http.StatusNotFound)

	w = ts.do("POST", "/api/signups", "", `{"name":"Meera","phone":"5550111","service":"Plumbing"}`)
	wantStatus(t, w, http.StatusOK)
	signup := decode[map[string]any](t, w)
	if signup["status"] != "Pending Review" || !strings.HasPrefix(signup["id"].(string), "SIGNUP-") {
		t.Fatalf("unexpected signup %v", signup)
	}
	id := signup["id"].(string)
	wantStatus(t, ts.do("PUT", "/api/update-status/"+id, adminToken, `{}`), http.StatusBadRequest)
	wantStatus(t, ts.do("PUT", "/api/update-status/"+id, adminToken, `{"workerAssigned":"Ravi"}`), http.StatusBadRequest)
	w = ts.do("PUT", "/api/update-status/"+id, adminToken, `{"status":"Approved"}`)
	wantStatus(t, w, http.StatusOK)
	if got := decode[map[string]any](t, w); got["status"] != "Approved" {
		t.Errorf("unexpected signup %v", got)
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	w := ts.do("POST", "/api/chats", "", `{"customerName":"Asha","service":"AC Repair"}`)
	wantStatus(t, w, http.StatusBadRequest)
	got := decode[map[string]any](t, w)
	if got["error"] != "MISSING_FIELD" || !strings.Contains(got["message"].(string), "customerPhone") {
		t.Errorf("unexpected error %v", got)
	}
	wantStatus(t, ts.do("POST", "/api/signups", "", `{"name":"x","phone":"5550111","service":"y","email":"nope"}`), http.StatusBadRequest)
	wantStatus(t, ts.do("POST", "/api/chats", "", `not json`), http.StatusBadRequest)
	// Nothing was written.
	if _, _, err := ts.mem.Get(t.Context(), "data/chats.json"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("expected no document, got %v", err)
	}
}

func TestFreeFormLogs(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	w := ts.do("POST", "/api/log/call", "", `{"from":"+15550100","duration":125,"outcome":"booked","id":"CALL-FORGED"}`)
	wantStatus(t, w, http.StatusOK)
	call := decode[map[string]any](t, w)
	if call["id"] == "CALL-FORGED" || call["outcome"] != "booked" || call["duration"] != float64(125) {
		t.Errorf("unexpected call %v", call)
	}
	content, _, err := ts.mem.Get(t.Context(), "data/calls.json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), `"duration": 125`) {
		t.Errorf("number not preserved:\n%s", content)
	}
	wantStatus(t, ts.do("POST", "/api/log/call", "", `[1,2]`), http.StatusBadRequest)
}

func TestWorkers(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	wantStatus(t, ts.do("POST", "/api/workers", "", `{"name":"Ravi","phone":"5550101","service":"AC Repair"}`), http.StatusUnauthorized)
	w := ts.do("POST", "/api/workers", adminToken, `{"name":"Ravi","phone":"5550101","service":"AC Repair"}`)
	wantStatus(t, w, http.StatusOK)
	ravi := decode[map[string]any](t, w)
	wantStatus(t, ts.do("POST", "/api/workers", adminToken, `{"name":"Kiran","phone":"5550102","service":"Plumbing","status":"busy"}`), http.StatusOK)
	wantStatus(t, ts.do("POST", "/api/workers", adminToken, `{"name":"X","phone":"5550103","service":"Y","status":"asleep"}`), http.StatusBadRequest)

	w = ts.do("GET", "/api/workers", "", "")
	wantStatus(t, w, http.StatusOK)
	list := decode[struct {
		Workers   []map[string]any            `json:"workers"`
		ByService map[string][]map[string]any `json:"byService"`
		Count     int                         `json:"count"`
	}](t, w)
	if list.Count != 1 || list.Workers[0]["id"] != ravi["id"] || len(list.ByService["AC Repair"]) != 1 {
		t.Errorf("unexpected workers %+v", list)
	}

	id := ravi["id"].(string)
	w = ts.do("PUT", "/api/workers/"+id, adminToken, `{"status":"inactive","rating":4.5}`)
	wantStatus(t, w, http.StatusOK)
	if got := decode[map[string]any](t, w); got["status"] != "inactive" || got["rating"] != 4.5 || got["name"] != "Ravi" {
		t.Errorf("unexpected worker %v", got)
	}
	wantStatus(t, ts.do("PUT", "/api/workers/"+id, adminToken, `{}`), http.StatusBadRequest)
	wantStatus(t, ts.do("DELETE", "/api/workers/"+id, adminToken, ""), http.StatusOK)
	wantStatus(t, ts.do("DELETE", "/api/workers/"+id, adminToken, ""), http.StatusNotFound)
}

func TestAdminRecords(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	for _, body := range []string{`{"phone":"5550001","source":"landing"}`, `{"phone":"5550002"}`} {
		wantStatus(t, ts.do("POST", "/api/leads", "", body), http.StatusOK)
	}
	w := ts.do("GET", "/api/admin/records/leads?status=New", adminToken, "")
	wantStatus(t, w, http.StatusOK)
	got := decode[struct {
		Records []map[string]any `json:"records"`
		Count   int              `json:"count"`
	}](t, w)
	if got.Count != 2 {
		t.Fatalf("unexpected list %+v", got)
	}
	wantStatus(t, ts.do("GET", "/api/admin/records/nope", adminToken, ""), http.StatusNotFound)

	id := got.Records[0]["id"].(string)
	wantStatus(t, ts.do("DELETE", "/api/admin/records/leads/"+id, adminToken, ""), http.StatusOK)

	w = ts.do("GET", "/api/admin/history/leads?limit=10", adminToken, "")
	wantStatus(t, w, http.StatusOK)
	h := decode[struct {
		Commits []blobstore.Commit `json:"commits"`
	}](t, w)
	if len(h.Commits) != 3 || !strings.HasPrefix(h.Commits[0].Message, "Remove lead "+id) {
		t.Errorf("unexpected history %+v", h.Commits)
	}
}

func TestBackup(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	wantStatus(t, ts.do("POST", "/api/log/chat", "", `{"customerName":"A","customerPhone":"5550100","service":"S"}`), http.StatusOK)
	w := ts.do("GET", "/api/backup", adminToken, "")
	wantStatus(t, w, http.StatusOK)
	got := decode[map[string]any](t, w)
	p, _ := got["path"].(string)
	if !strings.HasPrefix(p, "data/backups/chats-") || got["records"] != float64(1) {
		t.Errorf("unexpected backup %v", got)
	}
	if _, _, err := ts.mem.Get(t.Context(), p); err != nil {
		t.Errorf("backup not written: %v", err)
	}
}

func TestSchema(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	w := ts.do("GET", "/api/schema/chats", "", "")
	wantStatus(t, w, http.StatusOK)
	got := decode[struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}](t, w)
	if _, ok := got.Properties["customerPhone"]; !ok {
		t.Errorf("missing customerPhone in %v", got.Properties)
	}
	if len(got.Required) == 0 {
		t.Error("expected required fields")
	}
	wantStatus(t, ts.do("GET", "/api/schema/calls", "", ""), http.StatusNotFound)
}

func TestStoreUnavailable(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{})
	ts.mem.Fail = func(string, string) error { return errors.New("rate limited") }
	w := ts.do("GET", "/api/workers", "", "")
	wantStatus(t, w, http.StatusServiceUnavailable)
	got := decode[map[string]any](t, w)
	if got["error"] != "STORE_UNAVAILABLE" {
		t.Errorf("unexpected error %v", got)
	}
	if strings.Contains(got["message"].(string), "rate limited") {
		t.Error("internal cause leaked to the client")
	}
	wantStatus(t, ts.do("GET", "/api/stats", adminToken, ""), http.StatusServiceUnavailable)
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{MaxBodyBytes: 64})
	body := `{"customerName":"` + strings.Repeat("a", 100) + `","customerPhone":"5550100","service":"S"}`
	wantStatus(t, ts.do("POST", "/api/chats", "", body), http.StatusRequestEntityTooLarge)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{PublicWritesPerMin: 5})
	body := `{"phone":"5550001"}`
	for i := range 5 {
		w := ts.do("POST", "/api/leads", "", body)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := ts.do("POST", "/api/leads", "", body)
	wantStatus(t, w, http.StatusTooManyRequests)
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	// Reads and admin writes are not limited.
	wantStatus(t, ts.do("GET", "/api/workers", "", ""), http.StatusOK)
	wantStatus(t, ts.do("POST", "/api/workers", adminToken, `{"name":"R","phone":"5550101","service":"S"}`), http.StatusOK)
}

func TestHashedToken(t *testing.T) {
	t.Parallel()
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ts := newTestServer(t, Config{Admin: HashedToken(string(hash))})
	wantStatus(t, ts.do("GET", "/api/stats", adminToken, ""), http.StatusOK)
	wantStatus(t, ts.do("GET", "/api/stats", "other", ""), http.StatusForbidden)
	if !StaticToken("abc")("abc") || StaticToken("abc")("abd") {
		t.Error("StaticToken mismatch")
	}
}
