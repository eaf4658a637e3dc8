package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/maruel/marketbff/internal/admin"
	"github.com/maruel/marketbff/internal/apierr"
	"github.com/maruel/marketbff/internal/blobstore"
	"github.com/maruel/marketbff/internal/records"
)

// AdminHandler serves the back-office endpoints. All of them require the
// admin token.
type AdminHandler struct {
	repo *records.Repository
	now  func() time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(repo *records.Repository) *AdminHandler {
	return &AdminHandler{repo: repo, now: time.Now}
}

// CreateWorker adds a worker, available unless a status is given.
func (h *AdminHandler) CreateWorker(ctx context.Context, req records.Worker) (*records.Record, error) {
	return appendTyped(ctx, h.repo, records.Workers, &req)
}

// UpdateWorkerRequest patches a worker. Absent fields are left unchanged.
type UpdateWorkerRequest struct {
	ID         string   `path:"id" validate:"required"`
	Name       *string  `json:"name" validate:"omitempty,min=1,max=200"`
	Phone      *string  `json:"phone" validate:"omitempty,min=6,max=20"`
	Service    *string  `json:"service" validate:"omitempty,min=1,max=100"`
	Area       *string  `json:"area" validate:"omitempty,max=200"`
	Experience *string  `json:"experience" validate:"omitempty,max=100"`
	Rating     *float64 `json:"rating" validate:"omitempty,gte=0,lte=5"`
	Status     *string  `json:"status" validate:"omitempty,oneof=available busy inactive"`
}

func (r *UpdateWorkerRequest) patch() records.Fields {
	p := records.Fields{}
	set := func(k string, v *string) {
		if v != nil {
			p[k] = *v
		}
	}
	set("name", r.Name)
	set("phone", r.Phone)
	set("service", r.Service)
	set("area", r.Area)
	set("experience", r.Experience)
	set("status", r.Status)
	if r.Rating != nil {
		p["rating"] = *r.Rating
	}
	return p
}

// UpdateWorker patches a worker.
func (h *AdminHandler) UpdateWorker(ctx context.Context, req UpdateWorkerRequest) (*records.Record, error) {
	p := req.patch()
	if len(p) == 0 {
		return nil, apierr.BadRequest("Nothing to update")
	}
	return h.repo.FindAndUpdate(ctx, records.Workers, req.ID, p)
}

// RecordRequest addresses one record by collection and id.
type RecordRequest struct {
	Collection string `path:"collection"`
	ID         string `path:"id" validate:"required"`
}

// RemoveResponse reports a deletion.
type RemoveResponse struct {
	Removed bool   `json:"removed"`
	ID      string `json:"id"`
}

// DeleteWorker removes a worker.
func (h *AdminHandler) DeleteWorker(ctx context.Context, req RecordRequest) (*RemoveResponse, error) {
	ok, err := h.repo.Remove(ctx, records.Workers, req.ID)
	if err != nil {
		return nil, err
	}
	return &RemoveResponse{Removed: ok, ID: req.ID}, nil
}

// DeleteRecord removes a record from any collection.
func (h *AdminHandler) DeleteRecord(ctx context.Context, req RecordRequest) (*RemoveResponse, error) {
	c, err := lookup(req.Collection)
	if err != nil {
		return nil, err
	}
	ok, err := h.repo.Remove(ctx, c, req.ID)
	if err != nil {
		return nil, err
	}
	return &RemoveResponse{Removed: ok, ID: req.ID}, nil
}

// UpdateStatusRequest changes the status of a booking, signup or lead.
type UpdateStatusRequest struct {
	ID             string  `path:"id" validate:"required"`
	Status         *string `json:"status" validate:"omitempty,min=1,max=50"`
	WorkerAssigned *string `json:"workerAssigned" validate:"omitempty,max=200"`
}

// UpdateStatus sets status and, for chat bookings, workerAssigned. The
// collection is chosen from the id prefix.
func (h *AdminHandler) UpdateStatus(ctx context.Context, req UpdateStatusRequest) (*records.Record, error) {
	c, ok := records.ForID(req.ID)
	if !ok || !c.StatusTracked {
		return nil, apierr.NotFound("Record " + req.ID)
	}
	p := records.Fields{}
	if req.Status != nil {
		p["status"] = *req.Status
	}
	if req.WorkerAssigned != nil {
		if c.Name != records.Chats.Name {
			return nil, apierr.BadRequest("workerAssigned only applies to chat bookings")
		}
		p["workerAssigned"] = *req.WorkerAssigned
	}
	if len(p) == 0 {
		return nil, apierr.MissingField("status")
	}
	return h.repo.FindAndUpdate(ctx, c, req.ID, p)
}

// DataRequest is the request for the dashboard (empty).
type DataRequest struct{}

// Data returns every collection, newest first.
func (h *AdminHandler) Data(ctx context.Context, req DataRequest) (*admin.Dashboard, error) {
	d, err := admin.Load(ctx, h.repo)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Stats returns the dashboard counters.
func (h *AdminHandler) Stats(ctx context.Context, req DataRequest) (*admin.Stats, error) {
	d, err := admin.Load(ctx, h.repo)
	if err != nil {
		return nil, err
	}
	s := admin.Compute(d)
	return &s, nil
}

// ListRecordsRequest lists one collection.
type ListRecordsRequest struct {
	Collection string `path:"collection"`
	Status     string `query:"status"`
}

// ListRecordsResponse is one collection, newest first.
type ListRecordsResponse struct {
	Collection string            `json:"collection"`
	Records    []*records.Record `json:"records"`
	Count      int               `json:"count"`
}

// ListRecords returns a collection, optionally filtered by status.
func (h *AdminHandler) ListRecords(ctx context.Context, req ListRecordsRequest) (*ListRecordsResponse, error) {
	c, err := lookup(req.Collection)
	if err != nil {
		return nil, err
	}
	var keep func(*records.Record) bool
	if req.Status != "" {
		keep = func(r *records.Record) bool { return r.String("status") == req.Status }
	}
	recs, err := h.repo.List(ctx, c, keep)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Time().After(recs[j].Time()) })
	return &ListRecordsResponse{Collection: c.Name, Records: recs, Count: len(recs)}, nil
}

// HistoryRequest asks for the version history of a collection.
type HistoryRequest struct {
	Collection string `path:"collection"`
	Limit      int    `query:"limit" validate:"gte=0,lte=1000"`
}

// HistoryResponse lists versions, newest first.
type HistoryResponse struct {
	Collection string             `json:"collection"`
	Commits    []blobstore.Commit `json:"commits"`
}

// History returns the audit trail of a collection document.
func (h *AdminHandler) History(ctx context.Context, req HistoryRequest) (*HistoryResponse, error) {
	c, err := lookup(req.Collection)
	if err != nil {
		return nil, err
	}
	commits, err := h.repo.History(ctx, c, req.Limit)
	if err != nil {
		return nil, err
	}
	if commits == nil {
		commits = []blobstore.Commit{}
	}
	return &HistoryResponse{Collection: c.Name, Commits: commits}, nil
}

// BackupRequest is the request for a backup (empty).
type BackupRequest struct{}

// BackupResponse describes the written backup.
type BackupResponse struct {
	Path    string `json:"path"`
	Records int    `json:"records"`
}

// Backup snapshots the chat bookings into a dated document.
func (h *AdminHandler) Backup(ctx context.Context, req BackupRequest) (*BackupResponse, error) {
	p, n, err := h.repo.Backup(ctx, records.Chats, h.now())
	if err != nil {
		return nil, err
	}
	return &BackupResponse{Path: p, Records: n}, nil
}

func lookup(name string) (records.Collection, error) {
	c, ok := records.Lookup(name)
	if !ok {
		return records.Collection{}, apierr.NotFound("Collection " + name)
	}
	return c, nil
}
