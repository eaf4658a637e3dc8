package handlers

import (
	"context"
	"fmt"

	"github.com/maruel/marketbff/internal/admin"
	"github.com/maruel/marketbff/internal/records"
)

// PublicHandler serves the unauthenticated website endpoints.
type PublicHandler struct {
	repo *records.Repository
}

// NewPublicHandler creates a new public handler.
func NewPublicHandler(repo *records.Repository) *PublicHandler {
	return &PublicHandler{repo: repo}
}

// ListWorkersRequest is the request for the public worker list (empty).
type ListWorkersRequest struct{}

// WorkersResponse lists available workers.
type WorkersResponse struct {
	Workers   []*records.Record            `json:"workers"`
	ByService map[string][]*records.Record `json:"byService"`
	Count     int                          `json:"count"`
}

// ListWorkers returns the workers currently available for booking.
func (h *PublicHandler) ListWorkers(ctx context.Context, req ListWorkersRequest) (*WorkersResponse, error) {
	all, by, err := admin.AvailableWorkers(ctx, h.repo)
	if err != nil {
		return nil, err
	}
	return &WorkersResponse{Workers: all, ByService: by, Count: len(all)}, nil
}

// CreateChat records a booking made through the chat widget. It starts
// Pending with no worker assigned.
func (h *PublicHandler) CreateChat(ctx context.Context, req records.ChatBooking) (*records.Record, error) {
	return appendTyped(ctx, h.repo, records.Chats, &req)
}

// CreateSignup records a professional asking to join. It starts in
// "Pending Review".
func (h *PublicHandler) CreateSignup(ctx context.Context, req records.Signup) (*records.Record, error) {
	return appendTyped(ctx, h.repo, records.Signups, &req)
}

// CreateLead records a contact request.
func (h *PublicHandler) CreateLead(ctx context.Context, req records.Lead) (*records.Record, error) {
	return appendTyped(ctx, h.repo, records.Leads, &req)
}

// LogQuestion records one exchange with the chat assistant.
func (h *PublicHandler) LogQuestion(ctx context.Context, req records.ChatQuestion) (*records.Record, error) {
	return appendTyped(ctx, h.repo, records.ChatQA, &req)
}

// LogCall records free-form call metadata.
func (h *PublicHandler) LogCall(ctx context.Context, req records.Fields) (*records.Record, error) {
	return h.repo.Append(ctx, records.Calls, req)
}

// LogSession records free-form chat session metadata.
func (h *PublicHandler) LogSession(ctx context.Context, req records.Fields) (*records.Record, error) {
	return h.repo.Append(ctx, records.ChatSessions, req)
}

func appendTyped(ctx context.Context, repo *records.Repository, c records.Collection, v any) (*records.Record, error) {
	f, err := records.FieldsOf(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", c.Label, err)
	}
	return repo.Append(ctx, c, f)
}
