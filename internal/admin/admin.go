// Package admin aggregates collections for the back-office dashboard.
package admin

import (
	"context"
	"fmt"
	"sort"

	"github.com/maruel/marketbff/internal/records"
	"golang.org/x/sync/errgroup"
)

// Lister is the subset of records.Repository used here.
type Lister interface {
	List(ctx context.Context, c records.Collection, keep func(*records.Record) bool) ([]*records.Record, error)
}

// Dashboard is the content of every collection, newest first.
type Dashboard map[string][]*records.Record

// Stats are the headline counts shown on the dashboard.
type Stats struct {
	Chats            int `json:"chats"`
	ChatsPending     int `json:"chatsPending"`
	ChatsConfirmed   int `json:"chatsConfirmed"`
	ChatsCompleted   int `json:"chatsCompleted"`
	Signups          int `json:"signups"`
	SignupsPending   int `json:"signupsPending"`
	Workers          int `json:"workers"`
	WorkersAvailable int `json:"workersAvailable"`
	Calls            int `json:"calls"`
	Leads            int `json:"leads"`
	ChatQuestions    int `json:"chatQuestions"`
	ChatSessions     int `json:"chatSessions"`
}

// Load reads every collection concurrently. A failure on any collection
// fails the whole load.
func Load(ctx context.Context, l Lister) (Dashboard, error) {
	all := records.All()
	out := make([][]*records.Record, len(all))
	eg, ctx := errgroup.WithContext(ctx)
	for i, c := range all {
		eg.Go(func() error {
			recs, err := l.List(ctx, c, nil)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			sort.SliceStable(recs, func(a, b int) bool {
				return recs[a].Time().After(recs[b].Time())
			})
			out[i] = recs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	d := make(Dashboard, len(all))
	for i, c := range all {
		d[c.Name] = out[i]
	}
	return d, nil
}

// Compute derives the counters from a dashboard.
func Compute(d Dashboard) Stats {
	s := Stats{
		Chats:         len(d[records.Chats.Name]),
		Signups:       len(d[records.Signups.Name]),
		Workers:       len(d[records.Workers.Name]),
		Calls:         len(d[records.Calls.Name]),
		Leads:         len(d[records.Leads.Name]),
		ChatQuestions: len(d[records.ChatQA.Name]),
		ChatSessions:  len(d[records.ChatSessions.Name]),
	}
	for _, r := range d[records.Chats.Name] {
		switch r.String("status") {
		case "Pending":
			s.ChatsPending++
		case "Confirmed":
			s.ChatsConfirmed++
		case "Completed":
			s.ChatsCompleted++
		}
	}
	for _, r := range d[records.Signups.Name] {
		if r.String("status") == "Pending Review" {
			s.SignupsPending++
		}
	}
	for _, r := range d[records.Workers.Name] {
		if r.String("status") == "available" {
			s.WorkersAvailable++
		}
	}
	return s
}

// AvailableWorkers returns workers whose status is "available", grouped by
// service as well.
func AvailableWorkers(ctx context.Context, l Lister) ([]*records.Record, map[string][]*records.Record, error) {
	recs, err := l.List(ctx, records.Workers, func(r *records.Record) bool {
		return r.String("status") == "available"
	})
	if err != nil {
		return nil, nil, err
	}
	by := map[string][]*records.Record{}
	for _, r := range recs {
		svc := r.String("service")
		by[svc] = append(by[svc], r)
	}
	return recs, by, nil
}
