package chat

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"herfa/api/internal/store"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeStore keeps rows in memory and applies the same party guard as the
// Postgres message statements.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]store.Job
	apps     []store.Application
	profiles map[string]store.Profile
	messages []store.Message
	clock    time.Time

	listCalls    int
	profileCalls int

	getJobErr   error
	findErr     error
	listErr     error
	profilesErr error
	getErr      error
	afterList   func(call int)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]store.Job),
		profiles: make(map[string]store.Profile),
		clock:    baseTime,
	}
}

// seedThread creates job-1 owned by "owner" with an accepted application from
// "pro", a pending one from "pending" and a rejected one from "rejected".
func seedThread() *fakeStore {
	fs := newFakeStore()
	fs.jobs["job-1"] = store.Job{ID: "job-1", Title: "Fix the sink", OwnerID: "owner", Budget: 120}
	fs.apps = []store.Application{
		{ID: "app-1", JobID: "job-1", ApplicantID: "pro", Status: store.StatusAccepted, CreatedAt: baseTime},
		{ID: "app-2", JobID: "job-1", ApplicantID: "pending", Status: store.StatusPending, CreatedAt: baseTime},
		{ID: "app-3", JobID: "job-1", ApplicantID: "rejected", Status: store.StatusRejected, CreatedAt: baseTime},
	}
	for _, p := range []store.Profile{
		{ID: "owner", FullName: "Olga Owner", AvatarURL: "https://cdn.test/owner.png", Role: store.RoleClient},
		{ID: "pro", FullName: "Pavel Pro", AvatarURL: "https://cdn.test/pro.png", Role: store.RoleHandyman},
		{ID: "pending", FullName: "Pat Pending", Role: store.RoleHandyman},
		{ID: "outsider", FullName: "Otto Outsider", Role: store.RoleHandyman},
	} {
		fs.profiles[p.ID] = p
	}
	return fs
}

func (f *fakeStore) GetJob(_ context.Context, jobID string) (store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getJobErr != nil {
		return store.Job{}, f.getJobErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return store.Job{}, sql.ErrNoRows
	}
	return job, nil
}

func (f *fakeStore) FindApplication(_ context.Context, jobID, applicantID, status string) (*store.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, app := range f.apps {
		if app.JobID == jobID && app.ApplicantID == applicantID && app.Status == status {
			found := app
			return &found, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FirstAcceptedApplication(_ context.Context, jobID string) (*store.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstAcceptedLocked(jobID), nil
}

func (f *fakeStore) firstAcceptedLocked(jobID string) *store.Application {
	var accepted []store.Application
	for _, app := range f.apps {
		if app.JobID == jobID && app.Status == store.StatusAccepted {
			accepted = append(accepted, app)
		}
	}
	if len(accepted) == 0 {
		return nil
	}
	sort.Slice(accepted, func(i, j int) bool {
		if !accepted[i].CreatedAt.Equal(accepted[j].CreatedAt) {
			return accepted[i].CreatedAt.Before(accepted[j].CreatedAt)
		}
		return accepted[i].ID < accepted[j].ID
	})
	return &accepted[0]
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListProfilesByIDs(_ context.Context, ids []string) ([]store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	if f.profilesErr != nil {
		return nil, f.profilesErr
	}
	var out []store.Profile
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) isPartyLocked(jobID, userID string) bool {
	job, ok := f.jobs[jobID]
	if !ok {
		return false
	}
	if job.OwnerID == userID {
		return true
	}
	accepted := f.firstAcceptedLocked(jobID)
	return accepted != nil && accepted.ApplicantID == userID
}

func (f *fakeStore) InsertMessage(_ context.Context, item store.Message) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[item.JobID]
	if !ok || item.SenderID == item.ReceiverID ||
		!f.isPartyLocked(item.JobID, item.SenderID) || !f.isPartyLocked(item.JobID, item.ReceiverID) ||
		(job.OwnerID != item.SenderID && job.OwnerID != item.ReceiverID) {
		return store.Message{}, store.ErrForbidden
	}
	f.clock = f.clock.Add(time.Minute)
	item.CreatedAt = f.clock
	f.messages = append(f.messages, item)
	return item, nil
}

func (f *fakeStore) GetMessage(_ context.Context, jobID, id string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return store.Message{}, f.getErr
	}
	for _, m := range f.messages {
		if m.ID == id && m.JobID == jobID {
			return m, nil
		}
	}
	return store.Message{}, sql.ErrNoRows
}

// add stores a row directly, bypassing the guard.
func (f *fakeStore) add(item store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, item)
}

// ListMessages returns rows in insertion order, which need not be
// chronological.
func (f *fakeStore) ListMessages(_ context.Context, jobID, requesterID string, since time.Time) ([]store.Message, error) {
	f.mu.Lock()
	f.listCalls++
	call := f.listCalls
	if f.listErr != nil {
		err := f.listErr
		f.listErr = nil
		f.mu.Unlock()
		return nil, err
	}
	if !f.isPartyLocked(jobID, requesterID) {
		f.mu.Unlock()
		return nil, store.ErrForbidden
	}
	out := make([]store.Message, 0)
	for _, m := range f.messages {
		if m.JobID == jobID && (since.IsZero() || !m.CreatedAt.Before(since)) {
			out = append(out, m)
		}
	}
	hook := f.afterList
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return out, nil
}

var errBoom = errors.New("boom")
