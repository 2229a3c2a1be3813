package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"herfa/api/internal/config"
	"herfa/api/internal/email"
	"herfa/api/internal/search"
	"herfa/api/internal/session"
	"herfa/api/internal/store"
	"herfa/api/internal/util"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory dataStore with the same guard semantics as the
// Postgres statements for chat rows and acceptance.
type memStore struct {
	mu           sync.Mutex
	tick         int
	users        map[string]store.User
	profiles     map[string]store.Profile
	jobs         map[string]store.Job
	applications map[string]store.Application
	messages     []store.Message
	pingErr      error
}

func newMemStore() *memStore {
	return &memStore{
		users:        make(map[string]store.User),
		profiles:     make(map[string]store.Profile),
		jobs:         make(map[string]store.Job),
		applications: make(map[string]store.Application),
	}
}

func (m *memStore) now() time.Time {
	m.tick++
	return baseTime.Add(time.Duration(m.tick) * time.Second)
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) CreateAccount(_ context.Context, user store.User, profile store.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return store.ErrDuplicate
		}
	}
	user.CreatedAt = m.now()
	profile.CreatedAt = user.CreatedAt
	profile.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	m.profiles[profile.ID] = profile
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, addr string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, addr) {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetProfile(_ context.Context, id string) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (m *memStore) ListProfilesByIDs(_ context.Context, ids []string) ([]store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []store.Profile
	for _, id := range ids {
		if profile, ok := m.profiles[id]; ok {
			result = append(result, profile)
		}
	}
	return result, nil
}

func (m *memStore) UpdateProfile(_ context.Context, id string, update store.ProfileUpdate) (store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	profile.FullName = update.FullName
	profile.City = update.City
	profile.Category = update.Category
	profile.Bio = update.Bio
	profile.PhoneNumber = update.PhoneNumber
	profile.UpdatedAt = m.now()
	m.profiles[id] = profile
	return profile, nil
}

func (m *memStore) SetAvatarURL(_ context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[id]
	if !ok {
		return sql.ErrNoRows
	}
	profile.AvatarURL = url
	m.profiles[id] = profile
	return nil
}

func (m *memStore) InsertJob(_ context.Context, job store.Job) (store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = m.now()
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memStore) GetJob(_ context.Context, id string) (store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.Job{}, sql.ErrNoRows
	}
	return job, nil
}

func (m *memStore) ListJobs(_ context.Context, filter store.JobFilter) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []store.Job
	for _, job := range m.jobs {
		if filter.City != "" && job.City != filter.City {
			continue
		}
		if filter.Category != "" && job.Category != filter.Category {
			continue
		}
		result = append(result, job)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *memStore) ListJobsByOwner(ctx context.Context, ownerID string) ([]store.Job, error) {
	all, _ := m.ListJobs(ctx, store.JobFilter{})
	var result []store.Job
	for _, job := range all {
		if job.OwnerID == ownerID {
			result = append(result, job)
		}
	}
	return result, nil
}

func (m *memStore) InsertApplication(_ context.Context, item store.Application) (store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.applications {
		if existing.JobID == item.JobID && existing.ApplicantID == item.ApplicantID {
			return store.Application{}, store.ErrDuplicate
		}
	}
	item.Status = store.StatusPending
	item.CreatedAt = m.now()
	m.applications[item.ID] = item
	return item, nil
}

func (m *memStore) GetApplication(_ context.Context, id string) (store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.applications[id]
	if !ok {
		return store.Application{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memStore) FindApplication(_ context.Context, jobID, applicantID, status string) (*store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.applications {
		if item.JobID == jobID && item.ApplicantID == applicantID && item.Status == status {
			found := item
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) FirstAcceptedApplication(_ context.Context, jobID string) (*store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptedLocked(jobID), nil
}

func (m *memStore) acceptedLocked(jobID string) *store.Application {
	var first *store.Application
	for _, item := range m.applications {
		if item.JobID != jobID || item.Status != store.StatusAccepted {
			continue
		}
		if first == nil || item.CreatedAt.Before(first.CreatedAt) {
			found := item
			first = &found
		}
	}
	return first
}

func (m *memStore) ListApplicationsForJob(_ context.Context, jobID string) ([]store.ApplicationWithProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []store.ApplicationWithProfile
	for _, item := range m.applications {
		if item.JobID == jobID {
			result = append(result, store.ApplicationWithProfile{Application: item, Applicant: m.profiles[item.ApplicantID]})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *memStore) ListApplicationsByApplicant(_ context.Context, applicantID string) ([]store.ApplicationWithJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []store.ApplicationWithJob
	for _, item := range m.applications {
		if item.ApplicantID == applicantID {
			result = append(result, store.ApplicationWithJob{Application: item, Job: m.jobs[item.JobID]})
		}
	}
	return result, nil
}

func (m *memStore) AcceptApplication(_ context.Context, id string) (store.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.applications[id]
	if !ok {
		return store.Application{}, sql.ErrNoRows
	}
	if item.Status != store.StatusPending {
		return store.Application{}, store.ErrNotPending
	}
	if m.acceptedLocked(item.JobID) != nil {
		return store.Application{}, store.ErrAlreadyAccepted
	}
	item.Status = store.StatusAccepted
	m.applications[id] = item
	return item, nil
}

func (m *memStore) isPartyLocked(jobID, userID string) bool {
	job, ok := m.jobs[jobID]
	if !ok {
		return false
	}
	if job.OwnerID == userID {
		return true
	}
	accepted := m.acceptedLocked(jobID)
	return accepted != nil && accepted.ApplicantID == userID
}

func (m *memStore) InsertMessage(_ context.Context, item store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.SenderID == item.ReceiverID || !m.isPartyLocked(item.JobID, item.SenderID) || !m.isPartyLocked(item.JobID, item.ReceiverID) {
		return store.Message{}, store.ErrForbidden
	}
	item.CreatedAt = m.now()
	m.messages = append(m.messages, item)
	return item, nil
}

func (m *memStore) ListMessages(_ context.Context, jobID, requesterID string, since time.Time) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isPartyLocked(jobID, requesterID) {
		return nil, store.ErrForbidden
	}
	var result []store.Message
	for _, item := range m.messages {
		if item.JobID == jobID && !item.CreatedAt.Before(since) {
			result = append(result, item)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *memStore) GetMessage(_ context.Context, jobID, id string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.messages {
		if item.ID == id && item.JobID == jobID {
			return item, nil
		}
	}
	return store.Message{}, sql.ErrNoRows
}

// seedAccount inserts a user and profile directly, skipping password hashing.
func (m *memStore) seedAccount(role, fullName string) store.Profile {
	id := util.NewID()
	profile := store.Profile{ID: id, FullName: fullName, Role: role, City: "Tunis"}
	ctx := context.Background()
	_ = m.CreateAccount(ctx, store.User{ID: id, Email: strings.ToLower(strings.ReplaceAll(fullName, " ", ".")) + "@example.com"}, profile)
	created, _ := m.GetProfile(ctx, id)
	return created
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []search.Query
	results []search.Professional
}

func (f *fakeSearcher) Search(_ context.Context, q search.Query) ([]search.Professional, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, len(f.results), nil
}

func (f *fakeSearcher) Healthy() bool { return true }

type fakeMailer struct {
	mu           sync.Mutex
	applications []string
	accepted     []string
}

func (f *fakeMailer) IsConfigured() bool { return true }

func (f *fakeMailer) SendNewApplication(to string, _ email.NewApplicationData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applications = append(f.applications, to)
	return nil
}

func (f *fakeMailer) SendApplicationAccepted(to string, _ email.AcceptedData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, to)
	return nil
}

type testEnv struct {
	store    *memStore
	searcher *fakeSearcher
	redis    *miniredis.Miniredis
	svc      *Service
	handler  http.Handler
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		ChatTimezone:   "UTC",
		ChatDateLayout: "2006-01-02",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := newMemStore()
	searcher := &fakeSearcher{}
	svc := newService(testConfig(), st, Options{
		Sessions: sessions,
		Search:   search.NewService(nil, searcher, logger),
		Logger:   logger,
	})
	t.Cleanup(svc.Wait)
	return &testEnv{
		store:    st,
		searcher: searcher,
		redis:    mr,
		svc:      svc,
		handler:  NewHTTPServer(svc, "*", logger).Handler(),
	}
}

// login seeds an account and returns a signed-in session for it.
func (e *testEnv) login(t *testing.T, role, fullName string) Session {
	t.Helper()
	profile := e.store.seedAccount(role, fullName)
	session, err := e.svc.issueSession(context.Background(), profile)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	payload := decodeMap(t, rr)
	if code != "" && payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
	return payload
}

// acceptedThread creates a job owned by a client with an accepted handyman.
func (e *testEnv) acceptedThread(t *testing.T) (owner, pro Session, jobID string) {
	t.Helper()
	owner = e.login(t, store.RoleClient, "Olga Owner")
	pro = e.login(t, store.RoleHandyman, "Pavel Pro")

	job := expectStatus(t, e.do(t, http.MethodPost, "/api/jobs", owner.Token, JobInput{Title: "Fix sink", Budget: 100}), http.StatusCreated, "")
	jobID = job["id"].(string)
	app := expectStatus(t, e.do(t, http.MethodPost, "/api/jobs/"+jobID+"/applications", pro.Token, ApplicationInput{ProposedBudget: 90}), http.StatusCreated, "")
	expectStatus(t, e.do(t, http.MethodPost, "/api/applications/"+app["id"].(string)+"/accept", owner.Token, nil), http.StatusOK, "")
	return owner, pro, jobID
}
