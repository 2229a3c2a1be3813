package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"herfa/api/internal/email"
	"herfa/api/internal/rbac"
	"herfa/api/internal/search"
	"herfa/api/internal/store"
	"herfa/api/internal/util"
)

type JobInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	City        string  `json:"city"`
	Category    string  `json:"category"`
	Budget      float64 `json:"budget"`
}

type ApplicationInput struct {
	Message        string  `json:"message"`
	ProposedBudget float64 `json:"proposed_budget"`
}

type ProfileInput struct {
	FullName    string `json:"full_name"`
	City        string `json:"city"`
	Category    string `json:"category"`
	Bio         string `json:"bio"`
	PhoneNumber string `json:"phone_number"`
}

const notificationTimeout = 30 * time.Second

func (s *Service) CreateJob(ctx context.Context, current Session, input JobInput) (map[string]any, error) {
	if !s.Can(current.Role, rbac.ActionPostJob) {
		return nil, errForbidden
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	if input.Budget <= 0 {
		return nil, validationError("budget must be greater than zero")
	}

	job, err := s.store.InsertJob(ctx, store.Job{
		ID:          util.NewID(),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		City:        strings.TrimSpace(input.City),
		Category:    strings.TrimSpace(input.Category),
		Budget:      input.Budget,
		OwnerID:     current.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job created", slog.String("job_id", job.ID), slog.String("owner_id", job.OwnerID))
	return jobPayload(job), nil
}

func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]map[string]any, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return jobsPayload(jobs), nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (map[string]any, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	payload := jobPayload(job)
	if owner, err := s.store.GetProfile(ctx, job.OwnerID); err == nil {
		payload["owner"] = publicProfilePayload(owner)
	}
	return payload, nil
}

func (s *Service) MyJobs(ctx context.Context, current Session) ([]map[string]any, error) {
	jobs, err := s.store.ListJobsByOwner(ctx, current.UserID)
	if err != nil {
		return nil, err
	}
	return jobsPayload(jobs), nil
}

func (s *Service) loadJob(ctx context.Context, jobID string) (store.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Job{}, errNotFound
	}
	if err != nil {
		return store.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// Apply submits the principal's application to a job and notifies the owner.
func (s *Service) Apply(ctx context.Context, current Session, jobID string, input ApplicationInput) (map[string]any, error) {
	if !s.Can(current.Role, rbac.ActionApply) {
		return nil, errForbidden
	}
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID == current.UserID {
		return nil, domainError(http.StatusForbidden, "OWN_JOB", "You cannot apply to your own job", nil)
	}
	if input.ProposedBudget <= 0 {
		return nil, validationError("proposed_budget must be greater than zero")
	}

	application, err := s.store.InsertApplication(ctx, store.Application{
		ID:             util.NewID(),
		JobID:          job.ID,
		ApplicantID:    current.UserID,
		Message:        strings.TrimSpace(input.Message),
		ProposedBudget: input.ProposedBudget,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, conflictError("ALREADY_APPLIED", "You already applied to this job")
	}
	if err != nil {
		return nil, err
	}

	s.notifyNewApplication(ctx, job, application, current.FullName)
	return applicationPayload(application), nil
}

// JobApplications lists a job's applications with applicant profiles. Only
// the job owner may see them.
func (s *Service) JobApplications(ctx context.Context, current Session, jobID string) ([]map[string]any, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != current.UserID {
		return nil, errForbidden
	}
	items, err := s.store.ListApplicationsForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload := applicationPayload(item.Application)
		payload["applicant"] = publicProfilePayload(item.Applicant)
		result = append(result, payload)
	}
	return result, nil
}

// AcceptApplication accepts a pending application on one of the principal's
// jobs. A job has at most one accepted application.
func (s *Service) AcceptApplication(ctx context.Context, current Session, applicationID string) (map[string]any, error) {
	if !s.Can(current.Role, rbac.ActionAccept) {
		return nil, errForbidden
	}
	application, err := s.store.GetApplication(ctx, applicationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load application: %w", err)
	}
	job, err := s.loadJob(ctx, application.JobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != current.UserID {
		return nil, errForbidden
	}

	accepted, err := s.store.AcceptApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("application accepted",
		slog.String("job_id", job.ID),
		slog.String("application_id", accepted.ID),
		slog.String("applicant_id", accepted.ApplicantID),
	)
	s.notifyAccepted(ctx, job, accepted)
	return applicationPayload(accepted), nil
}

func (s *Service) MyApplications(ctx context.Context, current Session) ([]map[string]any, error) {
	items, err := s.store.ListApplicationsByApplicant(ctx, current.UserID)
	if err != nil {
		return nil, err
	}
	result := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload := applicationPayload(item.Application)
		payload["job"] = jobPayload(item.Job)
		result = append(result, payload)
	}
	return result, nil
}

func (s *Service) GetProfile(ctx context.Context, userID string) (map[string]any, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return publicProfilePayload(profile), nil
}

// UpdateProfile changes the principal's self-service fields and re-indexes
// the profile for discovery.
func (s *Service) UpdateProfile(ctx context.Context, current Session, input ProfileInput) (map[string]any, error) {
	fullName := strings.TrimSpace(input.FullName)
	if fullName == "" {
		return nil, validationError("full_name is required")
	}
	profile, err := s.store.UpdateProfile(ctx, current.UserID, store.ProfileUpdate{
		FullName:    fullName,
		City:        strings.TrimSpace(input.City),
		Category:    strings.TrimSpace(input.Category),
		Bio:         strings.TrimSpace(input.Bio),
		PhoneNumber: strings.TrimSpace(input.PhoneNumber),
	})
	if err != nil {
		return nil, err
	}
	s.search.SyncProfile(profile)
	return ownProfilePayload(profile), nil
}

func (s *Service) AvatarsEnabled() bool {
	return s.avatars != nil
}

func (s *Service) AvatarMaxBytes() int64 {
	if s.avatars == nil {
		return 0
	}
	return s.avatars.MaxBytes()
}

// UploadAvatar stores a new avatar, points the profile at it and removes the
// previous object.
func (s *Service) UploadAvatar(ctx context.Context, current Session, r io.Reader, size int64) (map[string]any, error) {
	if s.avatars == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Avatar storage is not configured", nil)
	}
	previous, err := s.store.GetProfile(ctx, current.UserID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	url, err := s.avatars.Upload(ctx, current.UserID, r, size)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAvatarURL(ctx, current.UserID, url); err != nil {
		if removeErr := s.avatars.Remove(ctx, url); removeErr != nil {
			s.logger.Warn("remove orphan avatar", slog.String("url", url), slog.Any("err", removeErr))
		}
		return nil, err
	}
	if previous.AvatarURL != "" && previous.AvatarURL != url {
		if err := s.avatars.Remove(ctx, previous.AvatarURL); err != nil {
			s.logger.Warn("remove previous avatar", slog.String("user_id", current.UserID), slog.Any("err", err))
		}
	}

	previous.AvatarURL = url
	s.search.SyncProfile(previous)
	return map[string]any{"avatar_url": url}, nil
}

func (s *Service) SearchProfessionals(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

func (s *Service) notifyNewApplication(ctx context.Context, job store.Job, application store.Application, applicantName string) {
	if s.mailer == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		ctx, cancel := context.WithTimeout(ctx, notificationTimeout)
		defer cancel()

		owner, err := s.store.GetUserByID(ctx, job.OwnerID)
		if err != nil {
			s.logger.Warn("new application email: load owner", slog.String("job_id", job.ID), slog.Any("err", err))
			return
		}
		ownerName := ""
		if profile, err := s.store.GetProfile(ctx, job.OwnerID); err == nil {
			ownerName = profile.FullName
		}
		err = s.mailer.SendNewApplication(owner.Email, email.NewApplicationData{
			OwnerName:     ownerName,
			ApplicantName: applicantName,
			JobTitle:      job.Title,
			Budget:        strconv.FormatFloat(application.ProposedBudget, 'f', 2, 64),
			Message:       application.Message,
			JobURL:        "/jobs/" + job.ID,
		})
		if err != nil {
			s.logger.Warn("new application email", slog.String("job_id", job.ID), slog.Any("err", err))
		}
	}()
}

func (s *Service) notifyAccepted(ctx context.Context, job store.Job, application store.Application) {
	if s.mailer == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		ctx, cancel := context.WithTimeout(ctx, notificationTimeout)
		defer cancel()

		applicant, err := s.store.GetUserByID(ctx, application.ApplicantID)
		if err != nil {
			s.logger.Warn("accepted email: load applicant", slog.String("application_id", application.ID), slog.Any("err", err))
			return
		}
		applicantName := ""
		if profile, err := s.store.GetProfile(ctx, application.ApplicantID); err == nil {
			applicantName = profile.FullName
		}
		err = s.mailer.SendApplicationAccepted(applicant.Email, email.AcceptedData{
			ApplicantName: applicantName,
			JobTitle:      job.Title,
			ChatURL:       "/jobs/" + job.ID + "/chat",
		})
		if err != nil {
			s.logger.Warn("accepted email", slog.String("application_id", application.ID), slog.Any("err", err))
		}
	}()
}

func jobPayload(job store.Job) map[string]any {
	return map[string]any{
		"id":          job.ID,
		"title":       job.Title,
		"description": job.Description,
		"city":        job.City,
		"category":    job.Category,
		"budget":      job.Budget,
		"user_id":     job.OwnerID,
		"created_at":  job.CreatedAt,
	}
}

func jobsPayload(jobs []store.Job) []map[string]any {
	result := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		result = append(result, jobPayload(job))
	}
	return result
}

func applicationPayload(item store.Application) map[string]any {
	return map[string]any{
		"id":              item.ID,
		"job_id":          item.JobID,
		"handyman_id":     item.ApplicantID,
		"message":         item.Message,
		"proposed_budget": item.ProposedBudget,
		"status":          item.Status,
		"created_at":      item.CreatedAt,
	}
}

func publicProfilePayload(p store.Profile) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"full_name":  p.FullName,
		"city":       p.City,
		"category":   p.Category,
		"avatar_url": p.AvatarURL,
		"bio":        p.Bio,
		"role":       p.Role,
	}
}

func ownProfilePayload(p store.Profile) map[string]any {
	payload := publicProfilePayload(p)
	payload["phone_number"] = p.PhoneNumber
	payload["updated_at"] = p.UpdatedAt
	return payload
}
