package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"herfa/api/internal/store"
)

// AccessStore is the read side the resolver needs.
type AccessStore interface {
	GetJob(ctx context.Context, jobID string) (store.Job, error)
	FindApplication(ctx context.Context, jobID, applicantID, status string) (*store.Application, error)
	FirstAcceptedApplication(ctx context.Context, jobID string) (*store.Application, error)
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
}

// Resolver decides who may take part in a job's thread: the job owner and the
// applicant whose application was accepted.
type Resolver struct {
	store  AccessStore
	logger *slog.Logger
}

func NewResolver(st AccessStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, logger: logger}
}

// Authorize returns nil when principalID may use the thread of jobID.
// It returns ErrUnauthenticated, ErrNotFound, ErrForbidden or a wrapped
// lookup error.
func (r *Resolver) Authorize(ctx context.Context, jobID, principalID string) error {
	if principalID == "" {
		return ErrUnauthenticated
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.OwnerID == principalID {
		return nil
	}

	app, err := r.store.FindApplication(ctx, jobID, principalID, store.StatusAccepted)
	if err != nil {
		return fmt.Errorf("find accepted application: %w", err)
	}
	if app == nil {
		return ErrForbidden
	}
	return nil
}

// CanAccess is Authorize collapsed to a boolean. Any failure denies.
func (r *Resolver) CanAccess(ctx context.Context, jobID, principalID string) bool {
	err := r.Authorize(ctx, jobID, principalID)
	if err != nil && !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrUnauthenticated) && !errors.Is(err, ErrNotFound) {
		r.logger.Error("chat access check failed", slog.String("job_id", jobID), slog.Any("err", err))
	}
	return err == nil
}

// ResolveCounterparty returns the other party of the thread for principalID.
// For the owner that is the accepted applicant (the earliest accepted one if
// several exist); for anyone else it is the job owner.
func (r *Resolver) ResolveCounterparty(ctx context.Context, jobID, principalID string) (Counterparty, error) {
	if principalID == "" {
		return Counterparty{}, ErrUnauthenticated
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Counterparty{}, ErrNotFound
		}
		return Counterparty{}, fmt.Errorf("load job: %w", err)
	}

	counterpartyID := job.OwnerID
	if job.OwnerID == principalID {
		app, err := r.store.FirstAcceptedApplication(ctx, jobID)
		if err != nil {
			return Counterparty{}, fmt.Errorf("find accepted application: %w", err)
		}
		if app == nil {
			return Counterparty{}, ErrNoAcceptedProfessional
		}
		counterpartyID = app.ApplicantID
	}

	profile, err := r.store.GetProfile(ctx, counterpartyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Counterparty{}, fmt.Errorf("counterparty profile: %w", ErrNotFound)
		}
		return Counterparty{}, fmt.Errorf("load counterparty profile: %w", err)
	}

	return Counterparty{
		ID:        counterpartyID,
		Name:      profile.FullName,
		AvatarURL: profile.AvatarURL,
		JobID:     job.ID,
		JobTitle:  job.Title,
	}, nil
}
