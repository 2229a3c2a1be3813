package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrForbidden is returned by guarded statements when the requester is
	// neither the job owner nor its accepted applicant.
	ErrForbidden = errors.New("forbidden")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("duplicate")
	// ErrAlreadyAccepted is returned when a job already has an accepted application.
	ErrAlreadyAccepted = errors.New("job already has an accepted application")
	// ErrNotPending is returned when accepting an application that is no longer pending.
	ErrNotPending = errors.New("application is not pending")
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateAccount inserts the user and its profile in one transaction.
func (s *PostgresStore) CreateAccount(ctx context.Context, user User, profile Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
	`, user.ID, user.Email, user.PasswordHash); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (id, full_name, city, category, phone_number, role)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, profile.FullName, profile.City, profile.Category, profile.PhoneNumber, profile.Role); err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, strings.TrimSpace(email)).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user ID owning a live refresh token.
func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const profileColumns = `id, full_name, city, category, avatar_url, bio, phone_number, role, banned, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }, item *Profile) error {
	return row.Scan(
		&item.ID,
		&item.FullName,
		&item.City,
		&item.Category,
		&item.AvatarURL,
		&item.Bio,
		&item.PhoneNumber,
		&item.Role,
		&item.Banned,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var item Profile
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id=$1`, userID)
	if err := scanProfile(row, &item); err != nil {
		return Profile{}, err
	}
	return item, nil
}

// ListProfilesByIDs loads every profile in ids with a single query. Missing
// ids are simply absent from the result.
func (s *PostgresStore) ListProfilesByIDs(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return []Profile{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	items := make([]Profile, 0, len(ids))
	for rows.Next() {
		var item Profile
		if err := scanProfile(rows, &item); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return items, nil
}

// ListProfessionals returns every non-banned handyman, used to rebuild the
// search index.
func (s *PostgresStore) ListProfessionals(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE role = 'handyman' AND NOT banned
		ORDER BY full_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list professionals: %w", err)
	}
	defer rows.Close()

	items := make([]Profile, 0)
	for rows.Next() {
		var item Profile
		if err := scanProfile(rows, &item); err != nil {
			return nil, fmt.Errorf("scan professional: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate professionals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (Profile, error) {
	var item Profile
	row := s.db.QueryRowContext(ctx, `
		UPDATE profiles
		SET full_name=$2, city=$3, category=$4, bio=$5, phone_number=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+profileColumns,
		userID, update.FullName, update.City, update.Category, update.Bio, update.PhoneNumber,
	)
	if err := scanProfile(row, &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SetAvatarURL(ctx context.Context, userID, avatarURL string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE profiles SET avatar_url=$2, updated_at=NOW() WHERE id=$1`, userID, avatarURL)
	if err != nil {
		return fmt.Errorf("set avatar url: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

const jobColumns = `id, title, description, city, category, budget::float8, user_id, created_at`

func scanJob(row interface{ Scan(...any) error }, item *Job) error {
	return row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.City,
		&item.Category,
		&item.Budget,
		&item.OwnerID,
		&item.CreatedAt,
	)
}

func (s *PostgresStore) InsertJob(ctx context.Context, item Job) (Job, error) {
	var created Job
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, title, description, city, category, budget, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+jobColumns,
		item.ID, item.Title, item.Description, item.City, item.Category, item.Budget, item.OwnerID,
	)
	if err := scanJob(row, &created); err != nil {
		return Job{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	var item Job
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID)
	if err := scanJob(row, &item); err != nil {
		return Job{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if filter.City != "" {
		args = append(args, filter.City)
		query += fmt.Sprintf(" AND city = $%d", len(args))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d", limit, offset)

	return s.queryJobs(ctx, query, args...)
}

func (s *PostgresStore) ListJobsByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
	`, ownerID)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]Job, 0)
	for rows.Next() {
		var item Job
		if err := scanJob(rows, &item); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return items, nil
}

const applicationColumns = `a.id, a.job_id, a.handyman_id, a.message, a.proposed_budget::float8, a.status, a.created_at`

func scanApplicationFields(item *Application) []any {
	return []any{
		&item.ID,
		&item.JobID,
		&item.ApplicantID,
		&item.Message,
		&item.ProposedBudget,
		&item.Status,
		&item.CreatedAt,
	}
}

func (s *PostgresStore) InsertApplication(ctx context.Context, item Application) (Application, error) {
	var created Application
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO applications AS a (id, job_id, handyman_id, message, proposed_budget, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING `+applicationColumns,
		item.ID, item.JobID, item.ApplicantID, item.Message, item.ProposedBudget,
	).Scan(scanApplicationFields(&created)...)
	if err != nil {
		if isUniqueViolation(err) {
			return Application{}, ErrDuplicate
		}
		return Application{}, fmt.Errorf("insert application: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, applicationID string) (Application, error) {
	var item Application
	err := s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications a WHERE a.id=$1`, applicationID).
		Scan(scanApplicationFields(&item)...)
	if err != nil {
		return Application{}, err
	}
	return item, nil
}

// FindApplication returns the applicant's application on a job with the given
// status, or nil when there is none.
func (s *PostgresStore) FindApplication(ctx context.Context, jobID, applicantID, status string) (*Application, error) {
	var item Application
	err := s.db.QueryRowContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications a
		WHERE a.job_id=$1 AND a.handyman_id=$2 AND a.status=$3
		ORDER BY a.created_at ASC, a.id ASC
		LIMIT 1
	`, jobID, applicantID, status).Scan(scanApplicationFields(&item)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find application: %w", err)
	}
	return &item, nil
}

// FirstAcceptedApplication returns the earliest accepted application of a job
// (ties broken by id), or nil when none is accepted.
func (s *PostgresStore) FirstAcceptedApplication(ctx context.Context, jobID string) (*Application, error) {
	var item Application
	err := s.db.QueryRowContext(ctx, `
		SELECT `+applicationColumns+`
		FROM applications a
		WHERE a.job_id=$1 AND a.status='accepted'
		ORDER BY a.created_at ASC, a.id ASC
		LIMIT 1
	`, jobID).Scan(scanApplicationFields(&item)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first accepted application: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListApplicationsForJob(ctx context.Context, jobID string) ([]ApplicationWithProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+applicationColumns+`,
			p.id, p.full_name, p.city, p.category, p.avatar_url, p.bio, p.phone_number, p.role, p.banned, p.created_at, p.updated_at
		FROM applications a
		JOIN profiles p ON p.id = a.handyman_id
		WHERE a.job_id=$1
		ORDER BY a.created_at DESC, a.id DESC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job applications: %w", err)
	}
	defer rows.Close()

	items := make([]ApplicationWithProfile, 0)
	for rows.Next() {
		var item ApplicationWithProfile
		dest := append(scanApplicationFields(&item.Application),
			&item.Applicant.ID,
			&item.Applicant.FullName,
			&item.Applicant.City,
			&item.Applicant.Category,
			&item.Applicant.AvatarURL,
			&item.Applicant.Bio,
			&item.Applicant.PhoneNumber,
			&item.Applicant.Role,
			&item.Applicant.Banned,
			&item.Applicant.CreatedAt,
			&item.Applicant.UpdatedAt,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan job application: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job applications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListApplicationsByApplicant(ctx context.Context, applicantID string) ([]ApplicationWithJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+applicationColumns+`,
			j.id, j.title, j.description, j.city, j.category, j.budget::float8, j.user_id, j.created_at
		FROM applications a
		JOIN jobs j ON j.id = a.job_id
		WHERE a.handyman_id=$1
		ORDER BY a.created_at DESC, a.id DESC
	`, applicantID)
	if err != nil {
		return nil, fmt.Errorf("list applicant applications: %w", err)
	}
	defer rows.Close()

	items := make([]ApplicationWithJob, 0)
	for rows.Next() {
		var item ApplicationWithJob
		dest := append(scanApplicationFields(&item.Application),
			&item.Job.ID,
			&item.Job.Title,
			&item.Job.Description,
			&item.Job.City,
			&item.Job.Category,
			&item.Job.Budget,
			&item.Job.OwnerID,
			&item.Job.CreatedAt,
		)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan applicant application: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applicant applications: %w", err)
	}
	return items, nil
}

// AcceptApplication moves a pending application to accepted. At most one
// application per job may be accepted; a second acceptance fails with
// ErrAlreadyAccepted.
func (s *PostgresStore) AcceptApplication(ctx context.Context, applicationID string) (Application, error) {
	var item Application
	err := s.db.QueryRowContext(ctx, `
		UPDATE applications AS a
		SET status='accepted'
		WHERE a.id=$1
			AND a.status='pending'
			AND NOT EXISTS (
				SELECT 1 FROM applications other
				WHERE other.job_id = a.job_id AND other.status = 'accepted'
			)
		RETURNING `+applicationColumns,
		applicationID,
	).Scan(scanApplicationFields(&item)...)
	if err == nil {
		return item, nil
	}
	if isUniqueViolation(err) {
		return Application{}, ErrAlreadyAccepted
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Application{}, fmt.Errorf("accept application: %w", err)
	}

	current, err := s.GetApplication(ctx, applicationID)
	if err != nil {
		return Application{}, err
	}
	if current.Status != StatusPending {
		return Application{}, ErrNotPending
	}
	return Application{}, ErrAlreadyAccepted
}

// chatPartyCondition matches when $requester is the owner of job j or holds
// an accepted application on it.
const chatPartyCondition = `(
	j.user_id = %[1]s
	OR EXISTS (
		SELECT 1 FROM applications a
		WHERE a.job_id = j.id AND a.handyman_id = %[1]s AND a.status = 'accepted'
	)
)`

// InsertMessage persists a chat message. The statement itself rejects the
// write with ErrForbidden unless sender and receiver are exactly the job
// owner and the job's accepted applicant.
func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) (Message, error) {
	var created Message
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, job_id, sender_id, receiver_id, text)
		SELECT $1::text, j.id, $3::text, $4::text, $5::text
		FROM jobs j
		WHERE j.id = $2::text
			AND $3::text <> $4::text
			AND (j.user_id = $3::text OR j.user_id = $4::text)
			AND EXISTS (
				SELECT 1 FROM applications a
				WHERE a.job_id = j.id
					AND a.status = 'accepted'
					AND a.handyman_id = CASE WHEN j.user_id = $3::text THEN $4::text ELSE $3::text END
			)
		RETURNING id, job_id, sender_id, receiver_id, text, created_at
	`, item.ID, item.JobID, item.SenderID, item.ReceiverID, item.Text).Scan(
		&created.ID,
		&created.JobID,
		&created.SenderID,
		&created.ReceiverID,
		&created.Text,
		&created.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrForbidden
	}
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return created, nil
}

// GetMessage loads one message of jobID by id. It is not party-guarded: the
// realtime feed calls it for subscriptions that passed the access check.
func (s *PostgresStore) GetMessage(ctx context.Context, jobID, id string) (Message, error) {
	var item Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, sender_id, receiver_id, text, created_at
		FROM messages
		WHERE id = $1 AND job_id = $2
	`, id, jobID).Scan(&item.ID, &item.JobID, &item.SenderID, &item.ReceiverID, &item.Text, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return item, nil
}

// ListMessages returns a job's messages oldest first. When since is non-zero
// only messages created at or after it are returned; callers dedupe by id.
// The requester must be a chat party of the job, otherwise ErrForbidden.
func (s *PostgresStore) ListMessages(ctx context.Context, jobID, requesterID string, since time.Time) ([]Message, error) {
	var allowed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.id = $1 AND `+fmt.Sprintf(chatPartyCondition, "$2")+`
		)
	`, jobID, requesterID).Scan(&allowed)
	if err != nil {
		return nil, fmt.Errorf("check chat party: %w", err)
	}
	if !allowed {
		return nil, ErrForbidden
	}

	query := `
		SELECT id, job_id, sender_id, receiver_id, text, created_at
		FROM messages
		WHERE job_id = $1`
	args := []any{jobID}
	if !since.IsZero() {
		query += ` AND created_at >= $2`
		args = append(args, since)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.JobID, &item.SenderID, &item.ReceiverID, &item.Text, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
