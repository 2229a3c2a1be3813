package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"herfa/api/internal/auth"
	"herfa/api/internal/authpw"
	"herfa/api/internal/chat"
	"herfa/api/internal/config"
	"herfa/api/internal/email"
	"herfa/api/internal/rbac"
	"herfa/api/internal/realtime"
	"herfa/api/internal/search"
	"herfa/api/internal/session"
	"herfa/api/internal/storage"
	"herfa/api/internal/store"
	"herfa/api/internal/util"
)

// Session is an authenticated principal as seen by handlers.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	FullName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	CreateAccount(context.Context, store.User, store.Profile) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetProfile(context.Context, string) (store.Profile, error)
	ListProfilesByIDs(context.Context, []string) ([]store.Profile, error)
	UpdateProfile(context.Context, string, store.ProfileUpdate) (store.Profile, error)
	SetAvatarURL(context.Context, string, string) error
	InsertJob(context.Context, store.Job) (store.Job, error)
	GetJob(context.Context, string) (store.Job, error)
	ListJobs(context.Context, store.JobFilter) ([]store.Job, error)
	ListJobsByOwner(context.Context, string) ([]store.Job, error)
	InsertApplication(context.Context, store.Application) (store.Application, error)
	GetApplication(context.Context, string) (store.Application, error)
	FindApplication(context.Context, string, string, string) (*store.Application, error)
	FirstAcceptedApplication(context.Context, string) (*store.Application, error)
	ListApplicationsForJob(context.Context, string) ([]store.ApplicationWithProfile, error)
	ListApplicationsByApplicant(context.Context, string) ([]store.ApplicationWithJob, error)
	AcceptApplication(context.Context, string) (store.Application, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string, string, time.Time) ([]store.Message, error)
	GetMessage(context.Context, string, string) (store.Message, error)
}

// SessionStore keeps refresh tokens and revoked access tokens. Both
// store.PostgresStore and session.RedisStore implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type avatarStore interface {
	Upload(ctx context.Context, userID string, r io.Reader, size int64) (string, error)
	Remove(ctx context.Context, url string) error
	MaxBytes() int64
}

type notifier interface {
	IsConfigured() bool
	SendNewApplication(to string, data email.NewApplicationData) error
	SendApplicationAccepted(to string, data email.AcceptedData) error
}

// Options carries the optional collaborators of the service. Nil fields fall
// back to Postgres sessions, an in-process broker and disabled features.
type Options struct {
	Sessions SessionStore
	Search   *search.Service
	Avatars  *storage.Avatars
	Mailer   *email.Service
	// Feed delivers chat inserts to open threads. Publisher is set when the
	// API itself publishes inserts instead of the database trigger.
	Feed      realtime.Subscriber
	Publisher realtime.Publisher
	Logger    *slog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	accounts *authpw.Service
	search   *search.Service
	avatars  avatarStore
	mailer   notifier
	access   *chat.Resolver
	messages *chat.Messages
	feed     *chat.Feed
	logger   *slog.Logger

	notifications sync.WaitGroup
}

func New(cfg config.Config, dataStore *store.PostgresStore, opts Options) *Service {
	return newService(cfg, dataStore, opts)
}

func newService(cfg config.Config, st dataStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Feed == nil {
		broker := realtime.NewLocalBroker(logger)
		opts.Feed = broker
		if opts.Publisher == nil {
			opts.Publisher = broker
		}
	}

	messages := chat.NewMessages(st, logger)
	if opts.Publisher != nil {
		messages = messages.WithPublisher(opts.Publisher)
	}

	svc := &Service{
		cfg:      cfg,
		store:    st,
		sessions: opts.Sessions,
		accounts: authpw.NewService(st),
		search:   opts.Search,
		access:   chat.NewResolver(st, logger),
		messages: messages,
		feed:     chat.NewFeed(opts.Feed, messages, logger),
		logger:   logger,
	}
	if svc.sessions == nil {
		if fallback, ok := st.(SessionStore); ok {
			svc.sessions = fallback
		}
	}
	if svc.search == nil {
		svc.search = search.NewService(nil, nil, logger)
	}
	if opts.Avatars != nil {
		svc.avatars = opts.Avatars
	}
	if opts.Mailer != nil && opts.Mailer.IsConfigured() {
		svc.mailer = opts.Mailer
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until pending notifications and index writes finish.
func (s *Service) Wait() {
	s.notifications.Wait()
	s.search.Wait()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	account, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	s.search.SyncProfile(account.Profile)
	return s.issueSession(ctx, account.Profile)
}

func (s *Service) SignIn(ctx context.Context, emailAddress, password string) (Session, error) {
	account, err := s.accounts.SignIn(ctx, emailAddress, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account.Profile)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// access/refresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, errUnauthenticated
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, session.ErrNotFound) {
			return Session{}, errUnauthenticated
		}
		return Session{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return Session{}, fmt.Errorf("load profile: %w", err)
	}
	if profile.Banned {
		return Session{}, authpw.ErrBanned
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) issueSession(ctx context.Context, profile store.Profile) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  profile.ID,
		Role: profile.Role,
		JTI:  jti,
		Exp:  expiresAt,
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID() + util.NewID()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), profile.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       profile.ID,
		FullName:     profile.FullName,
		Role:         profile.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken verifies an access token and loads its principal. Revoked
// tokens and banned accounts are rejected.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check revoked token: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	profile, err := s.store.GetProfile(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, fmt.Errorf("load profile: %w", err)
	}
	if profile.Banned {
		return Session{}, authpw.ErrBanned
	}

	return Session{
		Token:     token,
		UserID:    profile.ID,
		FullName:  profile.FullName,
		Role:      profile.Role,
		JTI:       claims.JTI,
		ExpiresAt: claims.Exp,
	}, nil
}

func (s *Service) Logout(ctx context.Context, current Session, refreshToken string) error {
	if current.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, current.JTI, current.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", slog.String("user_id", current.UserID), slog.Any("err", err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", slog.String("user_id", current.UserID), slog.Any("err", err))
		}
	}
	return nil
}
