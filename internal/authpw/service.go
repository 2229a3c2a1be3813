// Package authpw provides email/password accounts.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"herfa/api/internal/store"
	"herfa/api/internal/util"
)

const minPasswordLength = 8

var (
	ErrInvalidInput       = errors.New("invalid sign up")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrBanned             = errors.New("account is banned")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateAccount(ctx context.Context, user store.User, profile store.Profile) error
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
}

type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	FullName    string
	Role        string
	City        string
	Category    string
	PhoneNumber string
}

// Account is a user with its profile.
type Account struct {
	User    store.User
	Profile store.Profile
}

// SignUp creates a user and its profile. Only client and handyman roles can
// be chosen at sign up.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (Account, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || req.Password == "" || fullName == "" {
		return Account{}, fmt.Errorf("%w: email, password, and full name are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Account{}, fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return Account{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	role := req.Role
	if role == "" {
		role = store.RoleClient
	}
	if role != store.RoleClient && role != store.RoleHandyman {
		return Account{}, fmt.Errorf("%w: role must be client or handyman", ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: string(hash),
	}
	profile := store.Profile{
		ID:          user.ID,
		FullName:    fullName,
		City:        strings.TrimSpace(req.City),
		Category:    strings.TrimSpace(req.Category),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Role:        role,
	}
	if err := s.store.CreateAccount(ctx, user, profile); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Account{}, ErrEmailTaken
		}
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return Account{User: user, Profile: profile}, nil
}

// SignIn checks credentials. Unknown emails and wrong passwords are
// indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (Account, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Account{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}

	profile, err := s.store.GetProfile(ctx, user.ID)
	if err != nil {
		return Account{}, fmt.Errorf("load profile: %w", err)
	}
	if profile.Banned {
		return Account{}, ErrBanned
	}
	return Account{User: user, Profile: profile}, nil
}
