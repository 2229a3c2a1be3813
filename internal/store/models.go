package store

import "time"

const (
	RoleClient   = "client"
	RoleHandyman = "handyman"
	RoleAdmin    = "admin"
)

const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Profile is the public side of an account. Its ID equals the user ID.
type Profile struct {
	ID          string
	FullName    string
	City        string
	Category    string
	AvatarURL   string
	Bio         string
	PhoneNumber string
	Role        string
	Banned      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ProfileUpdate struct {
	FullName    string
	City        string
	Category    string
	Bio         string
	PhoneNumber string
}

type Job struct {
	ID          string
	Title       string
	Description string
	City        string
	Category    string
	Budget      float64
	OwnerID     string
	CreatedAt   time.Time
}

type JobFilter struct {
	City     string
	Category string
	Limit    int
	Offset   int
}

type Application struct {
	ID             string
	JobID          string
	ApplicantID    string
	Message        string
	ProposedBudget float64
	Status         string
	CreatedAt      time.Time
}

// ApplicationWithProfile is an application joined with its applicant, as
// shown to the job owner.
type ApplicationWithProfile struct {
	Application
	Applicant Profile
}

// ApplicationWithJob is an application joined with its job, as shown on the
// applicant's dashboard.
type ApplicationWithJob struct {
	Application
	Job Job
}

// Message is a raw chat row. Sender display data is attached by the chat
// package, never stored.
type Message struct {
	ID         string
	JobID      string
	SenderID   string
	ReceiverID string
	Text       string
	CreatedAt  time.Time
}
