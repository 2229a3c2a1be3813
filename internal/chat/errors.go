package chat

import "errors"

var (
	ErrUnauthenticated        = errors.New("not signed in")
	ErrForbidden              = errors.New("not a party to this conversation")
	ErrNotFound               = errors.New("not found")
	ErrNoAcceptedProfessional = errors.New("no accepted professional for this job")
	ErrInvalidMessage         = errors.New("message must contain between 1 and 4000 characters")
	ErrNotReady               = errors.New("conversation is not open")
	ErrSendInProgress         = errors.New("a message is already being sent")
)
