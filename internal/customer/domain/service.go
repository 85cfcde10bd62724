package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service maps marketplace users to processor customers.
type Service interface {
	// Resolve returns the user's processor customer id, creating the
	// customer upstream and recording it on the profile the first time.
	Resolve(ctx context.Context, userID snowflake.ID) (string, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user_id")
	ErrProcessorUnavailable = errors.New("processor_unavailable")
)
