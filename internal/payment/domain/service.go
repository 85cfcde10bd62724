package domain

import (
	"context"
	"errors"
	"net/http"
)

// Service ingests raw processor webhooks.
type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

// Adapter verifies and decodes one processor's webhook deliveries.
type Adapter interface {
	Provider() string
	// Construct checks the signature and maps the payload onto Event.
	// Deliveries outside the routed set return ErrEventIgnored.
	Construct(ctx context.Context, payload []byte, headers http.Header) (Event, error)
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrEventInFlight         = errors.New("event_in_flight")
)
