package core

import (
	"context"

	"github.com/prospectly/courier/internal/domain/model"
)

// SendRequest describes one outbound message addressed to a single recipient.
// Campaign fan-out produces one SendRequest per recipient.
type SendRequest struct {
	Provider string
	Queue    model.Queue
	To       string
	Subject  string
	Body     string
}

// Sender delivers one message to its provider. Implementations classify
// failures as transient or permanent so the retry policy can decide whether
// the job runs again.
type Sender interface {
	Send(ctx context.Context, req SendRequest) error
}
