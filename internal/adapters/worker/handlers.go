package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/domain/retry"
)

// handleDirectMessageJob delivers a one-off direct message. The payload
// addresses a lead by ID; the lead's email is resolved at send time so a
// message enqueued before a contact update still reaches the current address.
func (r *Runner) handleDirectMessageJob(ctx context.Context, job *model.Job) error {
	var payload model.DirectMessagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.Permanent(fmt.Errorf("decode direct-message payload: %w", err))
	}
	if err := payload.Validate(); err != nil {
		return retry.Permanent(err)
	}

	if r.leads == nil {
		return errors.New("lead repository not configured")
	}
	lead, err := r.leads.GetByID(ctx, payload.LeadID)
	if err != nil {
		if errors.Is(err, data.ErrLeadNotFound) {
			return retry.Permanent(fmt.Errorf("lead %s: %w", payload.LeadID, err))
		}
		return fmt.Errorf("resolve lead %s: %w", payload.LeadID, err)
	}

	if err := r.reserveBudget(ctx); err != nil {
		return err
	}

	return r.sender.Send(ctx, core.SendRequest{
		Provider: payload.Provider,
		Queue:    job.Queue,
		To:       lead.Email,
		Body:     payload.Body,
	})
}

// handleEmailJob delivers a single transactional email.
func (r *Runner) handleEmailJob(ctx context.Context, job *model.Job) error {
	var payload model.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.Permanent(fmt.Errorf("decode transactional-email payload: %w", err))
	}
	if err := payload.Validate(); err != nil {
		return retry.Permanent(err)
	}

	if err := r.reserveBudget(ctx); err != nil {
		return err
	}

	return r.sender.Send(ctx, core.SendRequest{
		Provider: payload.Provider,
		Queue:    job.Queue,
		To:       payload.To,
		Subject:  payload.Subject,
		Body:     payload.Body,
	})
}

// handleCampaignJob fans a campaign out to every recipient inside one job.
// Sends are paced so a large campaign cannot monopolize the shared channel
// budget, and the lease is extended between sends so the fan-out can outlive
// a single lease window without being reaped as stalled.
func (r *Runner) handleCampaignJob(ctx context.Context, job *model.Job) error {
	var payload model.CampaignPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.Permanent(fmt.Errorf("decode bulk-campaign payload: %w", err))
	}
	if err := payload.Validate(); err != nil {
		return retry.Permanent(err)
	}

	limiter := rate.NewLimiter(rate.Limit(r.campaignRate), r.campaignBurst)
	lastHeartbeat := time.Now()

	for i, recipient := range payload.Recipients {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("campaign pacing: %w", err)
		}

		if time.Since(lastHeartbeat) >= r.heartbeatInterval {
			if err := r.extendLease(ctx, job); err != nil {
				return err
			}
			lastHeartbeat = time.Now()
		}

		if err := r.reserveBudget(ctx); err != nil {
			return fmt.Errorf("campaign %s recipient %d/%d: %w",
				payload.CampaignID, i+1, len(payload.Recipients), err)
		}

		if err := r.sender.Send(ctx, core.SendRequest{
			Provider: payload.Provider,
			Queue:    job.Queue,
			To:       recipient,
			Subject:  payload.Subject,
			Body:     payload.Body,
		}); err != nil {
			// A retried campaign restarts from the first recipient.
			// Duplicate sends are acceptable; lost sends are not.
			return fmt.Errorf("campaign %s recipient %d/%d: %w",
				payload.CampaignID, i+1, len(payload.Recipients), err)
		}
	}

	r.logger.InfoContext(ctx, "campaign fan-out complete",
		"campaign_id", payload.CampaignID,
		"recipients", len(payload.Recipients),
	)
	return nil
}

// extendLease renews the job's lease mid fan-out. Losing the lease means
// another worker may already own the job, so the send loop stops.
func (r *Runner) extendLease(ctx context.Context, job *model.Job) error {
	extended, err := r.jobs.Heartbeat(ctx, job.ID, r.lease)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if !extended {
		return retry.Transient(errors.New("lease lost during fan-out"))
	}
	return nil
}
