package model

import "errors"

// DirectMessagePayload is the payload for direct-message jobs.
type DirectMessagePayload struct {
	Provider string `json:"provider"`
	LeadID   string `json:"lead_id"`
	Body     string `json:"body"`
}

// Validate checks the payload carries enough to address a send.
func (p *DirectMessagePayload) Validate() error {
	if p.Provider == "" {
		return errors.New("provider is required")
	}
	if p.LeadID == "" {
		return errors.New("lead_id is required")
	}
	if p.Body == "" {
		return errors.New("body is required")
	}
	return nil
}

// EmailPayload is the payload for transactional-email jobs.
type EmailPayload struct {
	Provider string `json:"provider"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// Validate checks the payload carries enough to address a send.
func (p *EmailPayload) Validate() error {
	if p.Provider == "" {
		return errors.New("provider is required")
	}
	if p.To == "" {
		return errors.New("to is required")
	}
	if p.Subject == "" {
		return errors.New("subject is required")
	}
	return nil
}

// CampaignPayload is the payload for bulk-campaign jobs. A single job fans
// out to every recipient, pacing sends so one campaign cannot starve the
// shared channel budget.
type CampaignPayload struct {
	CampaignID string   `json:"campaign_id"`
	Provider   string   `json:"provider"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body"`
}

// Validate checks the payload carries enough to address a fan-out.
func (p *CampaignPayload) Validate() error {
	if p.CampaignID == "" {
		return errors.New("campaign_id is required")
	}
	if p.Provider == "" {
		return errors.New("provider is required")
	}
	if len(p.Recipients) == 0 {
		return errors.New("recipients is required")
	}
	if p.Body == "" {
		return errors.New("body is required")
	}
	return nil
}
