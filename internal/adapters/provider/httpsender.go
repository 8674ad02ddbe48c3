// Package provider implements message delivery against external provider
// HTTP APIs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/domain/retry"
	"github.com/prospectly/courier/internal/service"
)

const maxResponseBodyBytes = 4 * 1024 // 4KB to avoid logging excessively large payloads

// TokenFunc fetches a fresh access token for a provider when none is cached.
type TokenFunc func(ctx context.Context, provider string) (*oauth2.Token, error)

// HTTPSenderOptions configures an HTTPSender.
type HTTPSenderOptions struct {
	// Endpoints maps provider name to its message endpoint URL. Required.
	Endpoints map[string]string

	HTTPClient *http.Client
	Logger     *slog.Logger

	// Credentials caches provider access tokens between sends. Optional;
	// without it every send calls TokenFunc.
	Credentials *service.CredentialService
	// TokenFunc mints a token on a credential cache miss. Optional; without
	// it requests go out unauthenticated.
	TokenFunc TokenFunc
	// Subject identifies the sending account within each provider.
	// Defaults to "default".
	Subject string
}

// HTTPSender delivers messages by POSTing JSON to the provider's endpoint.
// Failures are classified by status code: 4xx responses are permanent
// (except 408 and 429), everything else is worth retrying.
type HTTPSender struct {
	endpoints   map[string]string
	http        *http.Client
	logger      *slog.Logger
	credentials *service.CredentialService
	tokenFunc   TokenFunc
	subject     string
}

// NewHTTPSender constructs an HTTPSender.
func NewHTTPSender(opts HTTPSenderOptions) (*HTTPSender, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("at least one provider endpoint is required")
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	subject := opts.Subject
	if subject == "" {
		subject = "default"
	}

	return &HTTPSender{
		endpoints:   opts.Endpoints,
		http:        hc,
		logger:      logger.With("component", "http_sender"),
		credentials: opts.Credentials,
		tokenFunc:   opts.TokenFunc,
		subject:     subject,
	}, nil
}

// outboundMessage is the wire shape posted to provider endpoints.
type outboundMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	Channel string `json:"channel"`
}

// Send implements core.Sender.
func (s *HTTPSender) Send(ctx context.Context, req core.SendRequest) error {
	endpoint, ok := s.endpoints[req.Provider]
	if !ok {
		return retry.Permanent(fmt.Errorf("unknown provider: %s", req.Provider))
	}

	body, err := json.Marshal(outboundMessage{
		To:      req.To,
		Subject: req.Subject,
		Body:    req.Body,
		Channel: string(req.Queue),
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode message: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytesReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := s.authorize(ctx, req.Provider, httpReq); err != nil {
		return err
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return retry.ClassifyStatus(0, fmt.Errorf("send request: %w", err))
	}

	respBody, truncated, readErr := readResponseBody(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		return fmt.Errorf("read response body: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.WarnContext(ctx, "provider rejected send",
			"provider", req.Provider,
			"status", resp.StatusCode,
			"body", respBody,
			"body_truncated", truncated,
		)
		if resp.StatusCode == http.StatusUnauthorized {
			s.dropCachedToken(ctx, req.Provider)
		}
		return retry.ClassifyStatus(resp.StatusCode,
			fmt.Errorf("provider %s returned status %d", req.Provider, resp.StatusCode))
	}

	return nil
}

// authorize attaches a bearer token to the request. Tokens come from the
// credential cache when present; otherwise TokenFunc mints one and the result
// is cached for subsequent sends.
func (s *HTTPSender) authorize(ctx context.Context, provider string, req *http.Request) error {
	if s.credentials == nil && s.tokenFunc == nil {
		return nil
	}

	var token *oauth2.Token
	if s.credentials != nil {
		cached, err := s.credentials.Get(ctx, provider, s.subject)
		if err != nil {
			// Cache trouble should not block the send path.
			s.logger.WarnContext(ctx, "credential cache lookup failed", "provider", provider, "error", err)
		} else {
			token = cached
		}
	}

	if token == nil {
		if s.tokenFunc == nil {
			return retry.Transient(fmt.Errorf("no cached credential for provider %s", provider))
		}
		minted, err := s.tokenFunc(ctx, provider)
		if err != nil {
			return retry.Transient(fmt.Errorf("mint token for provider %s: %w", provider, err))
		}
		token = minted

		if s.credentials != nil {
			if err := s.credentials.Set(ctx, provider, s.subject, token); err != nil {
				s.logger.WarnContext(ctx, "credential cache store failed", "provider", provider, "error", err)
			}
		}
	}

	token.SetAuthHeader(req)
	return nil
}

func (s *HTTPSender) dropCachedToken(ctx context.Context, provider string) {
	if s.credentials == nil {
		return
	}
	if err := s.credentials.Delete(ctx, provider, s.subject); err != nil {
		s.logger.WarnContext(ctx, "failed to drop rejected credential", "provider", provider, "error", err)
	}
}

// bytesReader returns an io.Reader for b, or nil if b is empty.
func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}

func readResponseBody(body io.Reader) (string, bool, error) {
	if body == nil {
		return "", false, nil
	}
	limited := io.LimitReader(body, maxResponseBodyBytes+1)
	data, readErr := io.ReadAll(limited)
	truncated := len(data) > maxResponseBodyBytes
	if truncated {
		data = data[:maxResponseBodyBytes]
		if _, drainErr := io.Copy(io.Discard, body); drainErr != nil && readErr == nil {
			readErr = drainErr
		}
	}
	return strings.ToValidUTF8(string(data), ""), truncated, readErr
}
