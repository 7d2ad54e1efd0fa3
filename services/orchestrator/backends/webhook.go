// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianAccess/pkg/secure"
	"golang.org/x/time/rate"
)

// DefaultWebhookTimeout bounds a single webhook call.
const DefaultWebhookTimeout = 15 * time.Second

// maxResponseBytes caps how much of a webhook response is read.
const maxResponseBytes = 1 << 20

// WebhookConfig configures a WebhookClient.
type WebhookConfig struct {
	// TicketURL receives POSTed Ticket documents. Empty disables ticketing.
	TicketURL string

	// ProvisionURL receives POSTed Grant documents. Empty disables provisioning.
	ProvisionURL string

	// Token, when set, is sent as a bearer token.
	Token *secure.Token

	// RequestsPerSecond limits outbound calls. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst. Defaults to 1.
	Burst int

	// Timeout bounds each call. Defaults to DefaultWebhookTimeout.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// WebhookClient dispatches tickets and grants as JSON POSTs to
// workspace-configured endpoints.
//
// # Description
//
// Each request carries an Idempotency-Key header taken from the Ticket or
// Grant. A 2xx response must decode as {"id": "...", "url": "..."}.
// Transport failures and non-2xx statuses are returned wrapped so they
// match domain.ErrTicket or domain.ErrProvisioning.
//
// # Thread Safety
//
// WebhookClient is safe for concurrent use.
type WebhookClient struct {
	cfg     WebhookConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhookClient builds a WebhookClient.
func NewWebhookClient(cfg WebhookConfig) *WebhookClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &WebhookClient{cfg: cfg, http: httpClient, logger: logger.With("backend", "webhook")}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return c
}

type webhookReceipt struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// OpenTicket implements TicketDispatcher.
func (c *WebhookClient) OpenTicket(ctx context.Context, ticket Ticket) (*TicketReceipt, error) {
	if c.cfg.TicketURL == "" {
		return nil, TicketFailure(errors.New("ticket webhook not configured"))
	}
	r, err := c.post(ctx, c.cfg.TicketURL, ticket.IdempotencyKey, ticket)
	if err != nil {
		return nil, TicketFailure(err)
	}
	return &TicketReceipt{ID: r.ID, URL: r.URL}, nil
}

// Grant implements Provisioner.
func (c *WebhookClient) Grant(ctx context.Context, grant Grant) (*GrantReceipt, error) {
	if c.cfg.ProvisionURL == "" {
		return nil, ProvisioningFailure(errors.New("provisioning webhook not configured"))
	}
	r, err := c.post(ctx, c.cfg.ProvisionURL, grant.IdempotencyKey, grant)
	if err != nil {
		return nil, ProvisioningFailure(err)
	}
	return &GrantReceipt{ID: r.ID}, nil
}

func (c *WebhookClient) post(ctx context.Context, url, idempotencyKey string, payload any) (*webhookReceipt, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.cfg.Token != nil {
		if err := c.cfg.Token.Use(func(secret []byte) error {
			req.Header.Set("Authorization", "Bearer "+string(secret))
			return nil
		}); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("webhook call",
		"url", url,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook %s returned %d: %s", url, resp.StatusCode, truncate(string(raw), 200))
	}

	var out webhookReceipt
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.ID == "" {
		return nil, errors.New("webhook response missing id")
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ TicketDispatcher = (*WebhookClient)(nil)
	_ Provisioner      = (*WebhookClient)(nil)
)
