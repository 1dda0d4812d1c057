package cdr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// Registration is a webhook registration of a system
type Registration struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	CallbackURL   string   `json:"callback_url"`
	WebhookSecret string   `json:"webhook_secret,omitempty"`
	Events        []string `json:"events"`
}

// Registrations lists the registrations of the token's user
func (c *Client) Registrations(ctx context.Context) ([]Registration, error) {
	var regs []Registration
	if err := c.doJSON(ctx, http.MethodGet, pathRegistrations, nil, &regs); err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	return regs, nil
}

// Register subscribes callbackURL to every event and returns the registration id
func (c *Client) Register(ctx context.Context, callbackURL string) (string, error) {
	reg := Registration{
		Name:          c.cfg.SystemName,
		Version:       c.cfg.SystemVersion,
		CallbackURL:   callbackURL,
		WebhookSecret: c.cfg.CallbackSecret,
		Events:        []string{}, // empty subscribes to all events
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, pathRegister, reg, &resp); err != nil {
		return "", fmt.Errorf("failed to register system %s: %w", c.cfg.SystemName, err)
	}

	c.logger.Info("System registered",
		slog.String("system", c.cfg.SystemName),
		slog.String("registration_id", resp.ID),
		slog.String("callback_url", callbackURL),
	)
	return resp.ID, nil
}

// Unregister deletes a registration
func (c *Client) Unregister(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, pathRegister+"/"+id, nil, nil); err != nil {
		return fmt.Errorf("failed to unregister %s: %w", id, err)
	}
	c.logger.Info("System unregistered", slog.String("registration_id", id))
	return nil
}

// Startup removes stale registrations under the system name and registers
// callbackURL
func (c *Client) Startup(ctx context.Context, callbackURL string) (string, error) {
	regs, err := c.Registrations(ctx)
	if err != nil {
		return "", err
	}

	for _, r := range regs {
		if r.Name != c.cfg.SystemName {
			continue
		}
		if err := c.Unregister(ctx, r.ID); err != nil {
			c.logger.Warn("Failed to remove stale registration",
				slog.String("registration_id", r.ID),
				slog.Any("error", err),
			)
		}
	}

	return c.Register(ctx, callbackURL)
}
