package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/models"
)

type registerBody struct {
	models.RegisterRequest
	DeviceID string `json:"device_id,omitempty"`
	Platform string `json:"platform"`
}

// Register creates an account and returns its access token.
func (c *Client) Register(ctx context.Context, req models.RegisterRequest, deviceID string) (models.AuthResult, error) {
	const op = "register"
	if err := c.validate.Struct(req); err != nil {
		return models.AuthResult{}, fmt.Errorf("invalid registration: %w", err)
	}

	var out models.AuthResult
	err := c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowLogin,
		method:  http.MethodPost,
		path:    "/auth/register",
		timeout: c.timeouts.Auth,
	}, registerBody{RegisterRequest: req, DeviceID: deviceID, Platform: runtime.GOOS}, &out)
	if err != nil {
		return models.AuthResult{}, err
	}
	if out.Token == "" {
		return models.AuthResult{}, apierr.InvalidResponse(op, errors.New("missing access token"))
	}
	return out, nil
}

// Login exchanges credentials for an access token. A 401 here means bad
// credentials, not an expired session.
func (c *Client) Login(ctx context.Context, creds models.Credentials) (models.AuthResult, error) {
	const op = "login"
	if err := c.validate.Struct(creds); err != nil {
		return models.AuthResult{}, fmt.Errorf("invalid credentials: %w", err)
	}

	var out models.AuthResult
	err := c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowLogin,
		method:  http.MethodPost,
		path:    "/auth/login",
		timeout: c.timeouts.Auth,
	}, creds, &out)
	if err != nil {
		return models.AuthResult{}, err
	}
	if out.Token == "" {
		return models.AuthResult{}, apierr.InvalidResponse(op, errors.New("missing access token"))
	}
	return out, nil
}

// Logout tells the backend to drop the token.
func (c *Client) Logout(ctx context.Context, token string) error {
	const op = "logout"
	if err := requireToken(op, token); err != nil {
		return err
	}
	return c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowSession,
		method:  http.MethodPost,
		path:    "/auth/logout",
		token:   token,
		timeout: c.timeouts.Metadata,
	}, nil, nil)
}

// DeleteAccount removes the account and everything stored for it.
func (c *Client) DeleteAccount(ctx context.Context, token string) error {
	const op = "delete account"
	if err := requireToken(op, token); err != nil {
		return err
	}
	return c.doJSON(ctx, call{
		op:      op,
		flow:    apierr.FlowSession,
		method:  http.MethodDelete,
		path:    "/users/me",
		token:   token,
		timeout: c.timeouts.Auth,
	}, nil, nil)
}
