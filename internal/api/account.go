package api

import (
	"context"
	"net/http"
	"strings"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/models"
)

// DeviceSession gets or creates the usage record for deviceID.
func (c *Client) DeviceSession(ctx context.Context, token, deviceID string) (models.RemoteSession, error) {
	var out models.RemoteSession
	err := c.doJSON(ctx, call{
		op:      "device session",
		flow:    flowFor(token),
		method:  http.MethodPost,
		path:    "/users/device",
		token:   token,
		timeout: c.timeouts.Metadata,
	}, map[string]string{"device_id": deviceID}, &out)
	return out, err
}

// UpdateScanCount pushes the local diagnosis counter.
func (c *Client) UpdateScanCount(ctx context.Context, token, deviceID string, count int) error {
	return c.doJSON(ctx, call{
		op:      "update scan count",
		flow:    flowFor(token),
		method:  http.MethodPost,
		path:    "/users/scan-count",
		token:   token,
		timeout: c.timeouts.Metadata,
	}, map[string]any{"device_id": deviceID, "scan_count": count}, nil)
}

type outcomeBody struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Upgrade marks the account premium after a confirmed purchase.
func (c *Client) Upgrade(ctx context.Context, token, deviceID string, plan models.Plan) (models.Outcome, error) {
	return c.outcome(ctx, call{
		op:      "upgrade",
		flow:    flowFor(token),
		method:  http.MethodPost,
		path:    "/users/upgrade",
		token:   token,
		timeout: c.timeouts.Upgrade,
	}, map[string]string{"device_id": deviceID, "plan": string(plan)}, "Upgraded to Pro")
}

// RedeemCoupon applies a coupon. An "already premium" answer counts as
// success so callers can reconcile their local pro flag.
func (c *Client) RedeemCoupon(ctx context.Context, token, deviceID, code string) (models.Outcome, error) {
	return c.outcome(ctx, call{
		op:      "redeem coupon",
		flow:    flowFor(token),
		method:  http.MethodPost,
		path:    "/users/redeem-coupon",
		token:   token,
		timeout: c.timeouts.Upgrade,
	}, map[string]string{"device_id": deviceID, "coupon_code": strings.TrimSpace(code)}, "Coupon redeemed successfully!")
}

// outcome runs an upgrade-style call. A 2xx with success=false is a
// non-error failed Outcome; "already premium" in any answer is a success.
func (c *Client) outcome(ctx context.Context, cl call, in any, okMessage string) (models.Outcome, error) {
	var out outcomeBody
	if err := c.doJSON(ctx, cl, in, &out); err != nil {
		if e, ok := apierr.As(err); ok && isAlreadyPremium(e.Detail) {
			return alreadyPremiumOutcome(), nil
		}
		return models.Outcome{}, err
	}

	msg := out.Message
	if msg == "" {
		msg = out.Detail
	}
	if out.Success != nil && !*out.Success {
		if isAlreadyPremium(msg) {
			return alreadyPremiumOutcome(), nil
		}
		return models.Outcome{Success: false, Message: msg}, nil
	}
	if msg == "" {
		msg = okMessage
	}
	return models.Outcome{Success: true, Message: msg}, nil
}

func alreadyPremiumOutcome() models.Outcome {
	return models.Outcome{Success: true, Message: "Account is already premium", AlreadyPremium: true}
}

func isAlreadyPremium(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already premium")
}
