package session

import (
	"context"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/models"
)

// Upgrade buys plan for the signed-in account. A successful outcome turns
// pro on immediately, before the next reconciliation.
func (s *Session) Upgrade(ctx context.Context, plan models.Plan) (models.Outcome, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	token, deviceID, _ := s.credentials()
	if token == "" {
		return models.Outcome{}, ErrNotAuthenticated
	}
	out, err := s.remote.Upgrade(ctx, token, deviceID, plan)
	if err != nil {
		s.noteAuthFailure(ctx, err)
		return out, err
	}
	if out.Success {
		s.setPro(ctx)
		s.logger.Infow("Account upgraded", "plan", plan, "already_premium", out.AlreadyPremium)
	}
	return out, nil
}

// RedeemCoupon applies a coupon code. "Already premium" counts as success.
func (s *Session) RedeemCoupon(ctx context.Context, code string) (models.Outcome, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	token, deviceID, _ := s.credentials()
	if token == "" {
		return models.Outcome{}, ErrNotAuthenticated
	}
	out, err := s.remote.RedeemCoupon(ctx, token, deviceID, code)
	if err != nil {
		s.noteAuthFailure(ctx, err)
		return out, err
	}
	if out.Success {
		s.setPro(ctx)
		s.logger.Infow("Coupon redeemed", "already_premium", out.AlreadyPremium)
	}
	return out, nil
}

// ConfirmPro records a purchase confirmed out of band, e.g. by a payment
// webhook.
func (s *Session) ConfirmPro(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.setPro(ctx)
}

// DeleteAccount removes the account on the backend and signs out. A 401
// still signs out locally: the account is gone or the token is.
func (s *Session) DeleteAccount(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	token := s.Token()
	if token == "" {
		return ErrNotAuthenticated
	}
	if err := s.remote.DeleteAccount(ctx, token); err != nil {
		if apierr.IsSessionExpired(err) {
			_ = s.teardown(ctx, false)
		}
		return err
	}
	return s.teardown(ctx, false)
}

func (s *Session) setPro(ctx context.Context) {
	s.mu.Lock()
	s.isPro = true
	s.profile.IsPremium = true
	s.mu.Unlock()

	if err := s.local.SetPro(ctx, true); err != nil {
		s.logger.Warnw("Failed to persist pro flag", "error", err)
	}
	premium := true
	if _, err := s.local.SetProfile(ctx, models.ProfileUpdate{IsPremium: &premium}); err != nil {
		s.logger.Warnw("Failed to persist premium profile", "error", err)
	}
}
