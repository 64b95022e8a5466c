package session

import (
	"context"

	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
)

// Diagnose runs a diagnosis with the session's credentials. The result is
// a pending scan; nothing is stored until SaveScan.
func (s *Session) Diagnose(ctx context.Context, img capture.Image) (models.Scan, error) {
	token, deviceID, _ := s.credentials()
	if deviceID == "" {
		deviceID = s.ensureDeviceID(ctx)
	}

	d, err := s.analyzer.Diagnose(ctx, img, token, deviceID)
	if err != nil {
		s.noteAuthFailure(ctx, err)
		return models.Scan{}, err
	}
	scan := models.NewPendingScan(models.ModeDiagnosis, img.Ref, s.opts.now())
	scan.ApplyDiagnosis(d)
	return scan, nil
}

// Identify runs an identification. Identification is not counted against
// the free limit.
func (s *Session) Identify(ctx context.Context, img capture.Image) (models.Scan, error) {
	token, deviceID, _ := s.credentials()
	if deviceID == "" {
		deviceID = s.ensureDeviceID(ctx)
	}

	id, err := s.analyzer.Identify(ctx, img, token, deviceID)
	if err != nil {
		s.noteAuthFailure(ctx, err)
		return models.Scan{}, err
	}
	scan := models.NewPendingScan(models.ModeIdentification, img.Ref, s.opts.now())
	scan.ApplyIdentification(id)
	return scan, nil
}

// Analyze dispatches on mode.
func (s *Session) Analyze(ctx context.Context, mode models.Mode, img capture.Image) (models.Scan, error) {
	if mode == models.ModeIdentification {
		return s.Identify(ctx, img)
	}
	return s.Diagnose(ctx, img)
}
