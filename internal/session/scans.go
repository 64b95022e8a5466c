package session

import (
	"context"
	"fmt"

	"plant-doctor/internal/models"
)

// SaveResult describes what a save did.
type SaveResult struct {
	Scan models.Scan
	// Duplicate is set when the scan matched an existing history entry and
	// nothing was stored.
	Duplicate bool
	// Synced is set when the backend confirmed the scan.
	Synced bool
}

// SaveScan persists a freshly analyzed scan once. The backend is tried
// first so a confirmed id is what lands in local history; if it fails the
// scan is kept locally as pending. Only a local write failure is returned.
func (s *Session) SaveScan(ctx context.Context, scan models.Scan) (SaveResult, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if scan.Date.IsZero() {
		scan.Date = s.opts.now()
	}
	if scan.ID.IsZero() {
		scan.ID = models.ProvisionalID(scan.Date.UnixMilli())
	}
	if !scan.Mode.Valid() {
		scan.Mode = models.ModeDiagnosis
	}

	deviceID := s.ensureDeviceID(ctx)
	token, _, owner := s.credentials()
	if owner == "" {
		owner = s.ownerFor(deviceID)
	}

	created, synced := s.createRemote(ctx, token, deviceID, scan)
	if synced {
		scan.ID = models.RemoteID(created.ID)
		scan.PendingSync = false
	} else {
		scan.PendingSync = true
	}

	s.mu.RLock()
	for _, existing := range s.history {
		if scan.IsDuplicateOf(existing, s.opts.duplicateWindow) {
			s.mu.RUnlock()
			s.logger.Infow("Skipping duplicate scan", "id", scan.ID.String(), "existing", existing.ID.String(), "label", scan.Label())
			s.opts.recorder.RecordSave("duplicate")
			return SaveResult{Scan: existing, Duplicate: true, Synced: synced}, nil
		}
	}
	s.mu.RUnlock()

	scan.UserID = owner

	// memory only changes once the write has landed, so a failed save can
	// be retried without looking like a duplicate
	s.mu.RLock()
	history := append([]models.Scan{scan}, s.history...)
	s.mu.RUnlock()

	if err := s.local.SaveHistory(ctx, history); err != nil {
		s.opts.recorder.RecordSave("failed")
		return SaveResult{Scan: scan, Synced: synced}, fmt.Errorf("failed to store scan locally: %w", err)
	}

	s.mu.Lock()
	s.history = history
	s.mu.Unlock()

	if scan.Mode == models.ModeDiagnosis {
		s.countDiagnosis(ctx, token, deviceID)
	}

	if created.IsPremium != nil && *created.IsPremium {
		s.setPro(ctx)
	}

	s.mu.Lock()
	sc := scan
	s.current = &sc
	s.mu.Unlock()

	if synced {
		s.opts.recorder.RecordSave("synced")
	} else {
		s.opts.recorder.RecordSave("pending")
	}
	s.logger.Infow("Scan saved", "id", scan.ID.String(), "mode", scan.Mode, "pending", scan.PendingSync)
	return SaveResult{Scan: scan, Synced: synced}, nil
}

func (s *Session) createRemote(ctx context.Context, token, deviceID string, scan models.Scan) (models.CreatedScan, bool) {
	if token == "" {
		return models.CreatedScan{}, false
	}
	c, cancel := context.WithTimeout(ctx, s.opts.saveTimeout)
	defer cancel()

	created, err := s.remote.CreateScan(c, token, models.NewCreateScanRequest(deviceID, scan))
	if err != nil {
		s.logger.Infow("Remote save failed, keeping scan local", "error", err)
		s.noteAuthFailure(ctx, err)
		return models.CreatedScan{}, false
	}
	if created.ID <= 0 {
		s.logger.Warnw("Remote save returned no id", "id", created.ID)
		return created, false
	}
	return created, true
}

func (s *Session) countDiagnosis(ctx context.Context, token, deviceID string) {
	s.mu.Lock()
	s.scansUsed++
	used := s.scansUsed
	s.mu.Unlock()

	if err := s.local.SetScansUsed(ctx, used); err != nil {
		s.logger.Warnw("Failed to persist scan count", "error", err)
	}
	if token == "" {
		return
	}
	c, cancel := context.WithTimeout(ctx, s.opts.saveTimeout)
	defer cancel()
	if err := s.remote.UpdateScanCount(c, token, deviceID, used); err != nil {
		s.logger.Infow("Failed to push scan count", "error", err, "count", used)
		s.noteAuthFailure(ctx, err)
	}
}

// UpdateScanNotes edits notes locally, then on the backend when the scan
// has a backend id.
func (s *Session) UpdateScanNotes(ctx context.Context, id models.ScanID, notes string) (models.Scan, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.RUnlock()
		return models.Scan{}, ErrScanNotFound
	}
	history := append([]models.Scan(nil), s.history...)
	s.mu.RUnlock()

	history[idx].Notes = notes
	updated := history[idx]
	if err := s.local.SaveHistory(ctx, history); err != nil {
		return updated, fmt.Errorf("failed to store notes: %w", err)
	}

	s.mu.Lock()
	s.history = history
	if s.current != nil && s.current.ID == id {
		s.current.Notes = notes
	}
	s.mu.Unlock()

	if remoteID, ok := id.RemoteValue(); ok {
		token, _, _ := s.credentials()
		if token != "" {
			c, cancel := context.WithTimeout(ctx, s.opts.saveTimeout)
			if err := s.remote.UpdateScanNotes(c, token, remoteID, notes); err != nil {
				s.logger.Infow("Failed to sync notes", "id", remoteID, "error", err)
				s.noteAuthFailure(ctx, err)
			}
			cancel()
		}
	}
	return updated, nil
}

// DeleteScan removes a scan locally, then on the backend when the scan has
// a backend id.
func (s *Session) DeleteScan(ctx context.Context, id models.ScanID) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.RUnlock()
		return ErrScanNotFound
	}
	history := append(s.history[:idx:idx], s.history[idx+1:]...)
	s.mu.RUnlock()

	if err := s.local.SaveHistory(ctx, history); err != nil {
		return fmt.Errorf("failed to store deletion: %w", err)
	}

	s.mu.Lock()
	s.history = history
	if s.current != nil && s.current.ID == id {
		s.current = nil
	}
	s.mu.Unlock()

	if remoteID, ok := id.RemoteValue(); ok {
		token, _, _ := s.credentials()
		if token != "" {
			c, cancel := context.WithTimeout(ctx, s.opts.saveTimeout)
			if err := s.remote.DeleteScan(c, token, remoteID); err != nil {
				s.logger.Infow("Failed to sync deletion", "id", remoteID, "error", err)
				s.noteAuthFailure(ctx, err)
			}
			cancel()
		}
	}
	return nil
}

// Stats returns per-mode scan totals. The backend counts are used when it
// answers; otherwise the local history is counted and remote is false.
func (s *Session) Stats(ctx context.Context) (stats models.ScanStats, remote bool) {
	if token := s.Token(); token != "" {
		c, cancel := context.WithTimeout(ctx, s.opts.sessionTimeout)
		stats, err := s.remote.ScanStats(c, token)
		cancel()
		if err == nil {
			return stats, true
		}
		s.logger.Infow("Failed to fetch scan stats, counting local history", "error", err)
		s.noteAuthFailure(ctx, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, scan := range s.history {
		stats.Total++
		if scan.Mode == models.ModeIdentification {
			stats.Identification++
		} else {
			stats.Diagnoses++
		}
	}
	return stats, false
}

// indexOf expects s.mu to be held.
func (s *Session) indexOf(id models.ScanID) int {
	for i := range s.history {
		if s.history[i].ID == id {
			return i
		}
	}
	return -1
}
