package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/auth"
	"plant-doctor/internal/models"
	"plant-doctor/internal/store"
)

// Init restores the persisted session and reconciles it with the backend.
// It never fails: whatever cannot be loaded falls back to a signed-out,
// empty state and the front end can still start.
func (s *Session) Init(ctx context.Context) (st State) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Session init panicked", "panic", r)
			s.mu.Lock()
			s.authenticated = false
			s.token = ""
			s.mu.Unlock()
			st = s.Snapshot()
		}
	}()

	if p, err := s.local.Profile(ctx); err != nil {
		s.logger.Warnw("Stored profile unreadable", "error", err)
	} else {
		s.mu.Lock()
		s.profile = p
		s.mu.Unlock()
	}

	token, err := s.local.Token(ctx)
	if err != nil {
		s.logger.Warnw("Stored token unreadable", "error", err)
		token = ""
	}
	if token != "" && auth.Expired(token, s.opts.now(), 0) {
		s.logger.Infow("Stored token expired")
		if err := s.local.ClearToken(ctx); err != nil {
			s.logger.Warnw("Failed to clear expired token", "error", err)
		}
		token = ""
	}
	if token == "" {
		// signed out: reuse a stored device id but do not mint one yet
		s.loadDeviceID(ctx)
		s.mu.Lock()
		s.token = ""
		s.authenticated = false
		s.mu.Unlock()
		return s.Snapshot()
	}

	s.mu.Lock()
	s.token = token
	s.authenticated = true
	s.mu.Unlock()

	s.reconcile(ctx, token)
	return s.Snapshot()
}

// Refresh re-runs reconciliation for the signed-in user.
func (s *Session) Refresh(ctx context.Context) State {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	token := s.Token()
	if token == "" {
		return s.Snapshot()
	}
	s.reconcile(ctx, token)
	return s.Snapshot()
}

// reconcile loads counters and history, remote first. The two fetches are
// independent and run concurrently; each falls back to the local copy on
// its own. The caller holds opMu.
func (s *Session) reconcile(ctx context.Context, token string) {
	deviceID := s.ensureDeviceID(ctx)
	owner := s.ownerFor(deviceID)

	var (
		remoteSession models.RemoteSession
		remoteScans   []models.RemoteScan
		sessionErr    error
		historyErr    error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessionErr = guard(func() error {
			c, cancel := context.WithTimeout(gctx, s.opts.sessionTimeout)
			defer cancel()
			var err error
			remoteSession, err = s.remote.DeviceSession(c, token, deviceID)
			return err
		})
		return nil
	})
	g.Go(func() error {
		historyErr = guard(func() error {
			c, cancel := context.WithTimeout(gctx, s.opts.sessionTimeout)
			defer cancel()
			var err error
			remoteScans, err = s.remote.ListScans(c, token, s.opts.historyPageSize)
			return err
		})
		return nil
	})
	_ = g.Wait()

	profilePro := s.Profile().IsPremium
	s.applyCounters(ctx, remoteSession, sessionErr, profilePro)
	s.applyHistory(ctx, owner, remoteScans, historyErr)

	for _, err := range []error{sessionErr, historyErr} {
		if apierr.IsSessionExpired(err) {
			s.logger.Infow("Backend rejected the stored token")
			s.noteAuthFailure(ctx, err)
			break
		}
	}

	s.mu.Lock()
	s.ownerID = owner
	s.mu.Unlock()
}

func (s *Session) applyCounters(ctx context.Context, remote models.RemoteSession, err error, profilePro bool) {
	if err == nil {
		pro := remote.IsPremium || profilePro
		s.mu.Lock()
		s.scansUsed = remote.ScansUsed
		s.isPro = pro
		s.mu.Unlock()
		if perr := s.local.SetCounters(ctx, store.Counters{ScansUsed: remote.ScansUsed, IsPro: pro}); perr != nil {
			s.logger.Warnw("Failed to persist counters", "error", perr)
		}
		s.opts.recorder.RecordReconcile("session", "remote")
		return
	}

	s.logger.Infow("Using local counters", "error", err)
	c, lerr := s.local.Counters(ctx)
	if lerr != nil {
		s.logger.Warnw("Stored counters unreadable", "error", lerr)
		c = store.Counters{}
	}
	s.mu.Lock()
	s.scansUsed = c.ScansUsed
	s.isPro = c.IsPro || profilePro
	s.mu.Unlock()
	s.opts.recorder.RecordReconcile("session", "local")
}

func (s *Session) applyHistory(ctx context.Context, owner string, remote []models.RemoteScan, err error) {
	if err == nil {
		scans := make([]models.Scan, 0, len(remote))
		for _, r := range remote {
			scans = append(scans, r.ToScan(owner))
		}
		s.mu.Lock()
		s.history = scans
		s.current = nil
		s.mu.Unlock()
		if perr := s.local.SaveHistory(ctx, scans); perr != nil {
			s.logger.Warnw("Failed to persist history", "error", perr)
		}
		s.opts.recorder.RecordReconcile("history", "remote")
		return
	}

	s.logger.Infow("Using local history", "error", err)
	cached, lerr := s.local.History(ctx)
	if lerr != nil {
		s.logger.Warnw("Stored history unreadable", "error", lerr)
		cached = nil
	}
	scans := make([]models.Scan, 0, len(cached))
	for _, sc := range cached {
		if sc.UserID == owner {
			scans = append(scans, sc)
		}
	}
	s.mu.Lock()
	s.history = scans
	s.current = nil
	s.mu.Unlock()
	s.opts.recorder.RecordReconcile("history", "local")
}

// ownerFor picks the tag for scans of the signed-in user.
func (s *Session) ownerFor(deviceID string) string {
	if id := s.Profile().ID; id != "" {
		return id
	}
	return deviceID
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
