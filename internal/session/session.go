// Package session owns the client's in-memory state: who is signed in,
// usage counters and scan history. All mutations go through Session so
// concurrent front-end actions cannot race on history or counters.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
	"plant-doctor/internal/store"
	"plant-doctor/pkg/logger"
)

// Unlimited is the scan limit of pro accounts.
const Unlimited = -1

var (
	ErrNotAuthenticated = errors.New("not signed in")
	ErrScanNotFound     = errors.New("scan not found")
)

// Remote is the subset of the backend API the session talks to.
type Remote interface {
	Login(ctx context.Context, creds models.Credentials) (models.AuthResult, error)
	Register(ctx context.Context, req models.RegisterRequest, deviceID string) (models.AuthResult, error)
	Logout(ctx context.Context, token string) error
	DeleteAccount(ctx context.Context, token string) error
	DeviceSession(ctx context.Context, token, deviceID string) (models.RemoteSession, error)
	UpdateScanCount(ctx context.Context, token, deviceID string, count int) error
	CreateScan(ctx context.Context, token string, req models.CreateScanRequest) (models.CreatedScan, error)
	ListScans(ctx context.Context, token string, limit int) ([]models.RemoteScan, error)
	UpdateScanNotes(ctx context.Context, token string, id int64, notes string) error
	DeleteScan(ctx context.Context, token string, id int64) error
	Upgrade(ctx context.Context, token, deviceID string, plan models.Plan) (models.Outcome, error)
	RedeemCoupon(ctx context.Context, token, deviceID, code string) (models.Outcome, error)
	ScanStats(ctx context.Context, token string) (models.ScanStats, error)
}

// Analyzer runs image analysis.
type Analyzer interface {
	Identify(ctx context.Context, img capture.Image, token, deviceID string) (models.Identification, error)
	Diagnose(ctx context.Context, img capture.Image, token, deviceID string) (models.Diagnosis, error)
}

// Recorder receives sync outcomes, typically for metrics.
type Recorder interface {
	RecordSave(outcome string)
	RecordReconcile(part, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSave(string)              {}
func (nopRecorder) RecordReconcile(string, string) {}

// State is a snapshot of the session.
type State struct {
	// UserID is the device-scoped identifier sent with device calls.
	UserID string
	// OwnerID tags scans saved in this session: the account id when known,
	// otherwise the device id.
	OwnerID       string
	ScansUsed     int
	ScansLimit    int
	IsPro         bool
	Authenticated bool
	History       []models.Scan
	Profile       models.Profile
}

// Remaining returns how many diagnoses are left, or Unlimited.
func (s State) Remaining() int {
	if s.ScansLimit == Unlimited {
		return Unlimited
	}
	if n := s.ScansLimit - s.ScansUsed; n > 0 {
		return n
	}
	return 0
}

type options struct {
	sessionTimeout  time.Duration
	saveTimeout     time.Duration
	duplicateWindow time.Duration
	historyPageSize int
	freeScanLimit   int
	now             func() time.Time
	newID           func() string
	recorder        Recorder
}

type Option func(*options)

// WithSessionTimeout bounds each reconciliation fetch.
func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) { o.sessionTimeout = d }
}

// WithSaveTimeout bounds the remote create and counter push of a save.
func WithSaveTimeout(d time.Duration) Option {
	return func(o *options) { o.saveTimeout = d }
}

// WithDuplicateWindow sets how close two same-label scans must be to count
// as one.
func WithDuplicateWindow(d time.Duration) Option {
	return func(o *options) { o.duplicateWindow = d }
}

func WithHistoryPageSize(n int) Option {
	return func(o *options) { o.historyPageSize = n }
}

func WithFreeScanLimit(n int) Option {
	return func(o *options) { o.freeScanLimit = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator replaces uuid generation of the device id.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

type Session struct {
	remote   Remote
	analyzer Analyzer
	local    *store.Local
	logger   *logger.Logger
	opts     options

	// opMu serializes mutating operations, network calls included.
	opMu sync.Mutex

	mu            sync.RWMutex
	deviceID      string
	ownerID       string
	token         string
	authenticated bool
	scansUsed     int
	isPro         bool
	history       []models.Scan
	current       *models.Scan
	profile       models.Profile
}

func New(remote Remote, analyzer Analyzer, local *store.Local, log *logger.Logger, opts ...Option) *Session {
	o := options{
		sessionTimeout:  5 * time.Second,
		saveTimeout:     5 * time.Second,
		duplicateWindow: 5 * time.Second,
		historyPageSize: 50,
		freeScanLimit:   1,
		now:             time.Now,
		newID:           uuid.NewString,
		recorder:        nopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Session{
		remote:   remote,
		analyzer: analyzer,
		local:    local,
		logger:   log.Named("session"),
		opts:     o,
	}
}

// Snapshot returns a copy of the current state. It never waits on network I/O.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := s.opts.freeScanLimit
	if s.isPro {
		limit = Unlimited
	}
	return State{
		UserID:        s.deviceID,
		OwnerID:       s.ownerID,
		ScansUsed:     s.scansUsed,
		ScansLimit:    limit,
		IsPro:         s.isPro,
		Authenticated: s.authenticated,
		History:       append([]models.Scan(nil), s.history...),
		Profile:       s.profile,
	}
}

// CanScan reports whether a scan of mode may start. Identification is
// always allowed; diagnosis is gated by the free limit unless pro.
func (s *Session) CanScan(mode models.Mode) bool {
	if mode == models.ModeIdentification {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPro || s.scansUsed < s.opts.freeScanLimit
}

func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Token returns the access token held by the session.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

func (s *Session) Profile() models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

// CurrentScan returns the selected scan.
func (s *Session) CurrentScan() (models.Scan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return models.Scan{}, false
	}
	return *s.current, true
}

// SelectScan makes the history entry with id the current scan.
func (s *Session) SelectScan(id models.ScanID) (models.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].ID == id {
			sc := s.history[i]
			s.current = &sc
			return sc, nil
		}
	}
	return models.Scan{}, ErrScanNotFound
}

// Login signs in, adopts the account's profile and premium flag, then
// reloads session and history for the new account.
func (s *Session) Login(ctx context.Context, creds models.Credentials) (State, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	res, err := s.remote.Login(ctx, creds)
	if err != nil {
		return s.Snapshot(), err
	}
	if err := s.adoptAuth(ctx, res); err != nil {
		return s.Snapshot(), err
	}
	s.reconcile(ctx, res.Token)
	return s.Snapshot(), nil
}

// Register creates an account and signs in with it.
func (s *Session) Register(ctx context.Context, req models.RegisterRequest) (State, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	deviceID := s.ensureDeviceID(ctx)
	res, err := s.remote.Register(ctx, req, deviceID)
	if err != nil {
		return s.Snapshot(), err
	}
	if err := s.adoptAuth(ctx, res); err != nil {
		return s.Snapshot(), err
	}
	s.reconcile(ctx, res.Token)
	return s.Snapshot(), nil
}

// adoptAuth persists the token and profile of a fresh sign-in. A failure
// to store the token is returned: without it the next start is signed out.
func (s *Session) adoptAuth(ctx context.Context, res models.AuthResult) error {
	if err := s.local.SetToken(ctx, res.Token); err != nil {
		return err
	}

	upd := res.User.Update()
	// A different account on this device must not inherit the previous
	// account's profile fields.
	previous := s.Profile()
	if upd.ID != nil && previous.ID != "" && previous.ID != *upd.ID {
		if err := s.local.ClearProfile(ctx); err != nil {
			s.logger.Warnw("Failed to clear previous profile", "error", err)
		}
	}

	profile, err := s.local.SetProfile(ctx, upd)
	if err != nil {
		s.logger.Warnw("Failed to persist profile", "error", err)
		profile = models.Profile{}.Merge(upd)
	}

	s.mu.Lock()
	s.token = res.Token
	s.authenticated = true
	s.profile = profile
	if res.User.IsPremium != nil && *res.User.IsPremium {
		s.isPro = true
	}
	pro := s.isPro
	s.mu.Unlock()

	if pro {
		if err := s.local.SetPro(ctx, true); err != nil {
			s.logger.Warnw("Failed to persist pro flag", "error", err)
		}
	}
	return nil
}

// Logout drops the token and history. The device id and usage counters
// stay, they belong to the device.
func (s *Session) Logout(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.teardown(ctx, true)
}

func (s *Session) teardown(ctx context.Context, notifyRemote bool) error {
	token := s.Token()
	if notifyRemote && token != "" {
		c, cancel := context.WithTimeout(ctx, s.opts.sessionTimeout)
		if err := s.remote.Logout(c, token); err != nil {
			s.logger.Infow("Remote logout failed", "error", err)
		}
		cancel()
	}

	var errs []error
	if err := s.local.ClearToken(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.local.ClearHistory(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.local.ClearProfile(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	s.token = ""
	s.authenticated = false
	s.ownerID = ""
	s.scansUsed = 0
	s.isPro = false
	s.history = nil
	s.current = nil
	s.profile = models.Profile{}
	s.mu.Unlock()

	s.logger.Infow("Signed out")
	return errors.Join(errs...)
}

// UpdateOnboarding stores the onboarding answers on the profile.
func (s *Session) UpdateOnboarding(ctx context.Context, userType *models.UserType, plantTypes []string, skipped bool) (models.Profile, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	p, err := s.local.UpdateOnboarding(ctx, userType, plantTypes, skipped)
	if err != nil {
		return s.Profile(), err
	}
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	return p, nil
}

// noteAuthFailure drops the in-memory token after the backend rejected it.
func (s *Session) noteAuthFailure(ctx context.Context, err error) {
	if !apierr.IsSessionExpired(err) {
		return
	}
	s.mu.Lock()
	s.token = ""
	s.authenticated = false
	s.mu.Unlock()
	if cerr := s.local.ClearToken(ctx); cerr != nil {
		s.logger.Warnw("Failed to clear rejected token", "error", cerr)
	}
}

// loadDeviceID adopts the persisted device id, if there is one.
func (s *Session) loadDeviceID(ctx context.Context) string {
	s.mu.RLock()
	id := s.deviceID
	s.mu.RUnlock()
	if id != "" {
		return id
	}

	id, err := s.local.DeviceID(ctx)
	if err != nil {
		s.logger.Warnw("Failed to read device id", "error", err)
	}
	if id != "" {
		s.mu.Lock()
		s.deviceID = id
		s.mu.Unlock()
	}
	return id
}

// ensureDeviceID returns the persisted device id, creating it once.
func (s *Session) ensureDeviceID(ctx context.Context) string {
	id := s.loadDeviceID(ctx)
	if id == "" {
		id = s.opts.newID()
		if err := s.local.SetDeviceID(ctx, id); err != nil {
			s.logger.Warnw("Failed to persist device id", "error", err)
		}
	}

	s.mu.Lock()
	s.deviceID = id
	s.mu.Unlock()
	return id
}

func (s *Session) credentials() (token, deviceID, owner string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.deviceID, s.ownerID
}
