// Package navigation is the screen state machine shared by the front ends.
// It decides which screen is showing and owns the not-yet-saved scan; all
// data changes go through the session.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
	"plant-doctor/internal/session"
	"plant-doctor/pkg/logger"
)

type Root string

const (
	RootSplash Root = "splash"
	RootAuth   Root = "auth"
	RootMain   Root = "main"
)

type AuthScreen string

const (
	AuthWelcome    AuthScreen = "welcome"
	AuthSignIn     AuthScreen = "signin"
	AuthRegister   AuthScreen = "register"
	AuthOnboarding AuthScreen = "onboarding"
)

type Tab string

const (
	TabHome    Tab = "home"
	TabHistory Tab = "history"
	TabProfile Tab = "profile"
)

// Modal is an overlay shown above the tabs.
type Modal string

const (
	ModalScanStart  Modal = "scan-start"
	ModalCamera     Modal = "camera"
	ModalPermission Modal = "permission-prompt"
	ModalReview     Modal = "review"
	ModalAnalysis   Modal = "analysis"
	ModalResult     Modal = "result"
	ModalDetail     Modal = "detail"
	ModalPaywall    Modal = "paywall"
)

// Source is where a captured image came from.
type Source string

const (
	SourceCamera  Source = "camera"
	SourceGallery Source = "gallery"
)

var (
	ErrInvalidTransition = errors.New("invalid navigation transition")
	// ErrDiscarded is returned by Analyze when the flow was closed while
	// the analysis was running.
	ErrDiscarded   = errors.New("analysis result discarded")
	ErrNoPending   = errors.New("no pending scan")
	ErrInvalidMode = errors.New("invalid scan mode")
	// ErrSignedOut is returned when an action needs the session that the
	// backend has since rejected.
	ErrSignedOut = errors.New("session ended, sign in again")
)

// Session is what the navigator needs from the session layer.
type Session interface {
	IsAuthenticated() bool
	CanScan(mode models.Mode) bool
	Analyze(ctx context.Context, mode models.Mode, img capture.Image) (models.Scan, error)
	SaveScan(ctx context.Context, scan models.Scan) (session.SaveResult, error)
	Login(ctx context.Context, creds models.Credentials) (session.State, error)
	Register(ctx context.Context, req models.RegisterRequest) (session.State, error)
	Logout(ctx context.Context) error
	UpdateOnboarding(ctx context.Context, userType *models.UserType, plantTypes []string, skipped bool) (models.Profile, error)
	SelectScan(id models.ScanID) (models.Scan, error)
	Upgrade(ctx context.Context, plan models.Plan) (models.Outcome, error)
	RedeemCoupon(ctx context.Context, code string) (models.Outcome, error)
}

// Screen is a snapshot of what is showing.
type Screen struct {
	Root   Root
	Auth   AuthScreen
	Tab    Tab
	Modals []Modal
	Mode   models.Mode
	// Pending is the analyzed, unsaved scan shown on the result screen.
	Pending *models.Scan
	// Viewing is the scan open in the detail screen.
	Viewing models.ScanID
	HasImage bool
	Source   Source
	// Err is the last analysis error, cleared by the next transition.
	Err error
}

// Top returns the topmost modal, or "" when none is open.
func (s Screen) Top() Modal {
	if len(s.Modals) == 0 {
		return ""
	}
	return s.Modals[len(s.Modals)-1]
}

type Option func(*Navigator)

// WithSplashDuration sets how long RunSplash waits.
func WithSplashDuration(d time.Duration) Option {
	return func(n *Navigator) { n.splash = d }
}

type Navigator struct {
	sess   Session
	logger *logger.Logger
	splash time.Duration

	mu      sync.Mutex
	root    Root
	auth    AuthScreen
	tab     Tab
	modals  []Modal
	mode    models.Mode
	image   *capture.Image
	source  Source
	pending *models.Scan
	viewing models.ScanID
	lastErr error

	// gen is bumped whenever the scan flow is dismissed so a late
	// analysis result can tell it is stale.
	gen    uint64
	cancel context.CancelFunc
}

func New(sess Session, log *logger.Logger, opts ...Option) *Navigator {
	if log == nil {
		log = logger.NewNop()
	}
	n := &Navigator{
		sess:   sess,
		logger: log.Named("navigation"),
		splash: 4 * time.Second,
		root:   RootSplash,
		tab:    TabHome,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Navigator) Screen() Screen {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.screenLocked()
}

func (n *Navigator) screenLocked() Screen {
	sc := Screen{
		Root:     n.root,
		Auth:     n.auth,
		Tab:      n.tab,
		Modals:   append([]Modal(nil), n.modals...),
		Mode:     n.mode,
		Viewing:  n.viewing,
		HasImage: n.image != nil,
		Source:   n.source,
		Err:      n.lastErr,
	}
	if n.pending != nil {
		p := *n.pending
		sc.Pending = &p
	}
	return sc
}

// RunSplash shows the splash for the configured duration, then routes to
// main or auth.
func (n *Navigator) RunSplash(ctx context.Context) (Screen, error) {
	t := time.NewTimer(n.splash)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return n.Screen(), ctx.Err()
	case <-t.C:
	}
	return n.SplashComplete()
}

// SplashComplete leaves the splash screen.
func (n *Navigator) SplashComplete() (Screen, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.root != RootSplash {
		return n.screenLocked(), n.invalid("splash complete")
	}
	if n.sess.IsAuthenticated() {
		n.enterMainLocked()
	} else {
		n.root = RootAuth
		n.auth = AuthWelcome
	}
	return n.screenLocked(), nil
}

// SyncAuth leaves main for the sign-in screen when the session is no
// longer authenticated, e.g. after the backend rejected its token. It
// reports whether it did.
func (n *Navigator) SyncAuth() (Screen, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	lost := n.signedOutLocked(nil)
	return n.screenLocked(), lost
}

// signedOutLocked routes to sign-in if err is a session expiry or the
// session dropped its token.
func (n *Navigator) signedOutLocked(err error) bool {
	if n.root != RootMain {
		return false
	}
	if !apierr.IsSessionExpired(err) && n.sess.IsAuthenticated() {
		return false
	}
	n.logger.Infow("Session ended, returning to sign in")
	n.dismissLocked()
	n.root = RootAuth
	n.auth = AuthSignIn
	n.tab = TabHome
	n.lastErr = err
	return true
}

// ShowAuth switches between the auth screens before sign-in.
func (n *Navigator) ShowAuth(screen AuthScreen) (Screen, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.root != RootAuth || screen == AuthOnboarding {
		return n.screenLocked(), n.invalid("show " + string(screen))
	}
	n.auth = screen
	n.lastErr = nil
	return n.screenLocked(), nil
}

// SignIn logs in from the sign-in screen and enters main.
func (n *Navigator) SignIn(ctx context.Context, creds models.Credentials) (Screen, error) {
	if err := n.expectAuth("sign in", AuthSignIn, AuthWelcome); err != nil {
		return n.Screen(), err
	}
	if _, err := n.sess.Login(ctx, creds); err != nil {
		n.setErr(err)
		return n.Screen(), err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.enterMainLocked()
	return n.screenLocked(), nil
}

// Register creates an account and moves on to onboarding.
func (n *Navigator) Register(ctx context.Context, req models.RegisterRequest) (Screen, error) {
	if err := n.expectAuth("register", AuthRegister, AuthWelcome); err != nil {
		return n.Screen(), err
	}
	if _, err := n.sess.Register(ctx, req); err != nil {
		n.setErr(err)
		return n.Screen(), err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.auth = AuthOnboarding
	n.lastErr = nil
	return n.screenLocked(), nil
}

// CompleteOnboarding stores the answers and enters main.
func (n *Navigator) CompleteOnboarding(ctx context.Context, userType models.UserType, plantTypes []string) (Screen, error) {
	return n.finishOnboarding(ctx, &userType, plantTypes, false)
}

func (n *Navigator) SkipOnboarding(ctx context.Context) (Screen, error) {
	return n.finishOnboarding(ctx, nil, nil, true)
}

func (n *Navigator) finishOnboarding(ctx context.Context, userType *models.UserType, plantTypes []string, skipped bool) (Screen, error) {
	if err := n.expectAuth("onboarding", AuthOnboarding); err != nil {
		return n.Screen(), err
	}
	if _, err := n.sess.UpdateOnboarding(ctx, userType, plantTypes, skipped); err != nil {
		// answers are optional; a failed write does not block the user
		n.logger.Warnw("Failed to store onboarding answers", "error", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.enterMainLocked()
	return n.screenLocked(), nil
}

// Logout signs out and returns to the welcome screen.
func (n *Navigator) Logout(ctx context.Context) (Screen, error) {
	err := n.sess.Logout(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissLocked()
	n.root = RootAuth
	n.auth = AuthWelcome
	n.tab = TabHome
	return n.screenLocked(), err
}

// SelectTab switches tabs when no overlay is open.
func (n *Navigator) SelectTab(tab Tab) (Screen, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.root != RootMain || len(n.modals) > 0 {
		return n.screenLocked(), n.invalid("select tab")
	}
	switch tab {
	case TabHome, TabHistory, TabProfile:
	default:
		return n.screenLocked(), fmt.Errorf("%w: unknown tab %q", ErrInvalidTransition, tab)
	}
	n.tab = tab
	return n.screenLocked(), nil
}

// ShowPaywall opens the paywall over whatever is showing.
func (n *Navigator) ShowPaywall() (Screen, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.root != RootMain {
		return n.screenLocked(), n.invalid("show paywall")
	}
	if n.topLocked() != ModalPaywall {
		n.modals = append(n.modals, ModalPaywall)
	}
	return n.screenLocked(), nil
}

// ViewScan opens a history entry in the detail screen.
func (n *Navigator) ViewScan(id models.ScanID) (Screen, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.root != RootMain || len(n.modals) > 0 {
		return n.screenLocked(), n.invalid("view scan")
	}
	if _, err := n.sess.SelectScan(id); err != nil {
		return n.screenLocked(), err
	}
	n.viewing = id
	n.modals = append(n.modals, ModalDetail)
	return n.screenLocked(), nil
}

// Back closes the topmost overlay. Leaving the scan flow drops whatever
// was captured or analyzed and not saved.
func (n *Navigator) Back() Screen {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.modals) == 0 {
		return n.screenLocked()
	}
	top := n.modals[len(n.modals)-1]
	n.modals = n.modals[:len(n.modals)-1]
	switch top {
	case ModalAnalysis:
		n.abortLocked()
	case ModalResult:
		n.pending = nil
	case ModalReview:
		n.image = nil
		n.source = ""
	case ModalDetail:
		n.viewing = models.ScanID{}
	}
	n.lastErr = nil
	if !n.inScanFlowLocked() {
		n.resetScanLocked()
	}
	return n.screenLocked()
}

// Close dismisses every overlay, cancels a running analysis and discards
// the pending scan.
func (n *Navigator) Close() Screen {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dismissLocked()
	return n.screenLocked()
}

func (n *Navigator) enterMainLocked() {
	n.root = RootMain
	n.auth = ""
	n.tab = TabHome
	n.lastErr = nil
}

func (n *Navigator) dismissLocked() {
	if len(n.modals) > 0 || n.pending != nil {
		n.logger.Debugw("Dismissing overlays", "modals", len(n.modals), "pending", n.pending != nil)
	}
	n.abortLocked()
	n.modals = nil
	n.viewing = models.ScanID{}
	n.lastErr = nil
	n.resetScanLocked()
}

// abortLocked cancels an in-flight analysis and invalidates its result.
func (n *Navigator) abortLocked() {
	n.gen++
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
}

func (n *Navigator) resetScanLocked() {
	n.pending = nil
	n.image = nil
	n.source = ""
	n.mode = ""
}

func (n *Navigator) inScanFlowLocked() bool {
	for _, m := range n.modals {
		switch m {
		case ModalScanStart, ModalCamera, ModalPermission, ModalReview, ModalAnalysis, ModalResult:
			return true
		}
	}
	return false
}

func (n *Navigator) topLocked() Modal {
	if len(n.modals) == 0 {
		return ""
	}
	return n.modals[len(n.modals)-1]
}

func (n *Navigator) replaceTopLocked(m Modal) {
	if len(n.modals) == 0 {
		n.modals = append(n.modals, m)
		return
	}
	n.modals[len(n.modals)-1] = m
}

func (n *Navigator) expectAuth(action string, screens ...AuthScreen) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.root != RootAuth {
		return n.invalid(action)
	}
	for _, s := range screens {
		if n.auth == s {
			return nil
		}
	}
	return n.invalid(action)
}

func (n *Navigator) setErr(err error) {
	n.mu.Lock()
	n.lastErr = err
	n.mu.Unlock()
}

// invalid expects n.mu to be held.
func (n *Navigator) invalid(action string) error {
	return fmt.Errorf("%w: %s from %s/%s%s", ErrInvalidTransition, action, n.root, n.auth, n.topSuffix())
}

func (n *Navigator) topSuffix() string {
	if top := n.topLocked(); top != "" {
		return " [" + string(top) + "]"
	}
	return ""
}

// ErrorTitle gives the user-facing title and message for err.
func ErrorTitle(err error) (title, message string, retry bool) {
	if e, ok := apierr.As(err); ok {
		return e.Title, e.Message, e.CanRetry
	}
	return "Something went wrong", err.Error(), false
}
