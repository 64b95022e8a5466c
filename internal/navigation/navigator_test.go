package navigation

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
	"plant-doctor/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	mu sync.Mutex

	authenticated bool
	canDiagnose   bool

	analyzeErr error
	// block makes Analyze wait for release or cancellation.
	block   chan struct{}
	started chan struct{}

	loginErr error
	saved    []models.Scan
	selected models.ScanID
	outcome  models.Outcome
	onboard  []bool
}

func (f *fakeSession) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeSession) CanScan(mode models.Mode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return mode == models.ModeIdentification || f.canDiagnose
}

func (f *fakeSession) Analyze(ctx context.Context, mode models.Mode, img capture.Image) (models.Scan, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return models.Scan{}, apierr.FromTransport("analyze", ctx.Err())
		}
	}
	if f.analyzeErr != nil {
		if apierr.IsSessionExpired(f.analyzeErr) {
			f.mu.Lock()
			f.authenticated = false
			f.mu.Unlock()
		}
		return models.Scan{}, f.analyzeErr
	}
	scan := models.NewPendingScan(mode, img.Ref, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	scan.Condition = "Leaf Rust"
	return scan, nil
}

func (f *fakeSession) SaveScan(_ context.Context, scan models.Scan) (session.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, scan)
	scan.ID = models.RemoteID(int64(len(f.saved)))
	return session.SaveResult{Scan: scan, Synced: true}, nil
}

func (f *fakeSession) Login(context.Context, models.Credentials) (session.State, error) {
	if f.loginErr != nil {
		return session.State{}, f.loginErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = true
	return session.State{Authenticated: true}, nil
}

func (f *fakeSession) Register(context.Context, models.RegisterRequest) (session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = true
	return session.State{Authenticated: true}, nil
}

func (f *fakeSession) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = false
	return nil
}

func (f *fakeSession) UpdateOnboarding(_ context.Context, _ *models.UserType, _ []string, skipped bool) (models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onboard = append(f.onboard, skipped)
	return models.Profile{OnboardingSkipped: skipped}, nil
}

func (f *fakeSession) SelectScan(id models.ScanID) (models.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id.IsZero() {
		return models.Scan{}, session.ErrScanNotFound
	}
	f.selected = id
	return models.Scan{ID: id}, nil
}

func (f *fakeSession) Upgrade(context.Context, models.Plan) (models.Outcome, error) {
	return f.outcome, nil
}

func (f *fakeSession) RedeemCoupon(context.Context, string) (models.Outcome, error) {
	return f.outcome, nil
}

func image() capture.Image {
	return capture.FromBytes([]byte{0xff, 0xd8, 0xff, 0xe0}, "file:///leaf.jpg")
}

// inMain returns a navigator past the splash screen.
func inMain(t *testing.T, sess *fakeSession) *Navigator {
	t.Helper()
	sess.authenticated = true
	n := New(sess, nil)
	sc, err := n.SplashComplete()
	require.NoError(t, err)
	require.Equal(t, RootMain, sc.Root)
	return n
}

func TestSplashRouting(t *testing.T) {
	n := New(&fakeSession{}, nil, WithSplashDuration(time.Millisecond))
	sc, err := n.RunSplash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RootAuth, sc.Root)
	assert.Equal(t, AuthWelcome, sc.Auth)

	_, err = n.SplashComplete()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	n = New(&fakeSession{authenticated: true}, nil, WithSplashDuration(time.Millisecond))
	sc, err = n.RunSplash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RootMain, sc.Root)
	assert.Equal(t, TabHome, sc.Tab)
}

func TestSplashCancelled(t *testing.T) {
	n := New(&fakeSession{}, nil, WithSplashDuration(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc, err := n.RunSplash(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RootSplash, sc.Root)
}

func TestDiagnosisOverLimitGoesToPaywall(t *testing.T) {
	sess := &fakeSession{canDiagnose: false}
	n := inMain(t, sess)

	sc, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	assert.Equal(t, []Modal{ModalPaywall}, sc.Modals)
	assert.NotContains(t, sc.Modals, ModalCamera)

	sc = n.Close()
	assert.Empty(t, sc.Modals)

	sc, err = n.StartScan(models.ModeIdentification)
	require.NoError(t, err)
	assert.Equal(t, ModalScanStart, sc.Top())
	sc, err = n.OpenCamera(true)
	require.NoError(t, err)
	assert.Equal(t, ModalCamera, sc.Top())
	assert.Equal(t, models.ModeIdentification, sc.Mode)
}

func TestCameraPermission(t *testing.T) {
	n := inMain(t, &fakeSession{canDiagnose: true})
	_, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)

	sc, err := n.OpenCamera(false)
	require.NoError(t, err)
	assert.Equal(t, []Modal{ModalPermission}, sc.Modals)

	sc, err = n.OpenCamera(true)
	require.NoError(t, err)
	assert.Equal(t, []Modal{ModalCamera}, sc.Modals)
}

func TestScanFlowSavesOnce(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{canDiagnose: true}
	n := inMain(t, sess)

	_, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	_, err = n.OpenCamera(true)
	require.NoError(t, err)
	sc, err := n.Capture(image(), SourceCamera)
	require.NoError(t, err)
	assert.Equal(t, ModalReview, sc.Top())
	assert.True(t, sc.HasImage)

	sc, err = n.Analyze(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModalResult, sc.Top())
	require.NotNil(t, sc.Pending)
	assert.Equal(t, models.OriginLocal, sc.Pending.ID.Origin())
	assert.Empty(t, sess.saved)

	sc, res, err := n.SavePending(ctx)
	require.NoError(t, err)
	assert.Len(t, sess.saved, 1)
	assert.Equal(t, []Modal{ModalDetail}, sc.Modals)
	assert.Equal(t, res.Scan.ID, sc.Viewing)
	assert.Nil(t, sc.Pending)

	_, _, err = n.SavePending(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, sess.saved, 1)
}

func TestCloseDiscardsPendingScan(t *testing.T) {
	sess := &fakeSession{canDiagnose: true}
	n := inMain(t, sess)

	_, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	_, err = n.Capture(image(), SourceGallery)
	require.NoError(t, err)
	sc, err := n.Analyze(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sc.Pending)

	sc = n.Close()
	assert.Empty(t, sc.Modals)
	assert.Nil(t, sc.Pending)
	assert.False(t, sc.HasImage)
	assert.Empty(t, sess.saved)
}

func TestBackFromResultDiscardsPendingScan(t *testing.T) {
	n := inMain(t, &fakeSession{canDiagnose: true})
	_, err := n.StartScan(models.ModeIdentification)
	require.NoError(t, err)
	_, err = n.Capture(image(), SourceGallery)
	require.NoError(t, err)
	_, err = n.Analyze(context.Background())
	require.NoError(t, err)

	sc := n.Back()
	assert.Equal(t, ModalReview, sc.Top())
	assert.Nil(t, sc.Pending)
	assert.True(t, sc.HasImage)

	sc = n.Back()
	assert.Equal(t, ModalScanStart, sc.Top())
	assert.False(t, sc.HasImage)

	sc = n.Back()
	assert.Empty(t, sc.Modals)
	assert.Empty(t, sc.Mode)
}

func TestLateAnalysisResultIsDropped(t *testing.T) {
	sess := &fakeSession{canDiagnose: true, block: make(chan struct{}), started: make(chan struct{})}
	n := inMain(t, sess)
	_, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	_, err = n.OpenCamera(true)
	require.NoError(t, err)
	_, err = n.Capture(image(), SourceCamera)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := n.Analyze(context.Background())
		done <- err
	}()

	<-sess.started
	assert.Equal(t, ModalAnalysis, n.Screen().Top())
	sc := n.Close()
	assert.Empty(t, sc.Modals)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDiscarded)
	case <-time.After(time.Second):
		t.Fatal("analysis was not cancelled")
	}
	sc = n.Screen()
	assert.Nil(t, sc.Pending)
	assert.Empty(t, sc.Modals)
}

func TestUpgradeRequiredGoesToPaywall(t *testing.T) {
	sess := &fakeSession{canDiagnose: true}
	sess.analyzeErr = apierr.FromStatus("diagnose", apierr.FlowSession, http.StatusPaymentRequired, "limit reached")
	n := inMain(t, sess)

	_, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	_, err = n.Capture(image(), SourceGallery)
	require.NoError(t, err)

	sc, err := n.Analyze(context.Background())
	assert.True(t, apierr.IsUpgradeRequired(err))
	assert.Equal(t, []Modal{ModalPaywall}, sc.Modals)
	assert.Nil(t, sc.Pending)
	assert.False(t, sc.HasImage)
}

func TestExpiredSessionReturnsToSignIn(t *testing.T) {
	sess := &fakeSession{canDiagnose: true}
	sess.analyzeErr = apierr.FromStatus("diagnose", apierr.FlowSession, http.StatusUnauthorized, "token expired")
	n := inMain(t, sess)

	_, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	_, err = n.Capture(image(), SourceGallery)
	require.NoError(t, err)

	sc, err := n.Analyze(context.Background())
	assert.True(t, apierr.IsSessionExpired(err))
	assert.Equal(t, RootAuth, sc.Root)
	assert.Equal(t, AuthSignIn, sc.Auth)
	assert.Empty(t, sc.Modals)
	assert.False(t, sc.HasImage)
	title, _, _ := ErrorTitle(sc.Err)
	assert.Equal(t, "Session Expired", title)

	sess.analyzeErr = nil
	sc, err = n.SignIn(context.Background(), models.Credentials{Email: "a@b.c", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, RootMain, sc.Root)
	assert.Nil(t, sc.Err)
}

func TestSyncAuthAfterTokenDropped(t *testing.T) {
	sess := &fakeSession{canDiagnose: true}
	n := inMain(t, sess)

	sc, lost := n.SyncAuth()
	assert.False(t, lost)
	assert.Equal(t, RootMain, sc.Root)

	_, err := n.ViewScan(models.RemoteID(3))
	require.NoError(t, err)

	sess.mu.Lock()
	sess.authenticated = false
	sess.mu.Unlock()

	sc, err = n.StartScan(models.ModeIdentification)
	assert.ErrorIs(t, err, ErrSignedOut)
	assert.Equal(t, RootAuth, sc.Root)
	assert.Equal(t, AuthSignIn, sc.Auth)
	assert.Empty(t, sc.Modals)
	assert.True(t, sc.Viewing.IsZero())

	_, lost = n.SyncAuth()
	assert.False(t, lost, "already on sign in")
}

func TestAnalysisErrorReturnsToReview(t *testing.T) {
	sess := &fakeSession{canDiagnose: true}
	sess.analyzeErr = apierr.BadImage("diagnose", "no leaf detected")
	n := inMain(t, sess)

	_, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	_, err = n.Capture(image(), SourceGallery)
	require.NoError(t, err)

	sc, err := n.Analyze(context.Background())
	assert.Equal(t, apierr.KindBadImage, apierr.KindOf(err))
	assert.Equal(t, ModalReview, sc.Top())
	assert.Equal(t, err, sc.Err)
	title, _, retry := ErrorTitle(sc.Err)
	assert.Equal(t, "Image Not Clear", title)
	assert.False(t, retry)

	sc, err = n.Retake()
	require.NoError(t, err)
	assert.Equal(t, ModalScanStart, sc.Top())
	assert.Nil(t, sc.Err)
}

func TestInvalidTransitions(t *testing.T) {
	n := New(&fakeSession{}, nil)

	_, err := n.StartScan(models.ModeDiagnosis)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = n.StartScan("bogus")
	assert.ErrorIs(t, err, ErrInvalidMode)

	n = inMain(t, &fakeSession{canDiagnose: true})
	_, err = n.Capture(image(), SourceCamera)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = n.Analyze(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	_, err = n.Capture(image(), SourceCamera)
	assert.ErrorIs(t, err, ErrInvalidTransition, "camera capture needs the camera open")
	_, err = n.Capture(capture.Image{}, SourceGallery)
	assert.ErrorIs(t, err, capture.ErrEmptyImage)
	_, err = n.SelectTab(TabHistory)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = n.StartScan(models.ModeIdentification)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAuthFlow(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{}
	n := New(sess, nil)
	_, err := n.SplashComplete()
	require.NoError(t, err)

	sess.loginErr = apierr.FromStatus("login", apierr.FlowLogin, http.StatusUnauthorized, "")
	_, err = n.ShowAuth(AuthSignIn)
	require.NoError(t, err)
	sc, err := n.SignIn(ctx, models.Credentials{Email: "a@example.com", Password: "secret1"})
	assert.True(t, apierr.IsInvalidCredentials(err))
	assert.Equal(t, RootAuth, sc.Root)
	assert.Equal(t, AuthSignIn, sc.Auth)
	assert.Error(t, sc.Err)

	_, err = n.ShowAuth(AuthOnboarding)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = n.ShowAuth(AuthRegister)
	require.NoError(t, err)
	sc, err = n.Register(ctx, models.RegisterRequest{Email: "a@example.com", Password: "secret1", Name: "Asha"})
	require.NoError(t, err)
	assert.Equal(t, AuthOnboarding, sc.Auth)

	sc, err = n.SkipOnboarding(ctx)
	require.NoError(t, err)
	assert.Equal(t, RootMain, sc.Root)
	assert.Equal(t, []bool{true}, sess.onboard)

	sc, err = n.SelectTab(TabProfile)
	require.NoError(t, err)
	assert.Equal(t, TabProfile, sc.Tab)

	sc, err = n.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, RootAuth, sc.Root)
	assert.Equal(t, AuthWelcome, sc.Auth)
	assert.False(t, sess.IsAuthenticated())

	sess.loginErr = nil
	sc, err = n.SignIn(ctx, models.Credentials{Email: "a@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, RootMain, sc.Root)
	assert.Equal(t, TabHome, sc.Tab)
}

func TestPaywallRedeemClosesPaywall(t *testing.T) {
	sess := &fakeSession{outcome: models.Outcome{Success: true, AlreadyPremium: true}}
	n := inMain(t, sess)

	sc, err := n.StartScan(models.ModeDiagnosis)
	require.NoError(t, err)
	require.Equal(t, ModalPaywall, sc.Top())

	sc, out, err := n.RedeemCoupon(context.Background(), "GREEN")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Empty(t, sc.Modals)

	_, _, err = n.Upgrade(context.Background(), models.PlanMonthly)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestViewScan(t *testing.T) {
	sess := &fakeSession{}
	n := inMain(t, sess)

	sc, err := n.ViewScan(models.RemoteID(9))
	require.NoError(t, err)
	assert.Equal(t, []Modal{ModalDetail}, sc.Modals)
	assert.Equal(t, models.RemoteID(9), sess.selected)

	sc = n.Back()
	assert.Empty(t, sc.Modals)
	assert.True(t, sc.Viewing.IsZero())

	_, err = n.ViewScan(models.ScanID{})
	assert.ErrorIs(t, err, session.ErrScanNotFound)
}
