package navigation

import (
	"context"
	"errors"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/capture"
	"plant-doctor/internal/models"
	"plant-doctor/internal/session"
)

// StartScan begins a scan. The free limit is checked here, before any
// capture screen opens: a diagnosis over the limit goes to the paywall.
// Identification is never limited.
func (n *Navigator) StartScan(mode models.Mode) (Screen, error) {
	if !mode.Valid() {
		return n.Screen(), ErrInvalidMode
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.signedOutLocked(nil) {
		return n.screenLocked(), ErrSignedOut
	}
	if n.root != RootMain || n.inScanFlowLocked() {
		return n.screenLocked(), n.invalid("start scan")
	}

	n.lastErr = nil
	if !n.sess.CanScan(mode) {
		n.logger.Infow("Scan limit reached, showing paywall", "mode", mode)
		n.modals = append(n.modals, ModalPaywall)
		return n.screenLocked(), nil
	}
	n.mode = mode
	n.modals = append(n.modals, ModalScanStart)
	return n.screenLocked(), nil
}

// OpenCamera moves from scan start (or the permission prompt) to the
// camera. Without permission the prompt is shown instead.
func (n *Navigator) OpenCamera(permissionGranted bool) (Screen, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	top := n.topLocked()
	if top != ModalScanStart && top != ModalPermission {
		return n.screenLocked(), n.invalid("open camera")
	}

	// counters may have changed since StartScan
	if !n.sess.CanScan(n.mode) {
		n.dismissLocked()
		n.modals = []Modal{ModalPaywall}
		return n.screenLocked(), nil
	}

	if !permissionGranted {
		n.replaceTopLocked(ModalPermission)
		return n.screenLocked(), nil
	}
	if top == ModalPermission {
		n.replaceTopLocked(ModalCamera)
	} else {
		n.modals = append(n.modals, ModalCamera)
	}
	return n.screenLocked(), nil
}

// Capture takes an image from the camera, or from the gallery at scan
// start, and shows it for review.
func (n *Navigator) Capture(img capture.Image, source Source) (Screen, error) {
	if img.Empty() {
		return n.Screen(), capture.ErrEmptyImage
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	top := n.topLocked()
	switch {
	case top == ModalCamera:
	case top == ModalScanStart && source == SourceGallery:
	default:
		return n.screenLocked(), n.invalid("capture")
	}
	n.image = &img
	n.source = source
	n.lastErr = nil
	n.modals = append(n.modals, ModalReview)
	return n.screenLocked(), nil
}

// Retake drops the reviewed image and goes back one step.
func (n *Navigator) Retake() (Screen, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.topLocked() != ModalReview {
		return n.screenLocked(), n.invalid("retake")
	}
	n.modals = n.modals[:len(n.modals)-1]
	n.image = nil
	n.source = ""
	n.lastErr = nil
	return n.screenLocked(), nil
}

// Analyze sends the reviewed image for analysis. On success the result
// screen shows a pending scan that is not stored until SavePending. If the
// flow is closed while the call runs, the call is cancelled and its result
// dropped with ErrDiscarded.
func (n *Navigator) Analyze(ctx context.Context) (Screen, error) {
	n.mu.Lock()
	if n.topLocked() != ModalReview || n.image == nil {
		defer n.mu.Unlock()
		return n.screenLocked(), n.invalid("analyze")
	}
	img := *n.image
	mode := n.mode
	actx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.gen++
	gen := n.gen
	n.lastErr = nil
	n.modals = append(n.modals, ModalAnalysis)
	n.mu.Unlock()

	scan, err := n.sess.Analyze(actx, mode, img)
	cancel()

	n.mu.Lock()
	defer n.mu.Unlock()
	if gen != n.gen {
		n.logger.Debugw("Dropping stale analysis result", "mode", mode)
		return n.screenLocked(), ErrDiscarded
	}
	n.cancel = nil

	if err != nil {
		if n.signedOutLocked(err) {
			return n.screenLocked(), err
		}
		if apierr.IsUpgradeRequired(err) {
			n.logger.Infow("Backend requires upgrade, showing paywall")
			n.dismissLocked()
			n.modals = []Modal{ModalPaywall}
			n.lastErr = err
			return n.screenLocked(), err
		}
		n.modals = n.modals[:len(n.modals)-1]
		n.lastErr = err
		return n.screenLocked(), err
	}

	n.pending = &scan
	n.replaceTopLocked(ModalResult)
	return n.screenLocked(), nil
}

// SavePending stores the pending scan through the session and opens it in
// the detail screen.
func (n *Navigator) SavePending(ctx context.Context) (Screen, session.SaveResult, error) {
	n.mu.Lock()
	if n.topLocked() != ModalResult {
		defer n.mu.Unlock()
		return n.screenLocked(), session.SaveResult{}, n.invalid("save")
	}
	if n.pending == nil {
		defer n.mu.Unlock()
		return n.screenLocked(), session.SaveResult{}, ErrNoPending
	}
	scan := *n.pending
	gen := n.gen
	n.mu.Unlock()

	res, err := n.sess.SaveScan(ctx, scan)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		if gen == n.gen {
			n.lastErr = err
		}
		n.signedOutLocked(err)
		return n.screenLocked(), res, err
	}

	// the scan is stored now whatever happened to the screens meanwhile
	n.dismissLocked()
	if n.signedOutLocked(nil) {
		return n.screenLocked(), res, nil
	}
	n.viewing = res.Scan.ID
	n.modals = []Modal{ModalDetail}
	return n.screenLocked(), res, nil
}

// Upgrade buys plan from the paywall and closes it on success.
func (n *Navigator) Upgrade(ctx context.Context, plan models.Plan) (Screen, models.Outcome, error) {
	return n.purchase(ctx, func(ctx context.Context) (models.Outcome, error) {
		return n.sess.Upgrade(ctx, plan)
	})
}

// RedeemCoupon applies a coupon from the paywall and closes it on success.
func (n *Navigator) RedeemCoupon(ctx context.Context, code string) (Screen, models.Outcome, error) {
	return n.purchase(ctx, func(ctx context.Context) (models.Outcome, error) {
		return n.sess.RedeemCoupon(ctx, code)
	})
}

func (n *Navigator) purchase(ctx context.Context, fn func(context.Context) (models.Outcome, error)) (Screen, models.Outcome, error) {
	n.mu.Lock()
	if n.topLocked() != ModalPaywall {
		defer n.mu.Unlock()
		return n.screenLocked(), models.Outcome{}, n.invalid("purchase")
	}
	n.mu.Unlock()

	out, err := fn(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		if !n.signedOutLocked(err) {
			n.lastErr = err
		}
		return n.screenLocked(), out, err
	}
	if !out.Success {
		n.lastErr = errors.New(out.Message)
		return n.screenLocked(), out, nil
	}
	n.lastErr = nil
	if n.topLocked() == ModalPaywall {
		n.modals = n.modals[:len(n.modals)-1]
	}
	return n.screenLocked(), out, nil
}
