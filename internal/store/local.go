package store

import (
	"context"
	"encoding/json"
	"fmt"

	"plant-doctor/internal/models"
)

// Stable keys of the client slots.
const (
	KeyToken    = "auth_token"
	KeyProfile  = "user_data"
	KeyCounters = "counters"
	KeyHistory  = "history"
	KeyDeviceID = "device_id"
)

// Counters is the usage slot: diagnoses used and the pro flag.
type Counters struct {
	ScansUsed int  `json:"scans_used"`
	IsPro     bool `json:"is_pro"`
}

// Local is the typed view of the client's persisted state.
type Local struct {
	kv        KV
	threshold int64
}

// NewLocal wraps kv. remoteIDThreshold classifies history ids written
// without an origin tag; zero uses models.DefaultRemoteIDThreshold.
func NewLocal(kv KV, remoteIDThreshold int64) *Local {
	if remoteIDThreshold <= 0 {
		remoteIDThreshold = models.DefaultRemoteIDThreshold
	}
	return &Local{kv: kv, threshold: remoteIDThreshold}
}

func (l *Local) KV() KV { return l.kv }

func (l *Local) Token(ctx context.Context) (string, error) {
	v, _, err := l.kv.Get(ctx, KeyToken)
	return v, err
}

func (l *Local) SetToken(ctx context.Context, token string) error {
	return l.kv.Set(ctx, KeyToken, token)
}

func (l *Local) ClearToken(ctx context.Context) error {
	return l.kv.Delete(ctx, KeyToken)
}

func (l *Local) DeviceID(ctx context.Context) (string, error) {
	v, _, err := l.kv.Get(ctx, KeyDeviceID)
	return v, err
}

func (l *Local) SetDeviceID(ctx context.Context, id string) error {
	return l.kv.Set(ctx, KeyDeviceID, id)
}

func (l *Local) Profile(ctx context.Context) (models.Profile, error) {
	var p models.Profile
	_, err := l.getJSON(ctx, KeyProfile, &p)
	return p, err
}

// SetProfile merges upd onto the stored profile. Nil fields keep the
// stored value.
func (l *Local) SetProfile(ctx context.Context, upd models.ProfileUpdate) (models.Profile, error) {
	current, err := l.Profile(ctx)
	if err != nil {
		return models.Profile{}, err
	}
	merged := current.Merge(upd)
	if err := l.setJSON(ctx, KeyProfile, merged); err != nil {
		return models.Profile{}, err
	}
	return merged, nil
}

// UpdateOnboarding records the onboarding answers.
func (l *Local) UpdateOnboarding(ctx context.Context, userType *models.UserType, plantTypes []string, skipped bool) (models.Profile, error) {
	return l.SetProfile(ctx, models.ProfileUpdate{
		UserType:          userType,
		PlantTypes:        plantTypes,
		OnboardingSkipped: &skipped,
	})
}

func (l *Local) ClearProfile(ctx context.Context) error {
	return l.kv.Delete(ctx, KeyProfile)
}

// Counters returns zero values when nothing is stored.
func (l *Local) Counters(ctx context.Context) (Counters, error) {
	var c Counters
	_, err := l.getJSON(ctx, KeyCounters, &c)
	return c, err
}

func (l *Local) SetCounters(ctx context.Context, c Counters) error {
	return l.setJSON(ctx, KeyCounters, c)
}

func (l *Local) SetScansUsed(ctx context.Context, n int) error {
	c, err := l.Counters(ctx)
	if err != nil {
		c = Counters{}
	}
	c.ScansUsed = n
	return l.SetCounters(ctx, c)
}

func (l *Local) SetPro(ctx context.Context, pro bool) error {
	c, err := l.Counters(ctx)
	if err != nil {
		c = Counters{}
	}
	c.IsPro = pro
	return l.SetCounters(ctx, c)
}

// History returns the cached scans with every id tagged.
func (l *Local) History(ctx context.Context) ([]models.Scan, error) {
	var scans []models.Scan
	if _, err := l.getJSON(ctx, KeyHistory, &scans); err != nil {
		return nil, err
	}
	for i := range scans {
		scans[i].ID = scans[i].ID.Resolve(l.threshold)
	}
	return scans, nil
}

func (l *Local) SaveHistory(ctx context.Context, scans []models.Scan) error {
	if scans == nil {
		scans = []models.Scan{}
	}
	return l.setJSON(ctx, KeyHistory, scans)
}

func (l *Local) ClearHistory(ctx context.Context) error {
	return l.kv.Delete(ctx, KeyHistory)
}

func (l *Local) getJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return true, nil
}

func (l *Local) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := l.kv.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
