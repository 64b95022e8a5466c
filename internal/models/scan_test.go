package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyLegacyID(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		threshold  int64
		wantRemote bool
	}{
		{"small integer is remote", "42", DefaultRemoteIDThreshold, true},
		{"millisecond timestamp is local", "1718900000000", DefaultRemoteIDThreshold, false},
		{"second timestamp is local", "1718900000", DefaultRemoteIDThreshold, false},
		{"zero is local", "0", DefaultRemoteIDThreshold, false},
		{"non numeric is local", "lq3x-abc", DefaultRemoteIDThreshold, false},
		{"custom threshold", "5000", 1000, false},
		{"unset threshold falls back to default", "7", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ClassifyLegacyID(tt.value, tt.threshold)
			assert.Equal(t, tt.wantRemote, id.IsRemote())
			assert.Equal(t, tt.value, id.String())
		})
	}
}

func TestScanIDJSON(t *testing.T) {
	t.Run("tagged ids keep their origin", func(t *testing.T) {
		data, err := json.Marshal([]ScanID{RemoteID(17), LocalID("1718900000000")})
		require.NoError(t, err)

		var ids []ScanID
		require.NoError(t, json.Unmarshal(data, &ids))
		require.Len(t, ids, 2)
		assert.True(t, ids[0].IsRemote())
		n, ok := ids[0].RemoteValue()
		assert.True(t, ok)
		assert.Equal(t, int64(17), n)
		assert.Equal(t, OriginLocal, ids[1].Origin())
	})

	t.Run("bare strings decode as legacy", func(t *testing.T) {
		var ids []ScanID
		require.NoError(t, json.Unmarshal([]byte(`["12", "1718900000000", 33]`), &ids))
		for _, id := range ids {
			assert.True(t, id.IsLegacy())
		}
		assert.True(t, ids[0].Resolve(DefaultRemoteIDThreshold).IsRemote())
		assert.False(t, ids[1].Resolve(DefaultRemoteIDThreshold).IsRemote())
		assert.True(t, ids[2].Resolve(DefaultRemoteIDThreshold).IsRemote())
	})

	t.Run("unknown origin is rejected", func(t *testing.T) {
		var id ScanID
		assert.Error(t, json.Unmarshal([]byte(`{"value":"1","origin":"cloud"}`), &id))
	})
}

func TestScanIsDuplicateOf(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Second

	a := Scan{ID: LocalID("1"), Condition: "Leaf Spot", Date: base}

	tests := []struct {
		name  string
		other Scan
		want  bool
	}{
		{"same id", Scan{ID: LocalID("1"), Condition: "Rust", Date: base.Add(time.Hour)}, true},
		{"same label inside window", Scan{ID: LocalID("2"), Condition: "Leaf Spot", Date: base.Add(4 * time.Second)}, true},
		{"same label before, inside window", Scan{ID: LocalID("2"), Condition: "Leaf Spot", Date: base.Add(-3 * time.Second)}, true},
		{"same label outside window", Scan{ID: LocalID("2"), Condition: "Leaf Spot", Date: base.Add(6 * time.Second)}, false},
		{"different label inside window", Scan{ID: LocalID("2"), Condition: "Rust", Date: base.Add(time.Second)}, false},
		{"same value different origin", Scan{ID: RemoteID(1), Condition: "Rust", Date: base.Add(time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.IsDuplicateOf(tt.other, window))
		})
	}
}

func TestRemoteScanToScan(t *testing.T) {
	created := time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC)
	r := RemoteScan{
		ID:            9,
		ConditionName: "Monstera deliciosa",
		Confidence:    0.87,
		CreatedAt:     created,
		Mode:          ModeIdentification,
	}

	s := r.ToScan("device-1")
	assert.Equal(t, RemoteID(9), s.ID)
	assert.Equal(t, "Monstera deliciosa", s.PlantName)
	assert.InDelta(t, 87.0, s.Confidence, 0.001)
	assert.True(t, s.Date.Equal(created))
	assert.Equal(t, "device-1", s.UserID)
	assert.NotNil(t, s.Symptoms)
	assert.False(t, s.PendingSync)
}

func TestNewCreateScanRequest(t *testing.T) {
	s := NewPendingScan(ModeDiagnosis, "", time.Now())
	s.Confidence = 92

	req := NewCreateScanRequest("dev", s)
	assert.Equal(t, "Unknown", req.ConditionName)
	assert.InDelta(t, 0.92, req.Confidence, 0.0001)
	assert.Nil(t, req.ImageURL)
	assert.Equal(t, ModeDiagnosis, req.Mode)
}

func TestProfileMerge(t *testing.T) {
	p := Profile{Name: "Asha", Email: "asha@example.com", Country: "IN"}
	country := "KE"

	merged := p.Merge(ProfileUpdate{Country: &country})
	assert.Equal(t, "Asha", merged.Name)
	assert.Equal(t, "asha@example.com", merged.Email)
	assert.Equal(t, "KE", merged.Country)
	assert.False(t, merged.OnboardingComplete())

	ut := UserTypeFarmer
	merged = merged.Merge(ProfileUpdate{UserType: &ut, PlantTypes: []string{"Vegetables"}})
	assert.True(t, merged.OnboardingComplete())
}
