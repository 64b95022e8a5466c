package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Identification is the top identification result, confidence in 0-100.
type Identification struct {
	Name           string  `json:"name"`
	Confidence     float64 `json:"confidence"`
	ScientificName string  `json:"scientific_name,omitempty"`
	Family         string  `json:"family,omitempty"`
}

// Diagnosis is the authoritative diagnosis result, confidence in 0-100.
type Diagnosis struct {
	Condition   string   `json:"condition"`
	Confidence  float64  `json:"confidence"`
	Symptoms    []string `json:"symptoms"`
	Causes      []string `json:"causes"`
	Treatment   []string `json:"treatment"`
	Category    string   `json:"category,omitempty"`
	Severity    string   `json:"severity,omitempty"`
	HealthScore *float64 `json:"health_score,omitempty"`
}

// NormalizeConfidence maps 0-1 scores onto 0-100.
func NormalizeConfidence(c float64) float64 {
	if c > 0 && c <= 1 {
		return c * 100
	}
	return c
}

// RemoteScan is a scan as listed by the backend. Confidence is 0-1.
type RemoteScan struct {
	ID            int64     `json:"id"`
	ImageURL      string    `json:"image_url"`
	ConditionName string    `json:"condition_name"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"created_at"`
	Symptoms      []string  `json:"symptoms"`
	Causes        []string  `json:"causes"`
	Treatment     []string  `json:"treatment"`
	Notes         string    `json:"notes"`
	Mode          Mode      `json:"mode"`
	Category      string    `json:"category"`
	Severity      string    `json:"severity"`
	HealthScore   *float64  `json:"health_score"`
}

// ToScan converts a listed scan into the local shape, tagged with userID.
func (r RemoteScan) ToScan(userID string) Scan {
	mode := r.Mode
	if !mode.Valid() {
		mode = ModeDiagnosis
	}
	s := Scan{
		ID:          RemoteID(r.ID),
		Image:       r.ImageURL,
		Mode:        mode,
		Condition:   r.ConditionName,
		Confidence:  r.Confidence * 100,
		Date:        r.CreatedAt,
		Symptoms:    nonNil(r.Symptoms),
		Causes:      nonNil(r.Causes),
		Treatment:   nonNil(r.Treatment),
		Notes:       r.Notes,
		Category:    r.Category,
		Severity:    r.Severity,
		HealthScore: r.HealthScore,
		UserID:      userID,
	}
	if mode == ModeIdentification {
		s.PlantName = r.ConditionName
	}
	return s
}

// CreateScanRequest is the body of a create-scan call. Confidence is 0-1.
type CreateScanRequest struct {
	DeviceID      string   `json:"device_id"`
	Mode          Mode     `json:"mode"`
	ImageURL      *string  `json:"image_url"`
	ConditionName string   `json:"condition_name"`
	Confidence    float64  `json:"confidence"`
	Symptoms      []string `json:"symptoms"`
	Causes        []string `json:"causes"`
	Treatment     []string `json:"treatment"`
	Notes         string   `json:"notes"`
	Category      *string  `json:"category"`
	Severity      *string  `json:"severity"`
	HealthScore   *float64 `json:"health_score"`
}

// NewCreateScanRequest builds the create body for a local scan.
func NewCreateScanRequest(deviceID string, s Scan) CreateScanRequest {
	req := CreateScanRequest{
		DeviceID:      deviceID,
		Mode:          s.Mode,
		ConditionName: s.Label(),
		Confidence:    s.Confidence,
		Symptoms:      nonNil(s.Symptoms),
		Causes:        nonNil(s.Causes),
		Treatment:     nonNil(s.Treatment),
		Notes:         s.Notes,
		HealthScore:   s.HealthScore,
	}
	if req.Mode == "" {
		req.Mode = ModeDiagnosis
	}
	if req.ConditionName == "" {
		req.ConditionName = "Unknown"
	}
	if req.Confidence > 1 {
		req.Confidence /= 100
	}
	if s.Image != "" {
		req.ImageURL = &s.Image
	}
	if s.Category != "" {
		req.Category = &s.Category
	}
	if s.Severity != "" {
		req.Severity = &s.Severity
	}
	return req
}

// CreatedScan is the create-scan response. IsPremium is set only when the
// backend reports it.
type CreatedScan struct {
	ID        int64 `json:"id"`
	IsPremium *bool `json:"is_premium,omitempty"`
}

// ScanStats summarises the remote history.
type ScanStats struct {
	Total          int `json:"total_scans"`
	Diagnoses      int `json:"diagnosis_scans"`
	Identification int `json:"identification_scans"`
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
