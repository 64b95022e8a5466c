package models

import (
	"time"
)

type Mode string

const (
	ModeDiagnosis      Mode = "diagnosis"
	ModeIdentification Mode = "identification"
)

func (m Mode) Valid() bool {
	return m == ModeDiagnosis || m == ModeIdentification
}

// Scan is one completed diagnosis or identification.
type Scan struct {
	ID             ScanID    `json:"id"`
	Image          string    `json:"image"`
	Mode           Mode      `json:"mode"`
	Condition      string    `json:"condition,omitempty"`
	PlantName      string    `json:"plant_name,omitempty"`
	ScientificName string    `json:"scientific_name,omitempty"`
	Family         string    `json:"family,omitempty"`
	Confidence     float64   `json:"confidence"`
	Date           time.Time `json:"date"`
	Symptoms       []string  `json:"symptoms"`
	Causes         []string  `json:"causes"`
	Treatment      []string  `json:"treatment"`
	Notes          string    `json:"notes"`
	Category       string    `json:"category,omitempty"`
	Severity       string    `json:"severity,omitempty"`
	HealthScore    *float64  `json:"health_score,omitempty"`
	PendingSync    bool      `json:"pending_sync"`
	UserID         string    `json:"user_id,omitempty"`
}

// Label is the classification the user sees: condition for diagnoses,
// plant name for identifications.
func (s Scan) Label() string {
	if s.Condition != "" {
		return s.Condition
	}
	return s.PlantName
}

// IsDuplicateOf reports whether s and other describe the same capture:
// equal ids, or dates closer than window with the same label.
func (s Scan) IsDuplicateOf(other Scan, window time.Duration) bool {
	if !s.ID.IsZero() && s.ID == other.ID {
		return true
	}
	diff := s.Date.Sub(other.Date)
	if diff < 0 {
		diff = -diff
	}
	return diff < window && s.Label() == other.Label()
}

// NewPendingScan builds an unsaved scan from an analysis result. The id is
// provisional until a save adopts the backend id.
func NewPendingScan(mode Mode, image string, capturedAt time.Time) Scan {
	return Scan{
		ID:        ProvisionalID(capturedAt.UnixMilli()),
		Image:     image,
		Mode:      mode,
		Date:      capturedAt,
		Symptoms:  []string{},
		Causes:    []string{},
		Treatment: []string{},
	}
}

// ApplyDiagnosis copies a diagnosis result onto the scan.
func (s *Scan) ApplyDiagnosis(d Diagnosis) {
	s.Condition = d.Condition
	s.Confidence = d.Confidence
	s.Symptoms = nonNil(d.Symptoms)
	s.Causes = nonNil(d.Causes)
	s.Treatment = nonNil(d.Treatment)
	s.Category = d.Category
	s.Severity = d.Severity
	s.HealthScore = d.HealthScore
}

// ApplyIdentification copies an identification result onto the scan.
func (s *Scan) ApplyIdentification(i Identification) {
	s.PlantName = i.Name
	s.Confidence = i.Confidence
	s.ScientificName = i.ScientificName
	s.Family = i.Family
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
