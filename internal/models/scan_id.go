package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Origin says who issued a scan id.
type Origin string

const (
	// OriginLocal ids are provisional and exist only on this device.
	OriginLocal Origin = "local"
	// OriginRemote ids were assigned by the backend.
	OriginRemote Origin = "remote"
	// OriginLegacy marks a bare id read from an old cache. Resolve it
	// with ClassifyLegacyID before use.
	OriginLegacy Origin = "legacy"
)

// DefaultRemoteIDThreshold sits below any plausible second or millisecond
// epoch timestamp, so provisional ids never fall under it.
const DefaultRemoteIDThreshold int64 = 1_000_000_000

// ScanID is either Local(value) or Remote(n).
type ScanID struct {
	value  string
	origin Origin
}

func LocalID(value string) ScanID {
	return ScanID{value: value, origin: OriginLocal}
}

func RemoteID(n int64) ScanID {
	return ScanID{value: strconv.FormatInt(n, 10), origin: OriginRemote}
}

// ProvisionalID derives a local id from the capture time in milliseconds.
func ProvisionalID(unixMilli int64) ScanID {
	return LocalID(strconv.FormatInt(unixMilli, 10))
}

// ClassifyLegacyID applies the numeric-magnitude rule used by caches that
// did not record an origin: 0 < n < threshold is remote, anything else local.
func ClassifyLegacyID(value string, threshold int64) ScanID {
	if threshold <= 0 {
		threshold = DefaultRemoteIDThreshold
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err == nil && n > 0 && n < threshold {
		return RemoteID(n)
	}
	return LocalID(value)
}

func (id ScanID) String() string { return id.value }

func (id ScanID) Origin() Origin { return id.origin }

func (id ScanID) IsZero() bool { return id.value == "" }

func (id ScanID) IsRemote() bool { return id.origin == OriginRemote }

func (id ScanID) IsLegacy() bool { return id.origin == OriginLegacy }

// RemoteValue returns the backend id when the scan is remote.
func (id ScanID) RemoteValue() (int64, bool) {
	if !id.IsRemote() {
		return 0, false
	}
	n, err := strconv.ParseInt(id.value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Resolve turns a legacy id into a tagged one. Tagged ids are returned as is.
func (id ScanID) Resolve(threshold int64) ScanID {
	if id.origin != OriginLegacy {
		return id
	}
	return ClassifyLegacyID(id.value, threshold)
}

type scanIDJSON struct {
	Value  string `json:"value"`
	Origin Origin `json:"origin"`
}

func (id ScanID) MarshalJSON() ([]byte, error) {
	return json.Marshal(scanIDJSON{Value: id.value, Origin: id.origin})
}

func (id *ScanID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*id = ScanID{}
		return nil
	}

	switch trimmed[0] {
	case '{':
		var raw scanIDJSON
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		switch raw.Origin {
		case OriginLocal, OriginRemote, OriginLegacy:
		case "":
			raw.Origin = OriginLegacy
		default:
			return fmt.Errorf("unknown scan id origin %q", raw.Origin)
		}
		*id = ScanID{value: raw.Value, origin: raw.Origin}
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ScanID{value: s, origin: OriginLegacy}
	default:
		// bare number
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid scan id %s: %w", trimmed, err)
		}
		*id = ScanID{value: n.String(), origin: OriginLegacy}
	}
	return nil
}
