package session

import (
	"errors"
	"time"
)

// Snapshot is the point-in-time summary relayed to the remote endpoint.
// Its JSON form is the telemetry wire format: one object per message,
// avgIntensity null until the first sample, timestamp in epoch ms.
type Snapshot struct {
	SessionID       string   `json:"sessionId"`
	Steps           uint64   `json:"steps"`
	DurationSeconds uint32   `json:"durationSeconds"`
	AvgIntensity    *float64 `json:"avgIntensity"`
	Timestamp       uint64   `json:"timestamp"`
	Finished        bool     `json:"finished"`
}

// CapturedAt converts Timestamp back to a time.
func (s Snapshot) CapturedAt() time.Time {
	return time.UnixMilli(int64(s.Timestamp))
}

// Intensity returns the average intensity and whether it is defined.
func (s Snapshot) Intensity() (float64, bool) {
	if s.AvgIntensity == nil {
		return 0, false
	}
	return *s.AvgIntensity, true
}

// Validate checks a decoded snapshot from an untrusted peer.
func (s Snapshot) Validate() error {
	if s.SessionID == "" {
		return errors.New("missing sessionId")
	}
	if s.AvgIntensity != nil && *s.AvgIntensity < 0 {
		return errors.New("negative avgIntensity")
	}
	return nil
}

func epochMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
