package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestClockElapsedSeconds(t *testing.T) {
	tests := []struct {
		after time.Duration
		want  uint32
	}{
		{0, 0},
		{999 * time.Millisecond, 0},
		{time.Second, 1},
		{2500 * time.Millisecond, 2},
		{61 * time.Second, 61},
	}
	for _, tt := range tests {
		var c Clock
		c.Start(t0)
		if got := c.ElapsedSeconds(t0.Add(tt.after)); got != tt.want {
			t.Errorf("ElapsedSeconds(+%v) = %d, want %d", tt.after, got, tt.want)
		}
	}
}

func TestClockNeverGoesBackwards(t *testing.T) {
	var c Clock
	c.Start(t0)
	if got := c.ElapsedSeconds(t0.Add(5 * time.Second)); got != 5 {
		t.Fatalf("ElapsedSeconds = %d, want 5", got)
	}
	if got := c.ElapsedSeconds(t0.Add(3 * time.Second)); got != 5 {
		t.Errorf("ElapsedSeconds after earlier instant = %d, want 5", got)
	}
}

func TestClockStopped(t *testing.T) {
	var c Clock
	if got := c.ElapsedSeconds(t0); got != 0 {
		t.Errorf("unstarted clock = %d", got)
	}
	c.Start(t0)
	c.Stop()
	if c.Running() || c.ElapsedSeconds(t0.Add(time.Hour)) != 0 {
		t.Error("stopped clock still reports elapsed time")
	}
}

func TestSnapshotWireFormat(t *testing.T) {
	avg := 1.27
	snap := Snapshot{
		SessionID:       "abc",
		Steps:           12,
		DurationSeconds: 7,
		AvgIntensity:    &avg,
		Timestamp:       1767225600000,
		Finished:        true,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"sessionId":"abc","steps":12,"durationSeconds":7,"avgIntensity":1.27,"timestamp":1767225600000,"finished":true}`
	if string(data) != want {
		t.Errorf("json = %s\nwant  %s", data, want)
	}

	data, _ = json.Marshal(Snapshot{SessionID: "abc"})
	if !strings.Contains(string(data), `"avgIntensity":null`) {
		t.Errorf("undefined intensity not encoded as null: %s", data)
	}
	if !strings.Contains(string(data), `"finished":false`) {
		t.Errorf("finished flag omitted: %s", data)
	}
}

func TestSnapshotValidate(t *testing.T) {
	neg := -1.0
	tests := []struct {
		name string
		snap Snapshot
		ok   bool
	}{
		{"valid", Snapshot{SessionID: "a"}, true},
		{"missing id", Snapshot{}, false},
		{"negative intensity", Snapshot{SessionID: "a", AvgIntensity: &neg}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.snap.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
