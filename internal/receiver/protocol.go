package receiver

type MessageType string

const (
	MsgSnapshot   MessageType = "snapshot"
	MsgDelta      MessageType = "delta"
	MsgCompletion MessageType = "completion"
)

// Message is the envelope sent to viewers on /ws.
type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*Record `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*Record `json:"updates"`
	Removed []string  `json:"removed,omitempty"`
}

type CompletionPayload struct {
	SessionID       string   `json:"sessionId"`
	Device          string   `json:"device"`
	Steps           uint64   `json:"steps"`
	DurationSeconds uint32   `json:"durationSeconds"`
	AvgIntensity    *float64 `json:"avgIntensity"`
}
