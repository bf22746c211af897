// Package telemetry exposes the loop's status, timing and RMS statistics
// to external monitors over websockets. The real-time path only hands
// snapshots to the hub; serialization and delivery happen off the hot
// path, and slow clients are dropped rather than allowed to backpressure
// the loop.
package telemetry

// MessageType identifies the type of message sent to monitor clients.
type MessageType string

const (
	// MessageTypeStatus is a loop status update.
	MessageTypeStatus MessageType = "status"
	// MessageTypeTiming is a per-iteration timing board.
	MessageTypeTiming MessageType = "timing"
	// MessageTypeStats is a windowed RMS statistics update.
	MessageTypeStats MessageType = "stats"
)

// Message is the envelope sent to monitor clients.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// Status is the loop state published after each iteration.
type Status struct {
	Loop       string `json:"loop"`
	Iteration  uint64 `json:"iteration"`
	Stage      int    `json:"stage"`
	StageName  string `json:"stage_name"`
	SubStatus  int    `json:"sub_status"`
	FrameCount uint64 `json:"frame_count"`
	Clipped    int    `json:"clipped"`
	Sanitized  int    `json:"sanitized"`
}

// Timing carries the fixed-length per-iteration timing board, in seconds
// since iteration start at each stage transition.
type Timing struct {
	Loop    string    `json:"loop"`
	Elapsed []float64 `json:"elapsed"`
}

// Stats carries the windowed RMS telemetry.
type Stats struct {
	Loop          string    `json:"loop"`
	OpenRMS       float64   `json:"open_rms"`
	CorrRMS       float64   `json:"corr_rms"`
	WFSRMS        float64   `json:"wfs_rms"`
	BlockClipFrac []float64 `json:"block_clip_frac"`
}
