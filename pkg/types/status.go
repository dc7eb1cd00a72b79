package types

// Status is the lifecycle state of one audio file's analysis.
//
//	uploaded → processing → completed | failed
//
// A completed or failed file returns to processing when a new analysis is
// requested. A cancelled run resets the file to uploaded.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends a run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a file in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusProcessing:
		// Any file may be (re-)analysed; a processing file is superseded.
		return s.IsValid()
	case StatusCompleted, StatusFailed:
		return s == StatusProcessing
	case StatusUploaded:
		return s == StatusProcessing || s == StatusUploaded
	}
	return false
}

// Progress is the status report consumed by pollers.
type Progress struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Progress int    `json:"progress"`

	// RunID identifies the analysis run that produced this report.
	RunID string `json:"run_id,omitempty"`
}
