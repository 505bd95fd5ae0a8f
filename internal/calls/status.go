package calls

import (
	"errors"
	"fmt"
)

// Status is the pipeline state of a Call.
type Status string

const (
	StatusReceived            Status = "received"
	StatusDownloaded          Status = "downloaded"
	StatusTranscribed         Status = "transcribed"
	StatusAnalyzed            Status = "analyzed"
	StatusDownloadFailed      Status = "download_failed"
	StatusTranscriptionFailed Status = "transcription_failed"
	StatusAnalysisFailed      Status = "analysis_failed"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusReceived,
	StatusDownloaded,
	StatusTranscribed,
	StatusAnalyzed,
	StatusDownloadFailed,
	StatusTranscriptionFailed,
	StatusAnalysisFailed,
}

// ErrIllegalTransition is returned when a conditional advance does not apply.
var ErrIllegalTransition = errors.New("calls: illegal status transition")

func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Rank orders the success path. Failure terminals rank with the stage that
// failed, so a failed call never compares as progressed past that stage.
func (s Status) Rank() int {
	switch s {
	case StatusReceived, StatusDownloadFailed:
		return 0
	case StatusDownloaded, StatusTranscriptionFailed:
		return 1
	case StatusTranscribed, StatusAnalysisFailed:
		return 2
	case StatusAnalyzed:
		return 3
	default:
		return -1
	}
}

// Failed reports whether s is an absorbing failure terminal.
func (s Status) Failed() bool {
	switch s {
	case StatusDownloadFailed, StatusTranscriptionFailed, StatusAnalysisFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s.Failed() || s == StatusAnalyzed
}

// CanAdvance reports whether from -> to is an edge of the state machine.
func CanAdvance(from, to Status) bool {
	switch from {
	case StatusReceived:
		return to == StatusDownloaded || to == StatusDownloadFailed
	case StatusDownloaded:
		return to == StatusTranscribed || to == StatusTranscriptionFailed
	case StatusTranscribed:
		return to == StatusAnalyzed || to == StatusAnalysisFailed
	case StatusAnalyzed, StatusDownloadFailed, StatusTranscriptionFailed, StatusAnalysisFailed:
		return false
	default:
		return false
	}
}

// CheckAdvance returns ErrIllegalTransition when from -> to is not an edge.
func CheckAdvance(from, to Status) error {
	if !CanAdvance(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// FailureFor returns the failure terminal of the stage that leaves from.
func FailureFor(from Status) (Status, bool) {
	switch from {
	case StatusReceived:
		return StatusDownloadFailed, true
	case StatusDownloaded:
		return StatusTranscriptionFailed, true
	case StatusTranscribed:
		return StatusAnalysisFailed, true
	default:
		return "", false
	}
}
