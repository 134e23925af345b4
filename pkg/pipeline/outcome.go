package pipeline

import (
	"time"

	"github.com/MrCodeEU/faceattend/pkg/feedback"
)

// Outcome is the terminal classification of one recognition request.
type Outcome string

const (
	OutcomeNoFace       Outcome = "no-face"
	OutcomeUnrecognized Outcome = "unrecognized"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeSuccess      Outcome = "success"
	OutcomeError        Outcome = "error"
)

// User-facing messages
var outcomeMessages = map[Outcome]string{
	OutcomeNoFace:       "No face detected. Please face the camera and try again",
	OutcomeUnrecognized: "Face not found in the system",
	OutcomeDuplicate:    "Attendance already recorded today",
	OutcomeSuccess:      "Attendance recorded",
	OutcomeError:        "Recognition failed. Please try again",
}

// Message returns a user-friendly message for an outcome.
func Message(o Outcome) string {
	if msg, ok := outcomeMessages[o]; ok {
		return msg
	}
	return "Recognition failed"
}

// Result represents the result of one recognition request.
type Result struct {
	Outcome Outcome
	// Name is set for duplicate and success.
	Name string
	// Distance to the nearest enrolled sample, when classification ran.
	Distance float64
	// EventID is the id of the recorded event on success.
	EventID  int64
	Feedback feedback.Reference
	// FeedbackErr is set when a success has no playable track. The event
	// is still recorded.
	FeedbackErr error
	Err         error
	Duration    time.Duration
}

// Message returns the user-facing message for r.
func (r Result) Message() string {
	return Message(r.Outcome)
}
