// Package attendance holds the durable attendance log and the in-memory view
// of today's attendance used for deduplication.
package attendance

import "time"

// Identity is a roster entry. Name is unique and is the label the
// identity index emits.
type Identity struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Category     string `json:"category"`
}

// Event is one recorded attendance.
type Event struct {
	ID             int64     `json:"id"`
	IdentityID     int64     `json:"identity_id"`
	IdentityName   string    `json:"name"`
	Organization   string    `json:"organization"`
	Category       string    `json:"category"`
	ImageReference string    `json:"image_reference"`
	Timestamp      time.Time `json:"timestamp"`
	LocalDate      string    `json:"date"`
}
