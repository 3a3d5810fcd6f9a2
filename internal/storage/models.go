package storage

import "time"

// AlertRecord is one emitted alert persisted for auditing.
type AlertRecord struct {
	ID             int64
	AlertID        string
	Kind           string
	Severity       string
	Title          string
	Description    string
	Entity         string
	CorrelationKey string
	Score          float64
	Confidence     float64
	Timestamp      time.Time
	CreatedAt      time.Time
}
