package domain

import "time"

// ConnectionQuality grades the link to the upstream backend.
type ConnectionQuality string

const (
	QualityGood     ConnectionQuality = "good"
	QualityDegraded ConnectionQuality = "degraded"
	QualityOffline  ConnectionQuality = "offline"
)

// ConnectivityState is a snapshot of the link to the upstream backend.
// Written only by the connectivity monitor and by retry outcome
// reporting; everyone else reads copies.
type ConnectivityState struct {
	Online              bool              `json:"online"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastCheckedAt       time.Time         `json:"last_checked_at"`
	LastError           string            `json:"last_error,omitempty"`
	Quality             ConnectionQuality `json:"quality"`
}
