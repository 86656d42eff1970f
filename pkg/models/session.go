package models

import "time"

// SessionState represents where a persistent session is in its lifecycle
type SessionState string

const (
	SessionLive        SessionState = "LIVE"
	SessionRelaunching SessionState = "RELAUNCHING"
	SessionRemoved     SessionState = "REMOVED"
)

// SessionOrigin records whether a run owns the browser it is using or
// borrowed it from the registry
type SessionOrigin string

const (
	OriginFresh   SessionOrigin = "fresh"
	OriginResumed SessionOrigin = "resumed"
)

// SessionInfo is the public view of a registered persistent session
type SessionInfo struct {
	ID           string        `json:"id"`
	TargetOrigin string        `json:"targetOrigin"`
	ReportID     string        `json:"reportId"`
	State        SessionState  `json:"state"`
	StartedAt    time.Time     `json:"startedAt"`
	Busy         bool          `json:"busy"`
	Polling      bool          `json:"polling"`
	PollInterval time.Duration `json:"pollInterval,omitempty"`
}

// PollingRequest is the payload for enabling background polling on a session
type PollingRequest struct {
	IntervalSeconds int `json:"intervalSeconds"`
}
