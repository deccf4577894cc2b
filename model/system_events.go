package model

// DeadLetterNotice is the payload of system.dead_letter.
// NextAutoRetryAt and Timestamp are epoch milliseconds.
type DeadLetterNotice struct {
	DeadLetterID      int64  `json:"deadLetterId"`
	OriginalEventID   string `json:"originalEventId"`
	OriginalEventType string `json:"originalEventType"`
	Error             string `json:"error"`
	RetryCount        int    `json:"retryCount"`
	NextAutoRetryAt   *int64 `json:"nextAutoRetryAt"`
	Timestamp         int64  `json:"timestamp"`
}

// ReplayStarted is the payload of system.replay.started.
type ReplayStarted struct {
	SessionID  string   `json:"sessionId"`
	Since      int64    `json:"since"`
	Until      *int64   `json:"until,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
	InstanceID string   `json:"instanceId,omitempty"`
	Limit      *int     `json:"limit,omitempty"`
	DryRun     bool     `json:"dryRun"`
	Timestamp  int64    `json:"timestamp"`
}

// ReplayCompleted is the payload of system.replay.completed.
type ReplayCompleted struct {
	SessionID       string `json:"sessionId"`
	Status          string `json:"status"`
	EventsProcessed int    `json:"eventsProcessed"`
	EventsSkipped   int    `json:"eventsSkipped"`
	Errors          int    `json:"errors"`
	DurationMs      int64  `json:"durationMs"`
	Timestamp       int64  `json:"timestamp"`
}
