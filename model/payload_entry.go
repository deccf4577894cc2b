package model

import (
	"database/sql"
	"time"
)

// PayloadStage names the pipeline stage a payload snapshot was taken at.
type PayloadStage string

const (
	StageWebhookRaw    PayloadStage = "webhook_raw"
	StageAgentRequest  PayloadStage = "agent_request"
	StageAgentResponse PayloadStage = "agent_response"
	StageChannelSend   PayloadStage = "channel_send"
	StageError         PayloadStage = "error"
)

// PayloadStages lists every stage in pipeline order.
func PayloadStages() []PayloadStage {
	return []PayloadStage{StageWebhookRaw, StageAgentRequest, StageAgentResponse, StageChannelSend, StageError}
}

// Valid reports whether s is a known stage.
func (s PayloadStage) Valid() bool {
	switch s {
	case StageWebhookRaw, StageAgentRequest, StageAgentResponse, StageChannelSend, StageError:
		return true
	}
	return false
}

// PayloadEntry is a compressed payload snapshot. Rows are soft-deleted only.
type PayloadEntry struct {
	ID        int64        `json:"id" db:"id"`
	EventID   string       `json:"eventId" db:"event_id"`
	EventType string       `json:"eventType" db:"event_type"`
	Stage     PayloadStage `json:"stage" db:"stage"`

	PayloadCompressed     string `json:"payloadCompressed" db:"payload_compressed"` // gzip, base64
	PayloadSizeOriginal   int    `json:"payloadSizeOriginal" db:"payload_size_original"`
	PayloadSizeCompressed int    `json:"payloadSizeCompressed" db:"payload_size_compressed"`
	ContainsMedia         bool   `json:"containsMedia" db:"contains_media"`
	ContainsBase64        bool   `json:"containsBase64" db:"contains_base64"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`

	DeletedAt    sql.NullTime `json:"deletedAt" db:"deleted_at"`
	DeletedBy    string       `json:"deletedBy" db:"deleted_by"`
	DeleteReason string       `json:"deleteReason" db:"delete_reason"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for PayloadEntry.
func (p PayloadEntry) TableName() string {
	return tablePrefix + "payloads"
}

// IsDeleted reports whether the snapshot was soft-deleted.
func (p *PayloadEntry) IsDeleted() bool {
	return p.DeletedAt.Valid
}

// IsExpired reports whether the retention window has passed at now.
func (p *PayloadEntry) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// SoftDelete marks the snapshot deleted without removing the row.
func (p *PayloadEntry) SoftDelete(now time.Time, by, reason string) error {
	if p.IsDeleted() {
		return ErrAlreadyDeleted
	}
	p.DeletedAt = sql.NullTime{Time: now, Valid: true}
	p.DeletedBy = by
	p.DeleteReason = reason
	return nil
}

// CompressionRatio returns compressed size over original size.
func (p *PayloadEntry) CompressionRatio() float64 {
	if p.PayloadSizeOriginal == 0 {
		return 0
	}
	return float64(p.PayloadSizeCompressed) / float64(p.PayloadSizeOriginal)
}
