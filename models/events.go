package models

import "time"

const (
	EventUploadCompleted = "upload.completed"
	EventUploadFailed    = "upload.failed"
)

// UploadEvent is published when a session reaches a terminal state.
type UploadEvent struct {
	Type       string    `json:"type"`
	UploadId   string    `json:"upload_id"`
	FileId     string    `json:"file_id,omitempty"`
	OwnerEmail string    `json:"owner_email,omitempty"`
	Size       int64     `json:"size"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
