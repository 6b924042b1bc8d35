package models

import (
	"fmt"
	"time"
)

type UploadStatus string

const (
	UploadStatusCreated    UploadStatus = "created"
	UploadStatusInProgress UploadStatus = "in_progress"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch UploadStatus(s) {
	case UploadStatusCreated, UploadStatusInProgress, UploadStatusCompleted, UploadStatusFailed:
		return UploadStatus(s), nil
	default:
		return "", fmt.Errorf("unknown upload status %q", s)
	}
}

func (s UploadStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no transition can leave s.
func (s UploadStatus) IsTerminal() bool {
	return s == UploadStatusCompleted || s == UploadStatusFailed
}

// UploadSession tracks one multi-chunk upload from creation to a terminal state.
// FileSize and TotalChunks are zero until declared, either at creation or by
// the first applied chunk.
type UploadSession struct {
	UploadId       string       `dynamodbav:"upload_id" json:"upload_id"`             // Unique identifier for upload session
	ObjectId       string       `dynamodbav:"object_id" json:"object_id"`             // Backing object in the remote store
	FileName       string       `dynamodbav:"file_name" json:"file_name"`             // Original file name
	MimeType       string       `dynamodbav:"mime_type" json:"mime_type"`             // Declared content type
	OwnerEmail     string       `dynamodbav:"owner_email" json:"owner_email"`         // Email(id) of user who owns this upload
	FileSize       int64        `dynamodbav:"file_size" json:"file_size"`             // Total file size in bytes
	TotalChunks    int          `dynamodbav:"total_chunks" json:"total_chunks"`       // Declared number of chunks
	ReceivedChunks int          `dynamodbav:"received_chunks" json:"received_chunks"` // Successfully applied chunks
	Cursor         int64        `dynamodbav:"cursor" json:"cursor"`                   // Bytes written so far
	Status         UploadStatus `dynamodbav:"status" json:"status"`                   // Current upload status
	FileId         string       `dynamodbav:"file_id,omitempty" json:"file_id,omitempty"`
	FailureReason  string       `dynamodbav:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	ExpirationTime time.Time    `dynamodbav:"expiration_time" json:"expiration_time"` // Live sessions are reaped after this
	CreatedAt      time.Time    `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `dynamodbav:"updated_at" json:"updated_at"`
}

// Progress returns the share of received chunks in percent.
func (s UploadSession) Progress() uint8 {
	if s.TotalChunks <= 0 {
		return 0
	}
	p := float64(s.ReceivedChunks) / float64(s.TotalChunks) * 100
	if p > 100 {
		p = 100
	}
	return uint8(p)
}

type UploadStatusResponse struct {
	UploadId       string       `json:"upload_id"`
	Status         UploadStatus `json:"status"`
	Progress       uint8        `json:"progress"`
	Cursor         int64        `json:"cursor"`
	ReceivedChunks int          `json:"received_chunks"`
	TotalChunks    int          `json:"total_chunks"`
	FileId         string       `json:"file_id,omitempty"`
	Message        string       `json:"message,omitempty"`
}

func NewUploadStatusResponse(s UploadSession) UploadStatusResponse {
	return UploadStatusResponse{
		UploadId:       s.UploadId,
		Status:         s.Status,
		Progress:       s.Progress(),
		Cursor:         s.Cursor,
		ReceivedChunks: s.ReceivedChunks,
		TotalChunks:    s.TotalChunks,
		FileId:         s.FileId,
		Message:        s.FailureReason,
	}
}
