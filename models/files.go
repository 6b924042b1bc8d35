package models

import "time"

type File struct {
	FileId      string    `dynamodbav:"file_id" json:"file_id"`           // Unique file identifier
	UploadId    string    `dynamodbav:"upload_id" json:"upload_id"`       // Corresponding upload id
	ObjectId    string    `dynamodbav:"object_id" json:"object_id"`       // Remote object holding the content
	StorageKey  string    `dynamodbav:"storage_key" json:"storage_key"`   // Final key in the bucket
	OwnerEmail  string    `dynamodbav:"owner_email" json:"owner_email"`   // File owner email
	Name        string    `dynamodbav:"name" json:"name"`                 // Display name
	MimeType    string    `dynamodbav:"mime_type" json:"mime_type"`       // Content type
	Size        int64     `dynamodbav:"file_size" json:"size"`            // Size of a file
	TotalChunks int       `dynamodbav:"total_chunks" json:"total_chunks"` // Number of chunks it was uploaded in
	Published   bool      `dynamodbav:"published" json:"published"`       // Visible to readers
	Downloads   int64     `dynamodbav:"downloads" json:"downloads"`       // Download counter
	CreatedAt   time.Time `dynamodbav:"created_at" json:"created_at"`     // Time of creation
	UpdatedAt   time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

type FilesResponse struct {
	Files []File `json:"files"`
	// Total counts every file matching the query, across all pages.
	Total    int `json:"total"`
	Page     int `json:"page,omitempty"`
	PageSize int `json:"page_size,omitempty"`
}

type DownloadResponse struct {
	FileId    string    `json:"file_id"`
	Url       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Downloads int64     `json:"downloads"`
}
