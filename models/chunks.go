package models

const (
	ChunkStatusInProgress = "in-progress"
	ChunkStatusCompleted  = "completed"
)

// ChunkRequest carries one byte range [StartOffset, EndOffset) of an upload.
// FileSize and TotalChunks are repeated on every chunk and must agree with
// what the session already recorded.
type ChunkRequest struct {
	UploadId    string
	Index       int
	TotalChunks int
	FileSize    int64
	StartOffset int64
	EndOffset   int64
	Payload     []byte
}

type ChunkResult struct {
	UploadId       string `json:"upload_id"`
	Status         string `json:"status"`
	BytesWritten   int64  `json:"bytes_written"`
	Cursor         int64  `json:"cursor"`
	ReceivedChunks int    `json:"received_chunks"`
	TotalChunks    int    `json:"total_chunks"`
	Progress       uint8  `json:"progress"`
	FileId         string `json:"file_id,omitempty"`
}
