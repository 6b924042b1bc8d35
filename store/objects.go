package store

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/health"
)

// ObjectStore is the capability the ingestion pipeline needs from a remote
// object store. Ranges are half-open: [start, end).
type ObjectStore interface {
	CreateEmptyObject(ctx context.Context, name string, mimeType string) (string, error)
	WriteRange(ctx context.Context, objectID string, data []byte, start, end, totalSize int64) error
	CompleteObject(ctx context.Context, objectID string) (ObjectInfo, error)
	DeleteObject(ctx context.Context, objectID string) error
	GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error)

	health.ReadinessCheck
}

type ObjectInfo struct {
	ObjectId string
	Key      string
	MimeType string
	Size     int64
}

// minimum size of every part but the last in an S3 multipart upload
const minPartSize = 5 * 1024 * 1024

type objectManifest struct {
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Layout:
//
//	uploads/{objectID}/manifest.json
//	uploads/{objectID}/chunk_{start offset, zero padded}
//	files/{objectID}/{name}
func stagingPrefix(objectID string) string {
	return fmt.Sprintf("uploads/%s/", objectID)
}

func manifestKey(objectID string) string {
	return stagingPrefix(objectID) + "manifest.json"
}

func chunkKey(objectID string, start int64) string {
	return fmt.Sprintf("%schunk_%020d", stagingPrefix(objectID), start)
}

func finalPrefix(objectID string) string {
	return fmt.Sprintf("files/%s/", objectID)
}

func finalKey(objectID string, name string) string {
	return finalPrefix(objectID) + sanitize(name)
}

func isChunkKey(key string) bool {
	return strings.Contains(path.Base(key), "chunk_")
}

func extractChunkOffset(key string) int64 {
	// key example: uploads/{objectID}/chunk_00000000000000000100
	parts := strings.Split(key, "chunk_")
	n, _ := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	return n
}

func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "file"
	}
	u := url.PathEscape(name)
	return strings.ReplaceAll(u, "%2F", "_")
}

func validateRange(data []byte, start, end, totalSize int64) error {
	if start < 0 || end <= start {
		return fmt.Errorf("invalid range [%d,%d)", start, end)
	}
	if int64(len(data)) != end-start {
		return fmt.Errorf("range [%d,%d) does not match payload of %d bytes", start, end, len(data))
	}
	if totalSize > 0 && end > totalSize {
		return fmt.Errorf("range [%d,%d) exceeds total size %d", start, end, totalSize)
	}
	return nil
}

type stagedChunk struct {
	Key    string
	Offset int64
	Size   int64
}

// checkContiguous verifies that sorted staged chunks cover [0, total) with no
// gap or overlap and returns the total size.
func checkContiguous(chunks []stagedChunk) (int64, error) {
	var cursor int64
	for _, c := range chunks {
		if c.Offset != cursor {
			return 0, fmt.Errorf("staged chunk %s starts at %d, expected %d", c.Key, c.Offset, cursor)
		}
		cursor += c.Size
	}
	return cursor, nil
}

func partsLargeEnough(chunks []stagedChunk) bool {
	for i, c := range chunks {
		if i < len(chunks)-1 && c.Size < minPartSize {
			return false
		}
	}
	return true
}
