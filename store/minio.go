package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/retries"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioObjectStoreImpl keeps the same staging layout as the S3 store and
// merges with server side compose when every part is large enough.
type MinioObjectStoreImpl struct {
	client *minio.Client
	bucket string

	logger logging.Logger
}

func NewMinioObjectStoreImpl(cfg MinioConfig, l logging.Logger) (*MinioObjectStoreImpl, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioObjectStoreImpl{client: cl, bucket: cfg.Bucket, logger: l}, nil
}

func (m *MinioObjectStoreImpl) IsReady(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", m.bucket)
	}
	return nil
}

func (m *MinioObjectStoreImpl) Name() string {
	return "ObjectStore[minio]"
}

func (m *MinioObjectStoreImpl) CreateEmptyObject(ctx context.Context, name string, mimeType string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}

	objectID := uuid.NewString()
	body, err := json.Marshal(objectManifest{
		Name:      name,
		MimeType:  mimeType,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	_, err = m.client.PutObject(ctx, m.bucket, manifestKey(objectID), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		m.logger.Error("failed to create object manifest", "object_id", objectID, "error", err)
		return "", fmt.Errorf("failed to create object: %w", err)
	}

	m.logger.Info("created empty object", "object_id", objectID, "name", name, "mime_type", mimeType)
	return objectID, nil
}

func (m *MinioObjectStoreImpl) WriteRange(ctx context.Context, objectID string, data []byte, start, end, totalSize int64) error {
	if objectID == "" {
		return fmt.Errorf("objectID cannot be empty")
	}
	if err := validateRange(data, start, end, totalSize); err != nil {
		return err
	}

	contentRange := fmt.Sprintf("bytes %d-%d/%d", start, end-1, totalSize)

	err := retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		_, err := m.client.PutObject(ctx, m.bucket, chunkKey(objectID, start), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			UserMetadata: map[string]string{"content-range": contentRange},
		})
		return err
	}, isRetriableMinioError)
	if err != nil {
		m.logger.Error("failed to stage range", "object_id", objectID, "range", contentRange, "error", err)
		return fmt.Errorf("failed to write range %s: %w", contentRange, err)
	}

	m.logger.Debug("staged range", "object_id", objectID, "range", contentRange)
	return nil
}

func (m *MinioObjectStoreImpl) CompleteObject(ctx context.Context, objectID string) (ObjectInfo, error) {
	if objectID == "" {
		return ObjectInfo{}, fmt.Errorf("objectID cannot be empty")
	}

	manifest, err := m.readManifest(ctx, objectID)
	if err != nil {
		return ObjectInfo{}, err
	}

	info := ObjectInfo{
		ObjectId: objectID,
		Key:      finalKey(objectID, manifest.Name),
		MimeType: manifest.MimeType,
	}

	stat, err := m.client.StatObject(ctx, m.bucket, info.Key, minio.StatObjectOptions{})
	if err == nil {
		m.logger.Info("final object already exists, skipping", "object_id", objectID, "final_key", info.Key)
		info.Size = stat.Size
		return info, nil
	}
	if !isMinioNotFound(err) {
		return ObjectInfo{}, fmt.Errorf("failed to check file existence: %w", err)
	}

	prefix := stagingPrefix(objectID)
	chunks, err := m.listChunks(ctx, prefix)
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(chunks) == 0 {
		return ObjectInfo{}, fmt.Errorf("no chunks found for object %s", objectID)
	}

	info.Size, err = checkContiguous(chunks)
	if err != nil {
		return ObjectInfo{}, err
	}

	dst := minio.CopyDestOptions{
		Bucket:          m.bucket,
		Object:          info.Key,
		ReplaceMetadata: true,
		UserMetadata:    map[string]string{"Content-Type": info.MimeType},
	}

	switch {
	case len(chunks) == 1:
		_, err = m.client.CopyObject(ctx, dst, minio.CopySrcOptions{Bucket: m.bucket, Object: chunks[0].Key})
	case partsLargeEnough(chunks):
		srcs := make([]minio.CopySrcOptions, 0, len(chunks))
		for _, c := range chunks {
			srcs = append(srcs, minio.CopySrcOptions{Bucket: m.bucket, Object: c.Key})
		}
		_, err = m.client.ComposeObject(ctx, dst, srcs...)
	default:
		err = m.streamMergeAndPut(ctx, chunks, info)
	}
	if err != nil {
		m.logger.Error("failed to merge staged chunks", "object_id", objectID, "final_key", info.Key, "error", err)
		return ObjectInfo{}, fmt.Errorf("failed to merge object %s: %w", objectID, err)
	}

	if err := m.removePrefix(ctx, prefix); err != nil {
		m.logger.Error("failed to delete staged chunks", "prefix", prefix, "error", err)
		// Don't return error as the main operation succeeded
	}

	m.logger.Info("completed object", "object_id", objectID, "final_key", info.Key, "size", info.Size)
	return info, nil
}

func (m *MinioObjectStoreImpl) DeleteObject(ctx context.Context, objectID string) error {
	if objectID == "" {
		return fmt.Errorf("objectID cannot be empty")
	}

	var errs []error
	if err := m.removePrefix(ctx, stagingPrefix(objectID)); err != nil {
		errs = append(errs, err)
	}
	if err := m.removePrefix(ctx, finalPrefix(objectID)); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", objectID, err)
	}

	m.logger.Info("deleted object", "object_id", objectID)
	return nil
}

func (m *MinioObjectStoreImpl) GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (m *MinioObjectStoreImpl) readManifest(ctx context.Context, objectID string) (objectManifest, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, manifestKey(objectID), minio.GetObjectOptions{})
	if err != nil {
		return objectManifest{}, fmt.Errorf("failed to read manifest of %s: %w", objectID, err)
	}
	defer obj.Close()

	var manifest objectManifest
	if err := json.NewDecoder(obj).Decode(&manifest); err != nil {
		return objectManifest{}, fmt.Errorf("failed to decode manifest of %s: %w", objectID, err)
	}
	return manifest, nil
}

func (m *MinioObjectStoreImpl) listChunks(ctx context.Context, prefix string) ([]stagedChunk, error) {
	// stops the lister when returning early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var chunks []stagedChunk
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		if !isChunkKey(obj.Key) {
			continue
		}
		chunks = append(chunks, stagedChunk{Key: obj.Key, Offset: extractChunkOffset(obj.Key), Size: obj.Size})
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Offset < chunks[j].Offset
	})
	return chunks, nil
}

func (m *MinioObjectStoreImpl) streamMergeAndPut(ctx context.Context, chunks []stagedChunk, info ObjectInfo) error {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		for _, c := range chunks {
			obj, err := m.client.GetObject(ctx, m.bucket, c.Key, minio.GetObjectOptions{})
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to get object %s: %w", c.Key, err))
				return
			}

			_, err = io.Copy(pw, obj)
			obj.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to copy chunk %s: %w", c.Key, err))
				return
			}
		}
	}()

	_, err := m.client.PutObject(ctx, m.bucket, info.Key, pr, info.Size, minio.PutObjectOptions{
		ContentType: info.MimeType,
	})
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	return nil
}

// removePrefix feeds the listing of prefix into RemoveObjects. A failed
// listing is returned with the removal errors so a partial delete is never
// reported as success.
func (m *MinioObjectStoreImpl) removePrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make(chan minio.ObjectInfo)
	listDone := make(chan struct{})
	var listErr error

	go func() {
		defer close(listDone)
		defer close(objects)
		for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				m.logger.Error("failed to list objects for deletion", "prefix", prefix, "error", obj.Err)
				listErr = fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for rErr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("remove %s: %w", rErr.ObjectName, rErr.Err))
	}

	cancel()
	<-listDone
	if listErr != nil {
		errs = append(errs, listErr)
	}
	return errors.Join(errs...)
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound" || code == "NoSuchUpload"
}

func isRetriableMinioError(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return true
	}
	return false
}
