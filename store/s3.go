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
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

type S3ObjectStoreImpl struct {
	client             *s3.Client
	bucketName         string
	multipartThreshold int64 // Minimum size for multipart copy (default 5MB)

	logger logging.Logger
}

func NewS3ObjectStoreImpl(client *s3.Client, bucketName string, l logging.Logger) *S3ObjectStoreImpl {
	return NewS3ObjectStoreImplWithThreshold(client, bucketName, minPartSize, l)
}

func NewS3ObjectStoreImplWithThreshold(client *s3.Client, bucketName string, multipartThreshold int64, l logging.Logger) *S3ObjectStoreImpl {
	return &S3ObjectStoreImpl{
		client:             client,
		bucketName:         bucketName,
		multipartThreshold: multipartThreshold,
		logger:             l,
	}
}

func (s *S3ObjectStoreImpl) IsReady(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	return err
}

func (s *S3ObjectStoreImpl) Name() string {
	return "ObjectStore[s3]"
}

func (s *S3ObjectStoreImpl) CreateEmptyObject(ctx context.Context, name string, mimeType string) (string, error) {
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

	err = retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(manifestKey(objectID)),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
			ContentType:   aws.String("application/json"),
		})
		return err
	}, retries.IsRetriableStoreError)
	if err != nil {
		s.logger.Error("failed to create object manifest", "object_id", objectID, "error", err)
		return "", fmt.Errorf("failed to create object: %w", err)
	}

	s.logger.Info("created empty object", "object_id", objectID, "name", name, "mime_type", mimeType)
	return objectID, nil
}

func (s *S3ObjectStoreImpl) WriteRange(ctx context.Context, objectID string, data []byte, start, end, totalSize int64) error {
	if objectID == "" {
		return fmt.Errorf("objectID cannot be empty")
	}
	if err := validateRange(data, start, end, totalSize); err != nil {
		return err
	}

	key := chunkKey(objectID, start)
	contentRange := fmt.Sprintf("bytes %d-%d/%d", start, end-1, totalSize)

	err := retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			Metadata:      map[string]string{"content-range": contentRange},
		})
		return err
	}, retries.IsRetriableStoreError)
	if err != nil {
		s.logger.Error("failed to stage range", "object_id", objectID, "range", contentRange, "error", err)
		return fmt.Errorf("failed to write range %s: %w", contentRange, err)
	}

	s.logger.Debug("staged range", "object_id", objectID, "range", contentRange)
	return nil
}

// CompleteObject merges the staged ranges into the final object and removes
// the staging prefix. Completing an already completed object is a no-op.
func (s *S3ObjectStoreImpl) CompleteObject(ctx context.Context, objectID string) (ObjectInfo, error) {
	if objectID == "" {
		return ObjectInfo{}, fmt.Errorf("objectID cannot be empty")
	}

	manifest, err := s.readManifest(ctx, objectID)
	if err != nil {
		return ObjectInfo{}, err
	}

	info := ObjectInfo{
		ObjectId: objectID,
		Key:      finalKey(objectID, manifest.Name),
		MimeType: manifest.MimeType,
	}

	s.logger.Info("starting object completion", "object_id", objectID, "final_key", info.Key)

	size, exists, err := s.fileExists(ctx, info.Key)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to check file existence: %w", err)
	}
	if exists {
		s.logger.Info("final object already exists, skipping", "object_id", objectID, "final_key", info.Key)
		info.Size = size
		return info, nil
	}

	prefix := stagingPrefix(objectID)
	chunks, err := s.listChunks(ctx, prefix)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to list chunks: %w", err)
	}
	if len(chunks) == 0 {
		s.logger.Error("no chunks found for object", "object_id", objectID, "prefix", prefix)
		return ObjectInfo{}, fmt.Errorf("no chunks found for object %s", objectID)
	}

	totalSize, err := checkContiguous(chunks)
	if err != nil {
		return ObjectInfo{}, err
	}
	info.Size = totalSize

	s.logger.Info("object completion details", "object_id", objectID, "chunk_count", len(chunks), "total_size", totalSize)

	switch {
	case len(chunks) == 1:
		err = s.copySingleChunk(ctx, chunks[0], info)
	case totalSize < s.multipartThreshold || !partsLargeEnough(chunks):
		err = s.streamMergeAndPut(ctx, chunks, info)
	default:
		err = s.multipartCopy(ctx, chunks, info)
	}
	if err != nil {
		return ObjectInfo{}, err
	}

	if err := s.deletePrefix(ctx, prefix); err != nil {
		s.logger.Error("failed to delete staged chunks", "prefix", prefix, "error", err)
		// Don't return error as the main operation succeeded
	}

	return info, nil
}

// DeleteObject removes staged ranges, the final object and dangling multipart
// uploads for objectID.
func (s *S3ObjectStoreImpl) DeleteObject(ctx context.Context, objectID string) error {
	if objectID == "" {
		return fmt.Errorf("objectID cannot be empty")
	}

	var errs []error
	if err := s.deletePrefix(ctx, stagingPrefix(objectID)); err != nil {
		errs = append(errs, err)
	}
	if err := s.abortStaleMultipartUploads(ctx, finalPrefix(objectID)); err != nil {
		errs = append(errs, err)
	}
	if err := s.deletePrefix(ctx, finalPrefix(objectID)); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", objectID, err)
	}

	s.logger.Info("deleted object", "object_id", objectID)
	return nil
}

func (s *S3ObjectStoreImpl) GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client)

	presigned, err := presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", err
	}

	return presigned.URL, nil
}

func (s *S3ObjectStoreImpl) readManifest(ctx context.Context, objectID string) (objectManifest, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(manifestKey(objectID)),
	})
	if err != nil {
		s.logger.Error("failed to read object manifest", "object_id", objectID, "error", err)
		return objectManifest{}, fmt.Errorf("failed to read manifest of %s: %w", objectID, err)
	}
	defer out.Body.Close()

	var m objectManifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return objectManifest{}, fmt.Errorf("failed to decode manifest of %s: %w", objectID, err)
	}
	return m, nil
}

func (s *S3ObjectStoreImpl) copySingleChunk(ctx context.Context, chunk stagedChunk, info ObjectInfo) error {
	src := s.bucketName + "/" + chunk.Key

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucketName),
		Key:               aws.String(info.Key),
		CopySource:        aws.String(src),
		ContentType:       aws.String(info.MimeType),
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		s.logger.Error("failed to copy single chunk", "src", src, "dest", info.Key, "error", err)
		return fmt.Errorf("failed to copy object: %w", err)
	}

	s.logger.Info("successfully copied single chunk", "src", src, "dest", info.Key)
	return nil
}

func (s *S3ObjectStoreImpl) multipartCopy(ctx context.Context, chunks []stagedChunk, info ObjectInfo) (err error) {
	s.logger.Info("starting multipart upload", "final_key", info.Key, "chunk_count", len(chunks))

	createOut, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(info.Key),
		ContentType: aws.String(info.MimeType),
	})
	if err != nil {
		s.logger.Error("failed to create multipart upload", "final_key", info.Key, "error", err)
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := aws.ToString(createOut.UploadId)
	s.logger.Debug("created multipart upload", "upload_id", uploadID)

	defer func() {
		if err != nil {
			s.logger.Warn("aborting multipart upload due to error", "upload_id", uploadID, "final_key", info.Key)
			if abortErr := s.abortMultipartUpload(context.WithoutCancel(ctx), info.Key, uploadID); abortErr != nil {
				s.logger.Error("failed to abort multipart upload", "upload_id", uploadID, "error", abortErr)
			}
		}
	}()

	completedParts := make([]types.CompletedPart, 0, len(chunks))

	for i, c := range chunks {
		if err = ctx.Err(); err != nil {
			return err
		}

		partNumber := int32(i + 1)
		src := s.bucketName + "/" + c.Key

		s.logger.Debug("copying part", "part_number", partNumber, "src", src)

		upOut, partErr := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:     aws.String(s.bucketName),
			Key:        aws.String(info.Key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(partNumber),
			CopySource: aws.String(src),
		})
		if partErr != nil {
			s.logger.Error("failed to upload part copy", "part_number", partNumber, "src", src, "error", partErr)
			err = fmt.Errorf("failed to upload part %d: %w", partNumber, partErr)
			return err
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       upOut.CopyPartResult.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(info.Key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "upload_id", uploadID, "final_key", info.Key, "error", err)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("successfully completed multipart upload", "upload_id", uploadID, "final_key", info.Key, "parts", len(completedParts))
	return nil
}

func (s *S3ObjectStoreImpl) abortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

func (s *S3ObjectStoreImpl) streamMergeAndPut(ctx context.Context, chunks []stagedChunk, info ObjectInfo) error {
	s.logger.Info("starting stream merge", "final_key", info.Key, "chunk_count", len(chunks), "total_size", info.Size)

	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()

		for i, c := range chunks {
			if err := ctx.Err(); err != nil {
				pw.CloseWithError(err)
				return
			}

			s.logger.Debug("streaming chunk", "chunk_index", i, "key", c.Key)

			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucketName),
				Key:    aws.String(c.Key),
			})
			if err != nil {
				s.logger.Error("failed to get chunk object", "key", c.Key, "error", err)
				pw.CloseWithError(fmt.Errorf("failed to get object %s: %w", c.Key, err))
				return
			}

			_, err = io.Copy(pw, out.Body)
			out.Body.Close()
			if err != nil {
				s.logger.Error("failed to copy chunk data", "key", c.Key, "error", err)
				pw.CloseWithError(fmt.Errorf("failed to copy chunk %s: %w", c.Key, err))
				return
			}
		}
	}()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(info.Key),
		Body:          pr,
		ContentLength: aws.Int64(info.Size),
		ContentType:   aws.String(info.MimeType),
	})
	if err != nil {
		// unblock the writer goroutine
		pr.CloseWithError(err)
		s.logger.Error("failed to put merged object", "final_key", info.Key, "error", err)
		return fmt.Errorf("failed to put merged object: %w", err)
	}

	s.logger.Info("successfully merged and put object", "final_key", info.Key)
	return nil
}

func (s *S3ObjectStoreImpl) abortStaleMultipartUploads(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	}

	var errs []error
	abortedCount := 0
	for {
		out, err := s.client.ListMultipartUploads(ctx, input)
		if err != nil {
			s.logger.Error("failed to list multipart uploads", "prefix", prefix, "error", err)
			errs = append(errs, fmt.Errorf("failed to list multipart uploads: %w", err))
			break
		}

		for _, upload := range out.Uploads {
			_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucketName),
				Key:      upload.Key,
				UploadId: upload.UploadId,
			})
			if err != nil {
				s.logger.Error("failed to abort multipart upload", "upload_id", aws.ToString(upload.UploadId), "key", aws.ToString(upload.Key), "error", err)
				errs = append(errs, fmt.Errorf("abort multipart upload %s: %w", aws.ToString(upload.UploadId), err))
				continue
			}
			abortedCount++
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}

	if abortedCount > 0 {
		s.logger.Info("aborted stale multipart uploads", "prefix", prefix, "aborted_count", abortedCount)
	}
	return errors.Join(errs...)
}

func (s *S3ObjectStoreImpl) listChunks(ctx context.Context, prefix string) ([]stagedChunk, error) {
	if prefix == "" {
		return nil, fmt.Errorf("prefix cannot be empty")
	}

	s.logger.Debug("listing chunks", "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	var chunks []stagedChunk
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects", "prefix", prefix, "error", err)
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !isChunkKey(key) {
				continue
			}
			chunks = append(chunks, stagedChunk{
				Key:    key,
				Offset: extractChunkOffset(key),
				Size:   aws.ToInt64(obj.Size),
			})
		}
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Offset < chunks[j].Offset
	})

	s.logger.Debug("listed chunks", "prefix", prefix, "count", len(chunks))
	return chunks, nil
}

func (s *S3ObjectStoreImpl) fileExists(ctx context.Context, key string) (int64, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return aws.ToInt64(out.ContentLength), true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return 0, false, nil
	}

	s.logger.Error("failed to check file existence", "key", key, "error", err)
	return 0, false, err
}

func (s *S3ObjectStoreImpl) deletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	totalDeleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects for deletion", "prefix", prefix, "error", err)
			return fmt.Errorf("failed to list objects for deletion: %w", err)
		}

		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			s.logger.Error("failed to delete objects", "prefix", prefix, "batch_size", len(objects), "error", err)
			return fmt.Errorf("failed to delete objects: %w", err)
		}

		totalDeleted += len(objects)
	}

	s.logger.Debug("deleted prefix", "prefix", prefix, "total_deleted", totalDeleted)
	return nil
}
