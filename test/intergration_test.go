//go:build integration

package test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/caching"
	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/queues"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/Yulian302/lfusys-services-ingest/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const awsEndpoint = "http://localhost:4566"

type TestEnv struct {
	Dynamo   *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Bucket   string
	QueueURL string
}

func setupTestEnv(t *testing.T) *TestEnv {
	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	require.NoError(t, err)

	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
	})
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
		o.UsePathStyle = true
	})
	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
	})

	createTable := func(input *dynamodb.CreateTableInput) {
		input.BillingMode = types.BillingModePayPerRequest
		_, err := db.CreateTable(ctx, input)

		var exists *types.ResourceInUseException
		if err != nil && !errors.As(err, &exists) {
			require.NoError(t, err)
		}
	}

	createTable(&dynamodb.CreateTableInput{
		TableName: aws.String("uploads"),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("upload_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("upload_id"), KeyType: types.KeyTypeHash},
		},
	})

	createTable(&dynamodb.CreateTableInput{
		TableName: aws.String("files"),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("file_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("owner_email"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("file_id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("owner_email-index"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("owner_email"), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})

	bucket := "ingest-" + uuid.NewString()[:8]
	_, err = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	var owned *s3types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		require.NoError(t, err)
	}

	q, err := sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String("uploads-events.fifo"),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameFifoQueue): "true",
		},
	})
	require.NoError(t, err)

	return &TestEnv{
		Dynamo:   db,
		S3:       s3Client,
		Sqs:      sqsClient,
		Bucket:   bucket,
		QueueURL: *q.QueueUrl,
	}
}

func receiveEvent(t *testing.T, env *TestEnv, uploadID string) models.UploadEvent {
	t.Helper()
	ctx := context.Background()

	var evt models.UploadEvent
	require.Eventually(t, func() bool {
		out, err := env.Sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(env.QueueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     1,
		})
		if err != nil {
			return false
		}
		for _, msg := range out.Messages {
			var e models.UploadEvent
			if json.Unmarshal([]byte(aws.ToString(msg.Body)), &e) != nil {
				continue
			}
			_, _ = env.Sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(env.QueueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			if e.UploadId == uploadID {
				evt = e
				return true
			}
		}
		return false
	}, 10*time.Second, 100*time.Millisecond)

	return evt
}

func TestChunkedUpload_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t)
	l := logging.NewNopLogger()

	objects := store.NewS3ObjectStoreImpl(env.S3, env.Bucket, l)
	fileStore := store.NewDynamoDbFileStoreImpl(env.Dynamo, "files")
	sessionStore := store.NewDynamoDbSessionStoreImpl(env.Dynamo, "uploads")
	publisher := queues.NewSqsUploadsPublisherImpl(env.Sqs, env.QueueURL)

	mgr := services.NewSessionManagerImpl(objects, fileStore, sessionStore, caching.NewNullCachingService(), publisher,
		services.IngestConfig{
			MaxFileSize:       1 << 20,
			MaxChunkSize:      1 << 16,
			SessionTTL:        time.Hour,
			ChunkWriteTimeout: 10 * time.Second,
		}, l)
	ingestor := services.NewChunkIngestorImpl(mgr, l)

	owner := uuid.NewString() + "@example.com"
	s, err := mgr.CreateSession(ctx, services.CreateSessionInput{
		FileName:    "notes.txt",
		MimeType:    "text/plain",
		OwnerEmail:  owner,
		FileSize:    30,
		TotalChunks: 3,
	})
	require.NoError(t, err)

	content := []byte("0123456789abcdefghijKLMNOPQRST")
	var res *models.ChunkResult
	for i := 0; i < 3; i++ {
		start, end := int64(i*10), int64(i*10+10)
		res, err = ingestor.ApplyChunk(ctx, models.ChunkRequest{
			UploadId:    s.UploadId,
			Index:       i,
			TotalChunks: 3,
			FileSize:    30,
			StartOffset: start,
			EndOffset:   end,
			Payload:     content[start:end],
		})
		require.NoError(t, err)
	}
	require.Equal(t, models.ChunkStatusCompleted, res.Status)

	file, err := fileStore.Get(ctx, res.FileId)
	require.NoError(t, err)
	require.Equal(t, int64(30), file.Size)
	require.False(t, file.Published)

	obj, err := env.S3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(env.Bucket),
		Key:    aws.String(file.StorageKey),
	})
	require.NoError(t, err)
	got, err := io.ReadAll(obj.Body)
	obj.Body.Close()
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got))

	files, err := fileStore.ListByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, files, 1)

	snap, err := sessionStore.GetSession(ctx, s.UploadId)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusCompleted, snap.Status)

	evt := receiveEvent(t, env, s.UploadId)
	require.Equal(t, models.EventUploadCompleted, evt.Type)
	require.Equal(t, res.FileId, evt.FileId)
}

func TestSessionStore_ListExpiredAndDelete(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t)

	sessionStore := store.NewDynamoDbSessionStoreImpl(env.Dynamo, "uploads")
	now := time.Now().UTC()

	stale := models.UploadSession{
		UploadId:       uuid.NewString(),
		ObjectId:       "obj",
		FileName:       "a.bin",
		Status:         models.UploadStatusInProgress,
		ExpirationTime: now.Add(-time.Minute),
		CreatedAt:      now.Add(-time.Hour),
		UpdatedAt:      now.Add(-time.Hour),
	}
	require.NoError(t, sessionStore.CreateSession(ctx, stale))
	require.Error(t, sessionStore.CreateSession(ctx, stale), "conditional put rejects duplicates")

	expired, err := sessionStore.ListExpired(ctx, now)
	require.NoError(t, err)

	found := false
	for _, s := range expired {
		if s.UploadId == stale.UploadId {
			found = true
		}
	}
	require.True(t, found)

	require.NoError(t, sessionStore.Delete(ctx, stale.UploadId))
	_, err = sessionStore.GetSession(ctx, stale.UploadId)
	require.True(t, errors.Is(err, apperror.ErrSessionNotFound))
}
