package store

import (
	"context"
	"errors"
	"time"

	apperror "github.com/Yulian302/lfusys-services-ingest/errors"
	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// SessionStore keeps durable snapshots of upload sessions. It is not used for
// mutual exclusion.
type SessionStore interface {
	CreateSession(ctx context.Context, uploadSession models.UploadSession) error
	SaveSession(ctx context.Context, uploadSession models.UploadSession) error
	GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error)
	ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error)
	Delete(ctx context.Context, uploadID string) error

	health.ReadinessCheck
}

type DynamoDbSessionStoreImpl struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDbSessionStoreImpl(client *dynamodb.Client, tableName string) *DynamoDbSessionStoreImpl {
	return &DynamoDbSessionStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbSessionStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})

			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbSessionStoreImpl) Name() string {
	return "SessionStore[dynamodb]"
}

func (s *DynamoDbSessionStoreImpl) CreateSession(ctx context.Context, uploadSession models.UploadSession) error {
	item, err := attributevalue.MarshalMap(uploadSession)
	if err != nil {
		return err
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbSessionStoreImpl) SaveSession(ctx context.Context, uploadSession models.UploadSession) error {
	item, err := attributevalue.MarshalMap(uploadSession)
	if err != nil {
		return err
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.tableName),
				Item:      item,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbSessionStoreImpl) GetSession(ctx context.Context, uploadID string) (*models.UploadSession, error) {
	var session models.UploadSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": &types.AttributeValueMemberS{
						Value: uploadID,
					},
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)

	if err != nil {
		return nil, err
	}

	return &session, nil
}

// ListExpired returns open sessions whose expiration time is before now.
func (s *DynamoDbSessionStoreImpl) ListExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	now = now.UTC()
	values, err := attributevalue.MarshalMap(map[string]any{
		":now":         now,
		":created":     models.UploadStatusCreated,
		":in_progress": models.UploadStatusInProgress,
	})
	if err != nil {
		return nil, err
	}

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("expiration_time < :now AND #st IN (:created, :in_progress)"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: values,
	})

	var sessions []models.UploadSession
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var batch []models.UploadSession
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		sessions = append(sessions, batch...)
	}

	return sessions, nil
}

func (s *DynamoDbSessionStoreImpl) Delete(ctx context.Context, uploadID string) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": &types.AttributeValueMemberS{Value: uploadID},
				},
				ConditionExpression: aws.String("attribute_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return apperror.ErrSessionNotFound
	}
	return err
}
