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

// FileStore holds metadata of committed files. Register is an upsert keyed by
// FileId.
type FileStore interface {
	Register(ctx context.Context, file models.File) error
	Get(ctx context.Context, fileID string) (*models.File, error)
	ListByOwner(ctx context.Context, ownerEmail string) ([]models.File, error)
	SetPublished(ctx context.Context, fileID string, displayName string, published bool) error
	IncrementDownloads(ctx context.Context, fileID string) (int64, error)
	Delete(ctx context.Context, fileID string) error

	health.ReadinessCheck
}

type DynamoDbFileStoreImpl struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoDbFileStoreImpl(client *dynamodb.Client, tableName string) *DynamoDbFileStoreImpl {
	return &DynamoDbFileStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbFileStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})

	return err
}

func (s *DynamoDbFileStoreImpl) Name() string {
	return "FileStore[dynamodb]"
}

func (s *DynamoDbFileStoreImpl) key(fileID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"file_id": &types.AttributeValueMemberS{Value: fileID},
	}
}

func (s *DynamoDbFileStoreImpl) Register(ctx context.Context, file models.File) error {
	fileItem, err := attributevalue.MarshalMap(file)
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
				Item:      fileItem,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbFileStoreImpl) Get(ctx context.Context, fileID string) (*models.File, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(fileID),
	})
	if err != nil {
		return nil, err
	}

	if out.Item == nil {
		return nil, apperror.ErrFileNotFound
	}

	var file models.File
	if err = attributevalue.UnmarshalMap(out.Item, &file); err != nil {
		return nil, err
	}

	return &file, nil
}

func (s *DynamoDbFileStoreImpl) ListByOwner(ctx context.Context, ownerEmail string) ([]models.File, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("owner_email-index"),
		KeyConditionExpression: aws.String("owner_email = :e"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{
				Value: ownerEmail,
			},
		},
	})

	files := []models.File{}
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var page []models.File
		if err = attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		files = append(files, page...)
	}

	return files, nil
}

func (s *DynamoDbFileStoreImpl) SetPublished(ctx context.Context, fileID string, displayName string, published bool) error {
	expr := "SET published = :p, updated_at = :now"
	values := map[string]types.AttributeValue{
		":p":   &types.AttributeValueMemberBOOL{Value: published},
		":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
	}
	var names map[string]string
	if displayName != "" {
		expr += ", #n = :name"
		values[":name"] = &types.AttributeValueMemberS{Value: displayName}
		names = map[string]string{"#n": "name"}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(fileID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(file_id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	return s.mapConditionErr(err)
}

func (s *DynamoDbFileStoreImpl) IncrementDownloads(ctx context.Context, fileID string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(fileID),
		UpdateExpression:    aws.String("ADD downloads :one"),
		ConditionExpression: aws.String("attribute_exists(file_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, s.mapConditionErr(err)
	}

	var updated struct {
		Downloads int64 `dynamodbav:"downloads"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return 0, err
	}
	return updated.Downloads, nil
}

func (s *DynamoDbFileStoreImpl) Delete(ctx context.Context, fileID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(fileID),
		ConditionExpression: aws.String("attribute_exists(file_id)"),
	})
	return s.mapConditionErr(err)
}

func (s *DynamoDbFileStoreImpl) mapConditionErr(err error) error {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return apperror.ErrFileNotFound
	}
	return err
}
