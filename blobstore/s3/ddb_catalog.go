package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/strata/blobstore"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// ErrConcurrentModification is returned when another writer published a
// catalog entry between our read of the latest version and our write.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// DDBCatalog records which backup manifest is the latest one. S3 has no
// compare-and-swap, so every publish is a conditional DynamoDB put of the
// next catalog version.
//
// Table schema:
//   - Partition key: base_uri (string), the S3 bucket/prefix
//   - Sort key: version (number), monotonically increasing
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name strata-backups \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCatalog struct {
	client    DDBClient
	tableName string
	baseURI   string
	now       func() time.Time
}

// NewDDBCatalog creates a catalog. baseURI is used as partition key and
// should identify the backup location, e.g. "s3://bucket/prefix".
func NewDDBCatalog(client DDBClient, tableName, baseURI string) *DDBCatalog {
	return &DDBCatalog{
		client:    client,
		tableName: tableName,
		baseURI:   baseURI,
		now:       time.Now,
	}
}

// Latest returns the manifest name of the newest entry, or
// blobstore.ErrNotFound when nothing was published yet.
func (c *DDBCatalog) Latest(ctx context.Context) (string, error) {
	version, manifest, err := c.latest(ctx)
	if err != nil {
		return "", err
	}
	if version == 0 {
		return "", blobstore.ErrNotFound
	}
	return manifest, nil
}

// Publish makes manifest the latest entry.
func (c *DDBCatalog) Publish(ctx context.Context, manifest string) error {
	current, _, err := c.latest(ctx)
	if err != nil {
		return err
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri":     &types.AttributeValueMemberS{Value: c.baseURI},
			"version":      &types.AttributeValueMemberN{Value: strconv.FormatUint(current+1, 10)},
			"manifest":     &types.AttributeValueMemberS{Value: manifest},
			"published_at": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("publish catalog entry: %w", err)
	}
	return nil
}

func (c *DDBCatalog) latest(ctx context.Context) (uint64, string, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query catalog: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("catalog: invalid version attribute")
	}
	manifestAttr, ok := item["manifest"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("catalog: invalid manifest attribute")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("catalog: parse version: %w", err)
	}
	return version, manifestAttr.Value, nil
}
