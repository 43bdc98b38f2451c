package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"grainstore/internal/record"
)

// Attribute names, aliased in every expression so none can collide with
// a DynamoDB reserved word.
const (
	attrKey       = "GrainKey"
	attrVersion   = "Version"
	attrPayload   = "Payload"
	attrTombstone = "Tombstone"
)

var exprNames = map[string]string{
	"#v": attrVersion,
	"#p": attrPayload,
	"#t": attrTombstone,
}

// Store is a record store backed by a DynamoDB table.
type Store struct {
	client *dynamodb.Client
	table  string
}

// New wraps an already configured DynamoDB client. The table must exist
// or be created with EnsureTable before use.
func New(client *dynamodb.Client, table string) *Store {
	return &Store{client: client, table: table}
}

// EnsureTable creates the table when it does not exist and waits until it
// is active. Uses on-demand billing so no capacity needs sizing.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err == nil {
		return nil
	}
	var notFound *dtypes.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", s.table, err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []dtypes.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: dtypes.ScalarAttributeTypeS},
		},
		KeySchema: []dtypes.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: dtypes.KeyTypeHash},
		},
		BillingMode: dtypes.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("wait for table %s: %w", s.table, err)
	}
	return nil
}

// Ping probes connectivity with a table description.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return fmt.Errorf("dynamodb table %s unreachable: %w", s.table, err)
	}
	return nil
}

// InsertIfAbsent creates the item with version 1 unless any item for the
// key already exists.
func (s *Store) InsertIfAbsent(ctx context.Context, key string, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	item := map[string]dtypes.AttributeValue{
		attrKey:       &dtypes.AttributeValueMemberS{Value: key},
		attrVersion:   &dtypes.AttributeValueMemberN{Value: "1"},
		attrTombstone: &dtypes.AttributeValueMemberBOOL{Value: false},
	}
	if payload != nil {
		item[attrPayload] = &dtypes.AttributeValueMemberB{Value: payload}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{
			"#k": attrKey,
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, record.ErrNoMatch
		}
		return 0, fmt.Errorf("insert %q: %w", key, err)
	}
	return 1, nil
}

// CompareAndSwapUpdate replaces the payload if the stored version equals
// expected. A matching tombstone is revived.
func (s *Store) CompareAndSwapUpdate(ctx context.Context, key string, expected int64, payload []byte) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	next := expected + 1
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      itemKey(key),
		ConditionExpression:      aws.String("#v = :expected"),
		UpdateExpression:         aws.String("SET #v = :next, #p = :payload, #t = :tombstone"),
		ExpressionAttributeNames: exprNames,
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":expected":  &dtypes.AttributeValueMemberN{Value: formatVersion(expected)},
			":next":      &dtypes.AttributeValueMemberN{Value: formatVersion(next)},
			":payload":   &dtypes.AttributeValueMemberB{Value: payload},
			":tombstone": &dtypes.AttributeValueMemberBOOL{Value: false},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, record.ErrNoMatch
		}
		return 0, fmt.Errorf("update %q: %w", key, err)
	}
	return next, nil
}

// CompareAndSwapTombstone removes the payload if the stored version equals
// expected. The item stays, preserving the version lineage.
func (s *Store) CompareAndSwapTombstone(ctx context.Context, key string, expected int64) (int64, error) {
	if err := record.ValidateKey(key); err != nil {
		return 0, err
	}

	next := expected + 1
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      itemKey(key),
		ConditionExpression:      aws.String("#v = :expected"),
		UpdateExpression:         aws.String("SET #v = :next, #t = :tombstone REMOVE #p"),
		ExpressionAttributeNames: exprNames,
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":expected":  &dtypes.AttributeValueMemberN{Value: formatVersion(expected)},
			":next":      &dtypes.AttributeValueMemberN{Value: formatVersion(next)},
			":tombstone": &dtypes.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, record.ErrNoMatch
		}
		return 0, fmt.Errorf("tombstone %q: %w", key, err)
	}
	return next, nil
}

// ReadByKey returns the current record, or nil if the key has never been
// written. The read is strongly consistent.
func (s *Store) ReadByKey(ctx context.Context, key string) (*record.Record, error) {
	if err := record.ValidateKey(key); err != nil {
		return nil, err
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return itemToRecord(key, out.Item)
}

// PurgeTombstones scans for tombstoned items and deletes each one at its
// observed version, so an item revived mid-sweep is left alone.
func (s *Store) PurgeTombstones(ctx context.Context) (int, error) {
	purged := 0
	var startKey map[string]dtypes.AttributeValue

	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.table),
			FilterExpression:         aws.String("#t = :tombstone"),
			ProjectionExpression:     aws.String("#k, #v"),
			ExclusiveStartKey:        startKey,
			ExpressionAttributeNames: map[string]string{"#k": attrKey, "#v": attrVersion, "#t": attrTombstone},
			ExpressionAttributeValues: map[string]dtypes.AttributeValue{
				":tombstone": &dtypes.AttributeValueMemberBOOL{Value: true},
			},
		})
		if err != nil {
			return purged, fmt.Errorf("scan tombstones: %w", err)
		}

		for _, item := range out.Items {
			keyAttr, ok := item[attrKey].(*dtypes.AttributeValueMemberS)
			if !ok {
				continue
			}
			versionAttr, ok := item[attrVersion].(*dtypes.AttributeValueMemberN)
			if !ok {
				continue
			}

			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                aws.String(s.table),
				Key:                      itemKey(keyAttr.Value),
				ConditionExpression:      aws.String("#v = :version"),
				ExpressionAttributeNames: map[string]string{"#v": attrVersion},
				ExpressionAttributeValues: map[string]dtypes.AttributeValue{
					":version": &dtypes.AttributeValueMemberN{Value: versionAttr.Value},
				},
			})
			if err != nil {
				if isConditionFailed(err) {
					continue
				}
				return purged, fmt.Errorf("delete %q: %w", keyAttr.Value, err)
			}
			purged++
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return purged, nil
}

func itemKey(key string) map[string]dtypes.AttributeValue {
	return map[string]dtypes.AttributeValue{
		attrKey: &dtypes.AttributeValueMemberS{Value: key},
	}
}

func itemToRecord(key string, item map[string]dtypes.AttributeValue) (*record.Record, error) {
	rec := &record.Record{Key: key}

	versionAttr, ok := item[attrVersion].(*dtypes.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("item %q has no numeric %s attribute", key, attrVersion)
	}
	version, err := strconv.ParseInt(versionAttr.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %s of %q: %w", attrVersion, key, err)
	}
	rec.Version = version

	if payloadAttr, ok := item[attrPayload].(*dtypes.AttributeValueMemberB); ok {
		rec.Payload = payloadAttr.Value
	}
	if tombstoneAttr, ok := item[attrTombstone].(*dtypes.AttributeValueMemberBOOL); ok {
		rec.Tombstone = tombstoneAttr.Value
	}
	return rec, nil
}

func formatVersion(v int64) string {
	return strconv.FormatInt(v, 10)
}

func isConditionFailed(err error) bool {
	var conditionFailed *dtypes.ConditionalCheckFailedException
	return errors.As(err, &conditionFailed)
}
