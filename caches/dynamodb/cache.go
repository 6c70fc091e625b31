package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	goswcache "github.com/dgduncan/go-sw-cache"
	"github.com/dgduncan/go-sw-cache/caches"
)

const (
	attrPartition = "partition"
	attrKey       = "key"

	// DynamoDB caps a BatchWriteItem call at 25 requests.
	batchSize         = 25
	maxBatchAttempts  = 5
	batchRetryBackoff = 100 * time.Millisecond
)

// Client is the subset of *dynamodb.Client the storage uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	DeleteExpiredItems bool // Controls if a the expired_at TTL property is put in the database to allow automatic deletion of expired items

	ItemExpiration time.Duration // How long a items stays valid in the database. This is independent of the partition expiration.
	Table          string
}

// Storage implements goswcache.Storage using Amazon DynamoDB. The table is
// keyed by partition (hash) and request key (range).
type Storage struct {
	client Client

	table         string
	expiration    time.Duration
	deleteExpired bool
	now           func() time.Time
}

var _ goswcache.Storage = (*Storage)(nil)

// Cache is one partition of a Storage.
type Cache struct {
	s    *Storage
	name string
}

type cacheItem struct {
	Partition string `json:"partition" dynamodbav:"partition"`
	Key       string `json:"key" dynamodbav:"key"`
	Response  []byte `json:"response" dynamodbav:"response"`
	StoredAt  int64  `json:"stored_at" dynamodbav:"stored_at"`
	CreatedAt int64  `json:"created_at" dynamodbav:"created_at"`
	ExpiredAt int64  `json:"expired_at,omitempty" dynamodbav:"expired_at,omitempty"`
}

type entryItem struct {
	Key      string `dynamodbav:"key"`
	StoredAt int64  `dynamodbav:"stored_at"`
}

var attrNames = map[string]string{
	"#p": attrPartition,
	"#k": attrKey,
}

func (s *Storage) Open(_ context.Context, name string) (goswcache.Cache, error) {
	return &Cache{s: s, name: name}, nil
}

// Names scans the whole table, so it is meant for activation time cleanup
// rather than the request path.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var names []string

	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#p"),
		ExpressionAttributeNames: map[string]string{"#p": attrPartition},
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		for _, item := range out.Items {
			var v struct {
				Partition string `dynamodbav:"partition"`
			}
			if err := attributevalue.UnmarshalMap(item, &v); err != nil {
				return nil, err
			}
			if !seen[v.Partition] {
				seen[v.Partition] = true
				names = append(names, v.Partition)
			}
		}
	}

	return names, nil
}

// Drop deletes every item of the partition in batches.
func (s *Storage) Drop(ctx context.Context, name string) error {
	c := &Cache{s: s, name: name}

	entries, err := c.Entries(ctx)
	if err != nil {
		return err
	}

	for start := 0; start < len(entries); start += batchSize {
		end := min(start+batchSize, len(entries))

		reqs := make([]types.WriteRequest, 0, end-start)
		for _, e := range entries[start:end] {
			key, err := itemKey(name, e.Key)
			if err != nil {
				return err
			}
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
		}

		if err := s.batchWrite(ctx, reqs); err != nil {
			return err
		}
	}

	return nil
}

func (s *Storage) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.table: reqs}

	for attempt := 0; attempt < maxBatchAttempts; attempt++ {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}

		if len(out.UnprocessedItems) == 0 {
			return nil
		}
		pending = out.UnprocessedItems

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(batchRetryBackoff * time.Duration(attempt+1)):
		}
	}

	return fmt.Errorf("batch write: %d tables with unprocessed items after %d attempts", len(pending), maxBatchAttempts)
}

func itemKey(partition, k string) (map[string]types.AttributeValue, error) {
	pk, err := attributevalue.Marshal(partition)
	if err != nil {
		return nil, err
	}

	sk, err := attributevalue.Marshal(k)
	if err != nil {
		return nil, err
	}

	return map[string]types.AttributeValue{
		attrPartition: pk,
		attrKey:       sk,
	}, nil
}

// Get retrieves a cache item from DynamoDB by its key. Items past their
// expired_at are treated as missing, since DynamoDB TTL deletion lags.
func (p *Cache) Get(ctx context.Context, k string) (*goswcache.CacheItem, error) {
	key, err := itemKey(p.name, k)
	if err != nil {
		return nil, err
	}

	output, err := p.s.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            key,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(p.s.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	if item.ExpiredAt != 0 && p.s.now().UTC().Unix() >= item.ExpiredAt {
		return nil, fmt.Errorf("%w: %w", caches.ErrNoCacheItem, caches.ErrCacheItemExpired)
	}

	var ci goswcache.CacheItem
	if err := gobDecode(item.Response, &ci); err != nil {
		return nil, err
	}

	return &ci, nil
}

// Set stores a new cache item in DynamoDB with the provided key and value.
// It handles the serialization of the cache item and sets the appropriate timestamps.
func (p *Cache) Set(ctx context.Context, k string, v *goswcache.CacheItem) error {
	createdAt := p.s.now()

	encItem, err := gobEncode(v)
	if err != nil {
		return err
	}

	i := cacheItem{
		Partition: p.name,
		Key:       k,
		Response:  encItem,
		StoredAt:  v.StoredAt.UnixNano(),
		CreatedAt: createdAt.Unix(),
	}
	if p.s.deleteExpired {
		i.ExpiredAt = createdAt.Add(p.s.expiration).Unix()
	}

	av, err := attributevalue.MarshalMap(i)
	if err != nil {
		return err
	}

	_, err = p.s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.s.table),
		Item:      av,
	})
	return err
}

func (p *Cache) Delete(ctx context.Context, k string) error {
	key, err := itemKey(p.name, k)
	if err != nil {
		return err
	}

	_, err = p.s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(p.s.table),
		Key:       key,
	})
	return err
}

func (p *Cache) Entries(ctx context.Context) ([]goswcache.Entry, error) {
	pv, err := attributevalue.Marshal(p.name)
	if err != nil {
		return nil, err
	}

	pager := dynamodb.NewQueryPaginator(p.s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(p.s.table),
		KeyConditionExpression:    aws.String("#p = :p"),
		ProjectionExpression:      aws.String("#k, stored_at"),
		ExpressionAttributeNames:  attrNames,
		ExpressionAttributeValues: map[string]types.AttributeValue{":p": pv},
		ConsistentRead:            aws.Bool(true),
	})

	var entries []goswcache.Entry
	for pager.HasMorePages() {
		out, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		var items []entryItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, err
		}

		for _, it := range items {
			entries = append(entries, goswcache.Entry{
				Key:      it.Key,
				StoredAt: time.Unix(0, it.StoredAt).UTC(),
			})
		}
	}

	return entries, nil
}

// New creates a new DynamoDB cache storage with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client is nil or if the configuration is invalid.
func New(ctx context.Context, client Client, config *Config) (*Storage, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "missing table",
		}
	}

	var itemExpiration time.Duration
	if config.ItemExpiration == 0 {
		itemExpiration = caches.DefaultExpiredDuration
	} else {
		itemExpiration = config.ItemExpiration
	}

	return &Storage{
		client: client,

		table:         config.Table,
		expiration:    itemExpiration,
		deleteExpired: config.DeleteExpiredItems,
		now:           time.Now,
	}, nil
}
