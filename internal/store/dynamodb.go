package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrPK = "PK"
	attrSK = "SK"

	// BatchWriteItem accepts at most 25 requests per call.
	batchWriteLimit = 25
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDB.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoDB stores every collection as one partition of a single table:
// PK holds the collection path ("tasks/{userID}"), SK the record key, and
// each record field is a top-level attribute.
//
// DynamoDB does not push changes, so subscriptions only see writes made
// through this value unless WithPollInterval is set.
type DynamoDB struct {
	api       dynamodbAPI
	tableName string
	opts      options
	hub       *hub
}

// NewDynamoDB creates a DynamoDB-backed store.
func NewDynamoDB(api dynamodbAPI, tableName string, opts ...Option) (*DynamoDB, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	d := &DynamoDB{api: api, tableName: tableName, opts: buildOptions(opts)}
	d.hub = newHub(d.read, d.opts)
	return d, nil
}

// Write merges fields with a single UpdateItem, which creates the item when
// it does not exist yet.
func (d *DynamoDB) Write(ctx context.Context, path string, fields Record) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	if !p.IsRecord() {
		return fmt.Errorf("%w: write needs a record path, got %q", ErrInvalidPath, path)
	}

	in := &dynamodb.UpdateItemInput{
		TableName: aws.String(d.tableName),
		Key:       itemKey(p),
	}
	if len(fields) > 0 {
		expr, names, values, err := setExpression(fields)
		if err != nil {
			return fmt.Errorf("store: dynamodb Write %q: %w", path, err)
		}
		in.UpdateExpression = aws.String(expr)
		in.ExpressionAttributeNames = names
		in.ExpressionAttributeValues = values
	}

	if _, err := d.api.UpdateItem(ctx, in); err != nil {
		return unavailable("dynamodb Write", path, err)
	}
	d.hub.notify(p)
	return nil
}

func (d *DynamoDB) Append(ctx context.Context, collection string, fields Record) (string, error) {
	p, err := ParsePath(collection)
	if err != nil {
		return "", err
	}
	if p.IsRecord() {
		return "", fmt.Errorf("%w: append needs a collection path, got %q", ErrInvalidPath, collection)
	}
	key, err := d.opts.keys()
	if err != nil {
		return "", unavailable("dynamodb Append", collection, err)
	}
	rp := Path{Collection: p.Collection, Key: key}

	item, err := recordToItem(fields)
	if err != nil {
		return "", fmt.Errorf("store: dynamodb Append %q: %w", collection, err)
	}
	for k, v := range itemKey(rp) {
		item[k] = v
	}

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", unavailable("dynamodb Append", collection, err)
	}
	d.hub.notify(rp)
	return key, nil
}

// Remove deletes one item, or every item of a collection in batches.
func (d *DynamoDB) Remove(ctx context.Context, path string) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}

	if p.IsRecord() {
		_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.tableName),
			Key:       itemKey(p),
		})
		if err != nil {
			return unavailable("dynamodb Remove", path, err)
		}
		d.hub.notify(p)
		return nil
	}

	keys, err := d.queryKeys(ctx, p)
	if err != nil {
		return unavailable("dynamodb Remove", path, err)
	}
	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: itemKey(Path{Collection: p.Collection, Key: k})},
			})
		}
		out, err := d.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{d.tableName: reqs},
		})
		if err != nil {
			return unavailable("dynamodb Remove", path, err)
		}
		if out != nil && len(out.UnprocessedItems[d.tableName]) > 0 {
			d.hub.notify(p)
			return unavailable("dynamodb Remove", path,
				fmt.Errorf("%d delete requests unprocessed", len(out.UnprocessedItems[d.tableName])))
		}
	}
	d.hub.notify(p)
	return nil
}

func (d *DynamoDB) Read(ctx context.Context, path string) (Snapshot, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return d.read(ctx, p)
}

func (d *DynamoDB) Subscribe(ctx context.Context, path string, onChange func(Snapshot)) (func(), error) {
	return d.hub.subscribe(ctx, path, onChange)
}

func (d *DynamoDB) read(ctx context.Context, p Path) (Snapshot, error) {
	out := make(Snapshot)

	if p.IsRecord() {
		res, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.tableName),
			Key:            itemKey(p),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return nil, unavailable("dynamodb Read", p.String(), err)
		}
		if res != nil && len(res.Item) > 0 {
			out[p.Key] = itemToRecord(res.Item)
		}
		return out, nil
	}

	var startKey map[string]types.AttributeValue
	for {
		res, err := d.api.Query(ctx, d.collectionQuery(p, startKey, nil))
		if err != nil {
			return nil, unavailable("dynamodb Read", p.String(), err)
		}
		for _, item := range res.Items {
			sk, ok := item[attrSK].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			out[sk.Value] = itemToRecord(item)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		startKey = res.LastEvaluatedKey
	}
}

func (d *DynamoDB) queryKeys(ctx context.Context, p Path) ([]string, error) {
	var (
		keys     []string
		startKey map[string]types.AttributeValue
	)
	for {
		res, err := d.api.Query(ctx, d.collectionQuery(p, startKey, aws.String(attrSK)))
		if err != nil {
			return nil, err
		}
		for _, item := range res.Items {
			if sk, ok := item[attrSK].(*types.AttributeValueMemberS); ok {
				keys = append(keys, sk.Value)
			}
		}
		if len(res.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		startKey = res.LastEvaluatedKey
	}
}

func (d *DynamoDB) collectionQuery(p Path, startKey map[string]types.AttributeValue, projection *string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: p.Collection},
		},
		ConsistentRead:       aws.Bool(true),
		ExclusiveStartKey:    startKey,
		ProjectionExpression: projection,
	}
}

func itemKey(p Path) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: p.Collection},
		attrSK: &types.AttributeValueMemberS{Value: p.Key},
	}
}

// setExpression builds "SET #f0 = :v0, ..." over the fields in name order.
func setExpression(fields Record) (string, map[string]string, map[string]types.AttributeValue, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	exprNames := make(map[string]string, len(names))
	exprValues := make(map[string]types.AttributeValue, len(names))
	clauses := make([]string, 0, len(names))
	for i, name := range names {
		if name == attrPK || name == attrSK {
			return "", nil, nil, fmt.Errorf("field %q is reserved", name)
		}
		av, err := toAttr(fields[name])
		if err != nil {
			return "", nil, nil, fmt.Errorf("field %q: %w", name, err)
		}
		n, v := "#f"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
		exprNames[n] = name
		exprValues[v] = av
		clauses = append(clauses, n+" = "+v)
	}
	return "SET " + strings.Join(clauses, ", "), exprNames, exprValues, nil
}

func recordToItem(fields Record) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(fields)+2)
	for name, v := range fields {
		if name == attrPK || name == attrSK {
			return nil, fmt.Errorf("field %q is reserved", name)
		}
		av, err := toAttr(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		item[name] = av
	}
	return item, nil
}

// itemToRecord drops the key attributes and any attribute type a Record
// cannot hold.
func itemToRecord(item map[string]types.AttributeValue) Record {
	rec := make(Record, len(item))
	for name, av := range item {
		if name == attrPK || name == attrSK {
			continue
		}
		if v, ok := fromAttr(av); ok {
			rec[name] = v
		}
	}
	return rec
}

func toAttr(v any) (types.AttributeValue, error) {
	switch x := normalizeValue(v).(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: x}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, nil
	case int64:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x, 10)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'f', -1, 64)}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func fromAttr(av types.AttributeValue) (any, bool) {
	switch x := av.(type) {
	case *types.AttributeValueMemberS:
		return x.Value, true
	case *types.AttributeValueMemberBOOL:
		return x.Value, true
	case *types.AttributeValueMemberNULL:
		return nil, true
	case *types.AttributeValueMemberN:
		if i, err := strconv.ParseInt(x.Value, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(x.Value, 64); err == nil {
			return f, true
		}
		return nil, false
	default:
		return nil, false
	}
}
