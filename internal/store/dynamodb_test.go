package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	mu sync.Mutex

	getOut   *dynamodb.GetItemOutput
	getErr   error
	putErr   error
	updErr   error
	delErr   error
	queryOut []*dynamodb.QueryOutput
	queryErr error
	batchOut *dynamodb.BatchWriteItemOutput
	batchErr error

	lastGetInput  *dynamodb.GetItemInput
	lastPutInput  *dynamodb.PutItemInput
	lastUpdInput  *dynamodb.UpdateItemInput
	lastDelInput  *dynamodb.DeleteItemInput
	queryInputs   []*dynamodb.QueryInput
	batchInputs   []*dynamodb.BatchWriteItemInput
	queryPosition int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdInput = in
	return &dynamodb.UpdateItemOutput{}, f.updErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDelInput = in
	return &dynamodb.DeleteItemOutput{}, f.delErr
}

// Query returns queryOut pages in order, then empty pages.
func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryPosition >= len(f.queryOut) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOut[f.queryPosition]
	f.queryPosition++
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchInputs = append(f.batchInputs, in)
	if f.batchOut != nil {
		return f.batchOut, f.batchErr
	}
	return &dynamodb.BatchWriteItemOutput{}, f.batchErr
}

func mustNewDynamo(t *testing.T, db *fakeDynamo, opts ...Option) *DynamoDB {
	t.Helper()
	d, err := NewDynamoDB(db, "test-table", opts...)
	require.NoError(t, err)
	return d
}

func sAttr(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }

func taskItem(collection, key, title string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        sAttr(collection),
		"SK":        sAttr(key),
		"title":     sAttr(title),
		"completed": &types.AttributeValueMemberBOOL{Value: false},
		"createdAt": &types.AttributeValueMemberN{Value: "1700000000000"},
	}
}

func TestNewDynamoDB_Validation(t *testing.T) {
	_, err := NewDynamoDB(nil, "t")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")

	_, err = NewDynamoDB(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "table name")
}

func TestDynamoWrite_BuildsSetExpression(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)

	err := d.Write(context.Background(), "tasks/u1/t1", Record{"title": "x", "completed": true, "completedAt": int64(42)})
	require.NoError(t, err)

	in := db.lastUpdInput
	require.Equal(t, "test-table", *in.TableName)
	require.Equal(t, "tasks/u1", in.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "t1", in.Key["SK"].(*types.AttributeValueMemberS).Value)
	// Field names are sorted: completed, completedAt, title.
	require.Equal(t, "SET #f0 = :v0, #f1 = :v1, #f2 = :v2", *in.UpdateExpression)
	require.Equal(t, map[string]string{"#f0": "completed", "#f1": "completedAt", "#f2": "title"}, in.ExpressionAttributeNames)
	require.Equal(t, true, in.ExpressionAttributeValues[":v0"].(*types.AttributeValueMemberBOOL).Value)
	require.Equal(t, "42", in.ExpressionAttributeValues[":v1"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "x", in.ExpressionAttributeValues[":v2"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoWrite_ReservedFieldRejected(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{})
	err := d.Write(context.Background(), "tasks/u1/t1", Record{"PK": "evil"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserved")
}

func TestDynamoWrite_ErrorIsUnavailable(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{updErr: errors.New("AccessDeniedException")})
	err := d.Write(context.Background(), "tasks/u1/t1", Record{"title": "x"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorContains(t, err, "AccessDeniedException")

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "tasks/u1/t1", opErr.Path)
}

func TestDynamoAppend_ConditionalPut(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db, WithKeyFunc(func() (string, error) { return "key-1", nil }))

	key, err := d.Append(context.Background(), "chats/u1", Record{"role": "user", "text": "hi", "timestamp": int64(5)})
	require.NoError(t, err)
	require.Equal(t, "key-1", key)

	in := db.lastPutInput
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *in.ConditionExpression)
	require.Equal(t, "chats/u1", in.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "key-1", in.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "hi", in.Item["text"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "5", in.Item["timestamp"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoAppend_ErrorIsUnavailable(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")})
	_, err := d.Append(context.Background(), "chats/u1", Record{"text": "hi"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDynamoRead_PaginatesCollection(t *testing.T) {
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{taskItem("tasks/u1", "a", "first")},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": sAttr("tasks/u1"), "SK": sAttr("a")},
		},
		{Items: []map[string]types.AttributeValue{taskItem("tasks/u1", "b", "second")}},
	}}
	d := mustNewDynamo(t, db)

	snap, err := d.Read(context.Background(), "tasks/u1")
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.Equal(t, "first", snap["a"]["title"])
	require.Equal(t, int64(1700000000000), snap["b"]["createdAt"])
	require.NotContains(t, snap["a"], "PK")

	require.Len(t, db.queryInputs, 2)
	require.Equal(t, "PK = :pk", *db.queryInputs[0].KeyConditionExpression)
	require.True(t, *db.queryInputs[0].ConsistentRead)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
}

func TestDynamoRead_RecordPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: taskItem("tasks/u1", "a", "only")}}
	d := mustNewDynamo(t, db)

	snap, err := d.Read(context.Background(), "tasks/u1/a")
	require.NoError(t, err)
	require.Equal(t, "only", snap["a"]["title"])

	db.getOut = &dynamodb.GetItemOutput{}
	snap, err = d.Read(context.Background(), "tasks/u1/a")
	require.NoError(t, err)
	require.Empty(t, snap)
}

func TestDynamoRead_QueryError(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := d.Read(context.Background(), "tasks/u1")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "dynamodb Read")
}

func TestDynamoRemove_Record(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)
	require.NoError(t, d.Remove(context.Background(), "tasks/u1/a"))
	require.Equal(t, "a", db.lastDelInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoRemove_CollectionBatchesDeletes(t *testing.T) {
	items := make([]map[string]types.AttributeValue, 0, 30)
	for i := 0; i < 30; i++ {
		items = append(items, map[string]types.AttributeValue{"PK": sAttr("tasks/u1"), "SK": sAttr(string(rune('a' + i)))})
	}
	db := &fakeDynamo{queryOut: []*dynamodb.QueryOutput{{Items: items}}}
	d := mustNewDynamo(t, db)

	require.NoError(t, d.Remove(context.Background(), "tasks/u1"))
	require.Len(t, db.batchInputs, 2)
	require.Len(t, db.batchInputs[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchInputs[1].RequestItems["test-table"], 5)
	require.Equal(t, "SK", *db.queryInputs[0].ProjectionExpression)
}

func TestDynamoRemove_UnprocessedItemsReported(t *testing.T) {
	db := &fakeDynamo{
		queryOut: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
			{"PK": sAttr("tasks/u1"), "SK": sAttr("a")},
		}}},
		batchOut: &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{
			"test-table": {{DeleteRequest: &types.DeleteRequest{}}},
		}},
	}
	d := mustNewDynamo(t, db)
	err := d.Remove(context.Background(), "tasks/u1")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "unprocessed")
}

func TestDynamoSubscribe_SeesOwnWrites(t *testing.T) {
	db := &fakeDynamo{}
	d := mustNewDynamo(t, db)
	rec := newRecorder()

	unsub, err := d.Subscribe(context.Background(), "tasks/u1", rec.onChange)
	require.NoError(t, err)
	defer unsub()
	require.Empty(t, rec.next(t))

	db.mu.Lock()
	db.queryOut = []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{taskItem("tasks/u1", "a", "new")}}}
	db.queryPosition = 0
	db.mu.Unlock()

	require.NoError(t, d.Write(context.Background(), "tasks/u1/a", Record{"title": "new"}))
	snap := rec.next(t)
	require.Equal(t, "new", snap["a"]["title"])
}

func TestAttrConversions(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{in: "s", want: "s"},
		{in: true, want: true},
		{in: 7, want: int64(7)},
		{in: int64(-3), want: int64(-3)},
		{in: 1.5, want: 1.5},
		{in: nil, want: nil},
	}
	for _, tc := range cases {
		av, err := toAttr(tc.in)
		require.NoError(t, err)
		got, ok := fromAttr(av)
		require.True(t, ok)
		require.Equal(t, tc.want, got, "in=%v", tc.in)
	}

	_, err := toAttr([]string{"nope"})
	require.Error(t, err)

	_, ok := fromAttr(&types.AttributeValueMemberSS{Value: []string{"x"}})
	require.False(t, ok)
}
