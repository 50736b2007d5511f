package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"lark-relay/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr error
	deleteErr error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	batchOuts []*dynamodb.BatchWriteItemOutput
	batchErr  error

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastDeleteInput *dynamodb.DeleteItemInput
	queryIns        []*dynamodb.QueryInput
	batchIns        []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	// Copy so pagination mutations on the caller side stay observable.
	cp := *in
	f.queryIns = append(f.queryIns, &cp)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchIns = append(f.batchIns, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if len(f.batchOuts) == 0 {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	out := f.batchOuts[0]
	f.batchOuts = f.batchOuts[1:]
	return out, nil
}

var fixedNow = time.Date(2026, 2, 27, 12, 0, 0, 0, time.UTC)

func mustNewStore(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(db, "test-table")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	s.newID = func() string { return "id-1" }
	return s
}

func makeTurnItem(sessionID, sk, question string, answer *string) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: sk},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"question":  &types.AttributeValueMemberS{Value: question},
		"size":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", len(question))},
		"createdAt": &types.AttributeValueMemberS{Value: fixedNow.Format(time.RFC3339Nano)},
	}
	if answer != nil {
		item["answer"] = &types.AttributeValueMemberS{Value: *answer}
	}
	return item
}

func TestNewDynamoStore_ValidatesArguments(t *testing.T) {
	_, err := NewDynamoStore(nil, "table")
	require.Error(t, err)

	_, err = NewDynamoStore(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestRecordEvent_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	err := s.RecordEvent(context.Background(), "ev-1", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "EVENT#ev-1", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, []byte(`{"a":1}`), db.lastPutInput.Item["payload"].(*types.AttributeValueMemberB).Value)
}

func TestRecordEvent_DuplicateReturnsAlreadyExists(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}}
	s := mustNewStore(t, db)

	err := s.RecordEvent(context.Background(), "ev-1", nil)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRecordEvent_DynamoErrorIsStorageError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	s := mustNewStore(t, db)

	err := s.RecordEvent(context.Background(), "ev-1", nil)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "RecordEvent", storageErr.Op)
	require.NotErrorIs(t, err, ErrAlreadyExists)
}

func TestHasSeenEvent(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "EVENT#ev-1"},
	}}}
	s := mustNewStore(t, db)

	seen, err := s.HasSeenEvent(context.Background(), "ev-1")
	require.NoError(t, err)
	require.True(t, seen)
	require.True(t, *db.lastGetInput.ConsistentRead)

	db.getOut = &dynamodb.GetItemOutput{}
	seen, err = s.HasSeenEvent(context.Background(), "ev-2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestAnnotateEvent(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.AnnotateEvent(context.Background(), "ev-1", "replied"))
	require.Equal(t, "attribute_exists(PK)", *db.lastUpdateInput.ConditionExpression)

	db.updateErr = &types.ConditionalCheckFailedException{}
	require.ErrorIs(t, s.AnnotateEvent(context.Background(), "missing", "x"), ErrNotFound)
}

func TestInsertTurn_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	id, err := s.InsertTurn(context.Background(), "chat:user", "hello there", 11)
	require.NoError(t, err)

	sessionID, sk, ok := decodeTurnID(id)
	require.True(t, ok)
	require.Equal(t, "chat:user", sessionID)
	require.Equal(t, "TURN#2026-02-27T12:00:00.000000000Z#id-1", sk)

	item := db.lastPutInput.Item
	require.Equal(t, "SESSION#chat:user", item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "11", item["size"].(*types.AttributeValueMemberN).Value)
	require.NotContains(t, item, "answer")
}

func TestInsertTurn_RequiresSession(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	_, err := s.InsertTurn(context.Background(), "", "q", 1)
	require.Error(t, err)
}

func TestSetAnswer_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	id := encodeTurnID("chat:user", turnSK(fixedNow, "id-1"))
	require.NoError(t, s.SetAnswer(context.Background(), id, "hi!"))
	require.Equal(t, "attribute_exists(PK) AND attribute_not_exists(#answer)", *db.lastUpdateInput.ConditionExpression)
	require.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, db.lastUpdateInput.ReturnValuesOnConditionCheckFailure)
	require.Equal(t, "hi!", db.lastUpdateInput.ExpressionAttributeValues[":answer"].(*types.AttributeValueMemberS).Value)
}

func TestSetAnswer_ConditionFailures(t *testing.T) {
	id := encodeTurnID("chat:user", turnSK(fixedNow, "id-1"))

	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	s := mustNewStore(t, db)
	require.ErrorIs(t, s.SetAnswer(context.Background(), id, "x"), ErrNotFound)

	answer := "earlier"
	db.updateErr = &types.ConditionalCheckFailedException{
		Item: makeTurnItem("chat:user", turnSK(fixedNow, "id-1"), "q", &answer),
	}
	require.ErrorIs(t, s.SetAnswer(context.Background(), id, "x"), ErrAnswerAlreadySet)
}

func TestSetAnswer_MalformedIDIsNotFound(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.ErrorIs(t, s.SetAnswer(context.Background(), "garbage", "x"), ErrNotFound)
	require.Nil(t, db.lastUpdateInput)
}

func TestListTurns_PaginatesNewestFirst(t *testing.T) {
	answer := "a1"
	newer := turnSK(fixedNow.Add(time.Second), "b")
	older := turnSK(fixedNow, "a")
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{makeTurnItem("s", newer, "q2", nil)},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "SESSION#s"}},
		},
		{Items: []map[string]types.AttributeValue{makeTurnItem("s", older, "q1", &answer)}},
	}}
	s := mustNewStore(t, db)

	turns, err := s.ListTurns(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "q2", turns[0].Question)
	require.Nil(t, turns[0].Answer)
	require.Equal(t, "q1", turns[1].Question)
	require.Equal(t, "a1", turns[1].AnswerText())
	require.Equal(t, encodeTurnID("s", older), turns[1].ID)

	require.Len(t, db.queryIns, 2)
	require.False(t, *db.queryIns[0].ScanIndexForward)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.queryIns[0].KeyConditionExpression)
	require.NotNil(t, db.queryIns[1].ExclusiveStartKey)
}

func TestListTurns_MalformedItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "SESSION#s"},
		"SK": &types.AttributeValueMemberS{Value: "TURN#x"},
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	s := mustNewStore(t, db)

	_, err := s.ListTurns(context.Background(), "s")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sessionId")
}

func TestListTurns_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	s := mustNewStore(t, db)

	_, err := s.ListTurns(context.Background(), "s")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, "ListTurns", storageErr.Op)
}

func TestSetAnswerForQuestion_UpdatesMostRecentUnansweredMatch(t *testing.T) {
	answered := "done"
	newest := turnSK(fixedNow.Add(2*time.Second), "c")
	middle := turnSK(fixedNow.Add(time.Second), "b")
	oldest := turnSK(fixedNow, "a")
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		makeTurnItem("s", newest, "hello", &answered),
		makeTurnItem("s", middle, "hello", nil),
		makeTurnItem("s", oldest, "hello", nil),
	}}}}
	s := mustNewStore(t, db)

	require.NoError(t, s.SetAnswerForQuestion(context.Background(), "s", "hello", "hi"))
	require.Equal(t, middle, db.lastUpdateInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestSetAnswerForQuestion_NoMatch(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	require.ErrorIs(t, s.SetAnswerForQuestion(context.Background(), "s", "hello", "hi"), ErrNotFound)
}

func TestDeleteTurn(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.DeleteTurn(context.Background(), "not-a-turn-id"))
	require.Nil(t, db.lastDeleteInput)

	sk := turnSK(fixedNow, "a")
	require.NoError(t, s.DeleteTurn(context.Background(), encodeTurnID("s", sk)))
	require.Equal(t, "SESSION#s", db.lastDeleteInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, sk, db.lastDeleteInput.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestDeleteSession_EmptySessionIsNoop(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	require.NoError(t, s.DeleteSession(context.Background(), "s"))
	require.Empty(t, db.batchIns)
}

func TestDeleteSession_BatchesAndRetriesUnprocessed(t *testing.T) {
	items := make([]map[string]types.AttributeValue, 0, 30)
	for i := 0; i < 30; i++ {
		items = append(items, map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "SESSION#s"},
			"SK": &types.AttributeValueMemberS{Value: turnSK(fixedNow.Add(time.Duration(i)), "x")},
		})
	}
	leftover := []types.WriteRequest{{DeleteRequest: &types.DeleteRequest{Key: items[0]}}}
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: items}},
		batchOuts: []*dynamodb.BatchWriteItemOutput{
			{UnprocessedItems: map[string][]types.WriteRequest{"test-table": leftover}},
		},
	}
	s := mustNewStore(t, db)

	require.NoError(t, s.DeleteSession(context.Background(), "s"))
	require.Equal(t, "PK, SK", *db.queryIns[0].ProjectionExpression)
	require.Len(t, db.batchIns, 3)
	require.Len(t, db.batchIns[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchIns[1].RequestItems["test-table"], 1)
	require.Len(t, db.batchIns[2].RequestItems["test-table"], 5)
}

func TestTurnSK_SortsChronologically(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(500 * time.Millisecond),
		base.Add(510 * time.Millisecond),
		base,
		base.Add(time.Second),
	}
	keys := make([]string, 0, len(times))
	for _, ts := range times {
		keys = append(keys, turnSK(ts, "id"))
	}
	sort.Strings(keys)
	require.Equal(t, []string{
		turnSK(base, "id"),
		turnSK(base.Add(500*time.Millisecond), "id"),
		turnSK(base.Add(510*time.Millisecond), "id"),
		turnSK(base.Add(time.Second), "id"),
	}, keys)
}

func TestTurnID_RoundTripsSessionWithSeparators(t *testing.T) {
	id := encodeTurnID(domain.SessionID("oc:1", "ou.2"), "TURN#k")
	sessionID, sk, ok := decodeTurnID(id)
	require.True(t, ok)
	require.Equal(t, domain.SessionID("oc:1", "ou.2"), sessionID)
	require.Equal(t, "TURN#k", sk)
}
