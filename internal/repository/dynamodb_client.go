package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"lark-relay/internal/domain"
)

const (
	pkPrefixEvent   = "EVENT#"
	pkPrefixSession = "SESSION#"
	skEvent         = "EVENT"
	skPrefixTurn    = "TURN#"

	// Fixed width so lexicographic sort key order matches chronological order.
	sortKeyTimeFormat = "2006-01-02T15:04:05.000000000Z"

	batchWriteLimit    = 25
	batchWriteAttempts = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore keeps events and turns in one DynamoDB table keyed by PK/SK.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string

	now   func() time.Time
	newID func() string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoDB-backed Store.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{
		api:       api,
		tableName: tableName,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

func eventPK(eventID string) string {
	return pkPrefixEvent + eventID
}

func sessionPK(sessionID string) string {
	return pkPrefixSession + sessionID
}

func turnSK(ts time.Time, id string) string {
	return skPrefixTurn + ts.UTC().Format(sortKeyTimeFormat) + "#" + id
}

func encodeTurnID(sessionID, sk string) domain.TurnID {
	return domain.TurnID(base64.RawURLEncoding.EncodeToString([]byte(sessionID)) + "." + sk)
}

func decodeTurnID(id domain.TurnID) (sessionID, sk string, ok bool) {
	enc, sk, found := strings.Cut(string(id), ".")
	if !found || !strings.HasPrefix(sk, skPrefixTurn) {
		return "", "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(raw) == 0 {
		return "", "", false
	}
	return string(raw), sk, true
}

func (s *DynamoStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// HasSeenEvent reports whether an event row exists for eventID.
func (s *DynamoStore) HasSeenEvent(ctx context.Context, eventID string) (bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(s.tableName),
		Key:                  s.key(eventPK(eventID), skEvent),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("PK"),
	})
	if err != nil {
		return false, storageErr("HasSeenEvent", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

// RecordEvent inserts the event row. The conditional put is the dedup
// decision; a concurrent duplicate loses with ErrAlreadyExists.
func (s *DynamoStore) RecordEvent(ctx context.Context, eventID string, raw []byte) error {
	item := s.key(eventPK(eventID), skEvent)
	item["eventId"] = &types.AttributeValueMemberS{Value: eventID}
	item["createdAt"] = &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)}
	if len(raw) > 0 {
		item["payload"] = &types.AttributeValueMemberB{Value: raw}
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyExists
		}
		return storageErr("RecordEvent", err)
	}
	return nil
}

// AnnotateEvent attaches trace content to an existing event.
func (s *DynamoStore) AnnotateEvent(ctx context.Context, eventID, content string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(eventPK(eventID), skEvent),
		UpdateExpression:    aws.String("SET content = :content"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":content": &types.AttributeValueMemberS{Value: content},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrNotFound
		}
		return storageErr("AnnotateEvent", err)
	}
	return nil
}

// InsertTurn appends an unanswered turn to the session.
func (s *DynamoStore) InsertTurn(ctx context.Context, sessionID, question string, size int) (domain.TurnID, error) {
	if sessionID == "" {
		return "", errors.New("repository: InsertTurn: session id is required")
	}
	now := s.now().UTC()
	sk := turnSK(now, s.newID())

	item := s.key(sessionPK(sessionID), sk)
	item["sessionId"] = &types.AttributeValueMemberS{Value: sessionID}
	item["question"] = &types.AttributeValueMemberS{Value: question}
	item["size"] = &types.AttributeValueMemberN{Value: strconv.Itoa(size)}
	item["createdAt"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", storageErr("InsertTurn", err)
	}
	return encodeTurnID(sessionID, sk), nil
}

// SetAnswer sets the answer of an existing, still unanswered turn.
func (s *DynamoStore) SetAnswer(ctx context.Context, turnID domain.TurnID, answer string) error {
	sessionID, sk, ok := decodeTurnID(turnID)
	if !ok {
		return ErrNotFound
	}

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(sessionPK(sessionID), sk),
		UpdateExpression:    aws.String("SET #answer = :answer, answeredAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(#answer)"),
		ExpressionAttributeNames: map[string]string{
			"#answer": "answer",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":answer": &types.AttributeValueMemberS{Value: answer},
			":at":     &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) > 0 {
				return ErrAnswerAlreadySet
			}
			return ErrNotFound
		}
		return storageErr("SetAnswer", err)
	}
	return nil
}

// SetAnswerForQuestion answers the most recent unanswered turn in the session
// whose question matches exactly.
func (s *DynamoStore) SetAnswerForQuestion(ctx context.Context, sessionID, question, answer string) error {
	turns, err := s.ListTurns(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, t := range turns {
		if t.Question == question && !t.Answered() {
			return s.SetAnswer(ctx, t.ID, answer)
		}
	}
	return ErrNotFound
}

// ListTurns returns every turn of the session, newest first.
func (s *DynamoStore) ListTurns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	items, err := s.queryTurns(ctx, sessionID, "")
	if err != nil {
		return nil, storageErr("ListTurns", err)
	}

	turns := make([]domain.Turn, 0, len(items))
	for _, item := range items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, storageErr("ListTurns", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *DynamoStore) queryTurns(ctx context.Context, sessionID, projection string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if projection != "" {
		in.ProjectionExpression = aws.String(projection)
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// DeleteTurn removes a turn. Unknown ids are not an error.
func (s *DynamoStore) DeleteTurn(ctx context.Context, turnID domain.TurnID) error {
	sessionID, sk, ok := decodeTurnID(turnID)
	if !ok {
		return nil
	}
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(sessionPK(sessionID), sk),
	})
	if err != nil {
		return storageErr("DeleteTurn", err)
	}
	return nil
}

// DeleteSession removes every turn of the session.
func (s *DynamoStore) DeleteSession(ctx context.Context, sessionID string) error {
	items, err := s.queryTurns(ctx, sessionID, "PK, SK")
	if err != nil {
		return storageErr("DeleteSession", err)
	}

	for start := 0; start < len(items); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(items))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			reqs = append(reqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					"PK": item["PK"],
					"SK": item["SK"],
				}},
			})
		}
		if err := s.batchDelete(ctx, reqs); err != nil {
			return storageErr("DeleteSession", err)
		}
	}
	return nil
}

func (s *DynamoStore) batchDelete(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: reqs}
	for attempt := 1; attempt <= batchWriteAttempts; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil || len(out.UnprocessedItems[s.tableName]) == 0 {
			return nil
		}
		pending = map[string][]types.WriteRequest{s.tableName: out.UnprocessedItems[s.tableName]}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("%d delete requests left unprocessed", len(pending[s.tableName]))
}

// Close is a no-op; the SDK client holds no per-store resources.
func (s *DynamoStore) Close() error {
	return nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Turn{}, err
	}
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Turn{}, err
	}
	question, err := strAttr(item, "question")
	if err != nil {
		return domain.Turn{}, err
	}
	size, err := intAttr(item, "size")
	if err != nil {
		return domain.Turn{}, err
	}
	createdRaw, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute %q: %w", "createdAt", err)
	}

	t := domain.Turn{
		ID:        encodeTurnID(sessionID, sk),
		SessionID: sessionID,
		Question:  question,
		Size:      size,
		CreatedAt: createdAt,
	}
	if _, ok := item["answer"]; ok {
		answer, err := strAttr(item, "answer")
		if err != nil {
			return domain.Turn{}, err
		}
		t.Answer = &answer
	}
	return t, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
